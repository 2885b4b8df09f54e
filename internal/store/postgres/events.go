package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/shiplane/shiplane/internal/models"
)

// EventStore implements store.EventStore using PostgreSQL. Events are
// append-only; there is deliberately no update or delete operation.
type EventStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *EventStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// Append writes one event.
func (s *EventStore) Append(ctx context.Context, event *models.Event) error {
	query := `
		INSERT INTO events (run_id, sequence, type, step, message, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.conn().ExecContext(ctx, query,
		event.RunID,
		event.Sequence,
		event.Type,
		event.Step,
		event.Message,
		event.Timestamp,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// ListByRun returns the full ordered history of a run.
func (s *EventStore) ListByRun(ctx context.Context, runID string) ([]*models.Event, error) {
	query := `
		SELECT run_id, sequence, type, step, message, timestamp
		FROM events
		WHERE run_id = $1
		ORDER BY sequence ASC`

	rows, err := s.conn().QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		event := &models.Event{}
		var step, message sql.NullString

		err := rows.Scan(
			&event.RunID,
			&event.Sequence,
			&event.Type,
			&step,
			&message,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}

		if step.Valid {
			event.Step = models.Step(step.String)
		}
		if message.Valid {
			event.Message = message.String
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating event rows: %w", err)
	}
	return events, nil
}
