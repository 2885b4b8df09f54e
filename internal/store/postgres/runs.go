package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shiplane/shiplane/internal/models"
)

// RunStore implements store.RunStore using PostgreSQL.
type RunStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *RunStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// Create creates a new run.
func (s *RunStore) Create(ctx context.Context, run *models.Run) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO runs (id, pipeline_id, status, triggered_by, error, created_at, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.conn().ExecContext(ctx, query,
		run.ID,
		run.PipelineID,
		run.Status,
		run.TriggeredBy,
		run.Error,
		run.CreatedAt,
		run.StartedAt,
		run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

// Get retrieves a run by ID.
func (s *RunStore) Get(ctx context.Context, id string) (*models.Run, error) {
	query := `
		SELECT id, pipeline_id, status, triggered_by, error, created_at, started_at, finished_at
		FROM runs
		WHERE id = $1`

	run, err := scanRun(s.conn().QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying run: %w", err)
	}
	return run, nil
}

// ListByPipeline retrieves all runs for a pipeline, newest first.
func (s *RunStore) ListByPipeline(ctx context.Context, pipelineID string) ([]*models.Run, error) {
	query := `
		SELECT id, pipeline_id, status, triggered_by, error, created_at, started_at, finished_at
		FROM runs
		WHERE pipeline_id = $1
		ORDER BY created_at DESC`

	rows, err := s.conn().QueryContext(ctx, query, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating run rows: %w", err)
	}
	return runs, nil
}

// Update persists status, error cause and timestamps of a run.
func (s *RunStore) Update(ctx context.Context, run *models.Run) error {
	query := `
		UPDATE runs
		SET status = $2, error = $3, started_at = $4, finished_at = $5
		WHERE id = $1`

	result, err := s.conn().ExecContext(ctx, query,
		run.ID,
		run.Status,
		run.Error,
		run.StartedAt,
		run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("updating run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanRun(row scanner) (*models.Run, error) {
	run := &models.Run{}
	var triggeredBy, runErr sql.NullString
	var startedAt, finishedAt sql.NullTime

	err := row.Scan(
		&run.ID,
		&run.PipelineID,
		&run.Status,
		&triggeredBy,
		&runErr,
		&run.CreatedAt,
		&startedAt,
		&finishedAt,
	)
	if err != nil {
		return nil, err
	}

	if triggeredBy.Valid {
		run.TriggeredBy = triggeredBy.String
	}
	if runErr.Valid {
		run.Error = runErr.String
	}
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	return run, nil
}
