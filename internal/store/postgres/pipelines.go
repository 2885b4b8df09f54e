package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shiplane/shiplane/internal/models"
)

// PipelineStore implements store.PipelineStore using PostgreSQL.
type PipelineStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *PipelineStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// Create creates a new pipeline.
func (s *PipelineStore) Create(ctx context.Context, pipeline *models.Pipeline) error {
	targetJSON, err := json.Marshal(pipeline.Target)
	if err != nil {
		return fmt.Errorf("marshaling target: %w", err)
	}

	now := time.Now().UTC()
	if pipeline.CreatedAt.IsZero() {
		pipeline.CreatedAt = now
	}
	pipeline.UpdatedAt = now

	query := `
		INSERT INTO pipelines (id, name, repo_url, branch, build_command, target, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err = s.conn().ExecContext(ctx, query,
		pipeline.ID,
		pipeline.Name,
		pipeline.RepoURL,
		pipeline.Branch,
		pipeline.BuildCommand,
		targetJSON,
		pipeline.CreatedBy,
		pipeline.CreatedAt,
		pipeline.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("inserting pipeline: %w", err)
	}
	return nil
}

// Get retrieves a pipeline by ID.
func (s *PipelineStore) Get(ctx context.Context, id string) (*models.Pipeline, error) {
	query := `
		SELECT id, name, repo_url, branch, build_command, target, created_by, created_at, updated_at
		FROM pipelines
		WHERE id = $1`

	pipeline, err := scanPipeline(s.conn().QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying pipeline: %w", err)
	}
	return pipeline, nil
}

// List retrieves all pipelines, newest first.
func (s *PipelineStore) List(ctx context.Context) ([]*models.Pipeline, error) {
	query := `
		SELECT id, name, repo_url, branch, build_command, target, created_by, created_at, updated_at
		FROM pipelines
		ORDER BY created_at DESC`

	rows, err := s.conn().QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying pipelines: %w", err)
	}
	defer rows.Close()

	var pipelines []*models.Pipeline
	for rows.Next() {
		pipeline, err := scanPipeline(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning pipeline row: %w", err)
		}
		pipelines = append(pipelines, pipeline)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating pipeline rows: %w", err)
	}
	return pipelines, nil
}

// Update updates an existing pipeline.
func (s *PipelineStore) Update(ctx context.Context, pipeline *models.Pipeline) error {
	targetJSON, err := json.Marshal(pipeline.Target)
	if err != nil {
		return fmt.Errorf("marshaling target: %w", err)
	}

	pipeline.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE pipelines
		SET name = $2, repo_url = $3, branch = $4, build_command = $5, target = $6, updated_at = $7
		WHERE id = $1`

	result, err := s.conn().ExecContext(ctx, query,
		pipeline.ID,
		pipeline.Name,
		pipeline.RepoURL,
		pipeline.Branch,
		pipeline.BuildCommand,
		targetJSON,
		pipeline.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("updating pipeline: %w", err)
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

// Delete deletes a pipeline and all of its runs and events.
func (s *PipelineStore) Delete(ctx context.Context, id string) error {
	// Events go first, keyed through the runs table.
	if _, err := s.conn().ExecContext(ctx,
		`DELETE FROM events WHERE run_id IN (SELECT id FROM runs WHERE pipeline_id = $1)`, id); err != nil {
		return fmt.Errorf("deleting pipeline events: %w", err)
	}
	if _, err := s.conn().ExecContext(ctx, `DELETE FROM runs WHERE pipeline_id = $1`, id); err != nil {
		return fmt.Errorf("deleting pipeline runs: %w", err)
	}

	result, err := s.conn().ExecContext(ctx, `DELETE FROM pipelines WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting pipeline: %w", err)
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

// scanner abstracts *sql.Row and *sql.Rows for single-row scans.
type scanner interface {
	Scan(dest ...any) error
}

func scanPipeline(row scanner) (*models.Pipeline, error) {
	pipeline := &models.Pipeline{}
	var targetJSON []byte
	var createdBy sql.NullString

	err := row.Scan(
		&pipeline.ID,
		&pipeline.Name,
		&pipeline.RepoURL,
		&pipeline.Branch,
		&pipeline.BuildCommand,
		&targetJSON,
		&createdBy,
		&pipeline.CreatedAt,
		&pipeline.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if createdBy.Valid {
		pipeline.CreatedBy = createdBy.String
	}
	if len(targetJSON) > 0 {
		if err := json.Unmarshal(targetJSON, &pipeline.Target); err != nil {
			return nil, fmt.Errorf("unmarshaling target: %w", err)
		}
	}
	return pipeline, nil
}
