// Package store provides database access interfaces and implementations.
package store

import (
	"context"

	"github.com/shiplane/shiplane/internal/models"
)

// PipelineStore defines operations for pipeline metadata management.
type PipelineStore interface {
	// Create creates a new pipeline.
	Create(ctx context.Context, pipeline *models.Pipeline) error
	// Get retrieves a pipeline by ID.
	Get(ctx context.Context, id string) (*models.Pipeline, error)
	// List retrieves all pipelines, newest first.
	List(ctx context.Context) ([]*models.Pipeline, error)
	// Update updates an existing pipeline.
	Update(ctx context.Context, pipeline *models.Pipeline) error
	// Delete deletes a pipeline and all of its runs and events.
	Delete(ctx context.Context, id string) error
}

// RunStore defines the durable run repository contract. Runs are created
// pending, mutated only by the run supervisor, and immutable once terminal.
type RunStore interface {
	// Create creates a new run.
	Create(ctx context.Context, run *models.Run) error
	// Get retrieves a run by ID.
	Get(ctx context.Context, id string) (*models.Run, error)
	// ListByPipeline retrieves all runs for a pipeline, newest first.
	ListByPipeline(ctx context.Context, pipelineID string) ([]*models.Run, error)
	// Update persists status, error cause and timestamps of a run.
	Update(ctx context.Context, run *models.Run) error
}

// EventStore defines the append-only per-run event log contract.
type EventStore interface {
	// Append writes one event. Events are immutable once written.
	Append(ctx context.Context, event *models.Event) error
	// ListByRun returns the full ordered history of a run. The read is
	// repeatable: two calls after a run terminates return identical lists.
	ListByRun(ctx context.Context, runID string) ([]*models.Event, error)
}

// UserStore defines operations for proxy-provisioned users.
type UserStore interface {
	// Create creates a new user.
	Create(ctx context.Context, user *models.User) error
	// GetByEmail retrieves a user by email.
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	// List retrieves all users.
	List(ctx context.Context) ([]*models.User, error)
	// UpdateRole changes a user's role.
	UpdateRole(ctx context.Context, id string, role models.Role) error
}

// Store is the main interface for database operations.
type Store interface {
	// Pipelines returns the PipelineStore.
	Pipelines() PipelineStore
	// Runs returns the RunStore.
	Runs() RunStore
	// Events returns the EventStore.
	Events() EventStore
	// Users returns the UserStore.
	Users() UserStore

	// WithTx executes the given function within a database transaction.
	// If the function returns an error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error

	// Close closes the database connection.
	Close() error
}
