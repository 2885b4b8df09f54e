// Package runner drives pipeline runs through their fixed step sequence,
// deciding when a failed deployment warrants a rollback.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shiplane/shiplane/internal/command"
	"github.com/shiplane/shiplane/internal/deploy"
	"github.com/shiplane/shiplane/internal/events"
	"github.com/shiplane/shiplane/internal/health"
	"github.com/shiplane/shiplane/internal/models"
	"github.com/shiplane/shiplane/internal/store"
)

// ErrAlreadyRunning is returned when a run is requested for a pipeline
// that already has one in progress. The deployment target is a singleton
// remote resource; a concurrent run would race on it, so later requests
// are rejected rather than queued.
var ErrAlreadyRunning = errors.New("pipeline already has a run in progress")

// RemoteFactory opens the remote-shell channel to a pipeline's deployment
// host at run start, so the target is injected configuration rather than
// process-wide state.
type RemoteFactory func(target models.DeployTarget) (command.Runner, error)

// Config holds supervisor configuration.
type Config struct {
	// WorkDir is the root directory for per-pipeline checkout workspaces.
	WorkDir string
	// StepTimeout bounds a single step. Zero disables the bound.
	StepTimeout time.Duration
}

// Supervisor executes pipeline runs. Steps run strictly one at a time per
// run; runs of different pipelines proceed independently. The only shared
// mutable state is the per-pipeline active-run guard and the event bus's
// per-run log.
type Supervisor struct {
	store     store.Store
	bus       *events.Bus
	verifier  *health.Verifier
	rollback  *deploy.Controller
	local     command.Runner
	piper     command.Piper
	newRemote RemoteFactory
	cfg       Config
	logger    *slog.Logger

	mu     sync.Mutex
	active map[string]string // pipeline ID -> run ID
}

// NewSupervisor creates a run supervisor. local executes the controller
// side steps (checkout, build); piper streams built image archives;
// newRemote opens the channel to the deployment host.
func NewSupervisor(
	st store.Store,
	bus *events.Bus,
	verifier *health.Verifier,
	local command.Runner,
	piper command.Piper,
	newRemote RemoteFactory,
	cfg Config,
	logger *slog.Logger,
) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		store:     st,
		bus:       bus,
		verifier:  verifier,
		rollback:  deploy.NewController(logger),
		local:     local,
		piper:     piper,
		newRemote: newRemote,
		cfg:       cfg,
		logger:    logger,
		active:    make(map[string]string),
	}
}

// Start creates a run for the pipeline and executes it in the background.
// It fails fast with ErrAlreadyRunning when the pipeline has an active
// run. The guard is set atomically with run creation and cleared when the
// run reaches a terminal state.
func (s *Supervisor) Start(ctx context.Context, pipeline *models.Pipeline, triggeredBy string) (string, error) {
	run := &models.Run{
		ID:          uuid.NewString(),
		PipelineID:  pipeline.ID,
		Status:      models.RunStatusPending,
		TriggeredBy: triggeredBy,
		CreatedAt:   time.Now().UTC(),
	}

	s.mu.Lock()
	if activeID, ok := s.active[pipeline.ID]; ok {
		s.mu.Unlock()
		return activeID, ErrAlreadyRunning
	}
	s.active[pipeline.ID] = run.ID
	s.mu.Unlock()

	if err := s.store.Runs().Create(ctx, run); err != nil {
		s.release(pipeline.ID)
		return "", fmt.Errorf("creating run: %w", err)
	}

	// Open the event log before the run ID is handed back, so an observer
	// subscribing right after the trigger response attaches live instead of
	// finding the run already closed.
	s.bus.Open(run.ID)

	// The run outlives the triggering request.
	go s.execute(context.Background(), run, pipeline)

	return run.ID, nil
}

// ActiveRun returns the in-progress run ID for a pipeline, if any.
func (s *Supervisor) ActiveRun(pipelineID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.active[pipelineID]
	return id, ok
}

func (s *Supervisor) release(pipelineID string) {
	s.mu.Lock()
	delete(s.active, pipelineID)
	s.mu.Unlock()
}

// execute drives one run to a terminal state.
func (s *Supervisor) execute(ctx context.Context, run *models.Run, pipeline *models.Pipeline) {
	log := s.logger.With("pipeline_id", pipeline.ID, "run_id", run.ID)
	defer s.release(pipeline.ID)
	defer s.bus.Close(run.ID)

	now := time.Now().UTC()
	run.Status = models.RunStatusRunning
	run.StartedAt = &now
	if err := s.store.Runs().Update(ctx, run); err != nil {
		log.Error("failed to mark run as running", "error", err)
	}

	s.emit(ctx, run.ID, models.EventRunStart, "", "")
	log.Info("run started", "repo_url", pipeline.RepoURL, "branch", pipeline.Branch)

	rc := &runContext{
		run:           run,
		pipeline:      pipeline,
		workspace:     WorkspacePath(s.cfg.WorkDir, pipeline.Target.ContainerName),
		containerName: models.ContainerName(pipeline.Target, run.ID),
		imageTag:      models.ImageTag(pipeline.Target, run.ID),
	}

	failedStep, failure := s.runSteps(ctx, rc)

	if failure == nil {
		s.emit(ctx, run.ID, models.EventRunSuccess, "", "pipeline completed successfully")
		s.finalize(ctx, run, models.RunStatusCompleted, "", log)
		log.Info("run succeeded")
		return
	}

	cause := fmt.Sprintf("step %s failed: %v", failedStep, failure)
	log.Warn("run failed", "step", failedStep, "error", failure)

	// Before deploy nothing on the host changed, so there is nothing to
	// roll back; the run is simply marked failed.
	if stepIndex(failedStep) >= stepIndex(models.StepDeploy) {
		cause = s.attemptRollback(ctx, rc, cause, log)
	}

	s.emit(ctx, run.ID, models.EventRunFailed, "", cause)
	s.finalize(ctx, run, models.RunStatusFailed, cause, log)
}

// runSteps executes the fixed forward sequence, stopping at the first
// failure. Steps are never retried: a failure is terminal for the run.
func (s *Supervisor) runSteps(ctx context.Context, rc *runContext) (models.Step, error) {
	for _, step := range models.Steps {
		s.emit(ctx, rc.run.ID, models.EventStepStart, step, "")

		err := s.runStep(ctx, step, rc)
		if err != nil {
			s.emit(ctx, rc.run.ID, models.EventStepFailed, step, err.Error())
			return step, err
		}
		s.emit(ctx, rc.run.ID, models.EventStepSuccess, step, "")
	}
	return "", nil
}

// runStep dispatches one step with the configured step timeout applied.
func (s *Supervisor) runStep(ctx context.Context, step models.Step, rc *runContext) error {
	if s.cfg.StepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.StepTimeout)
		defer cancel()
	}

	switch step {
	case models.StepCheckout:
		return s.stepCheckout(ctx, rc)
	case models.StepBuildAndTest:
		return s.stepBuildAndTest(ctx, rc)
	case models.StepBuildImage:
		return s.stepBuildImage(ctx, rc)
	case models.StepCleanupPrevious:
		return s.stepCleanupPrevious(ctx, rc)
	case models.StepShipImage:
		return s.stepShipImage(ctx, rc)
	case models.StepDeploy:
		return s.stepDeploy(ctx, rc)
	case models.StepHealthcheck:
		return s.stepHealthcheck(ctx, rc)
	default:
		return fmt.Errorf("unknown step %q", step)
	}
}

// attemptRollback restores the snapshot's container after a deploy-or-later
// failure. It returns the final run failure cause, folding in the rollback
// outcome. A failed rollback never crashes the run; both causes surface.
func (s *Supervisor) attemptRollback(ctx context.Context, rc *runContext, cause string, log *slog.Logger) string {
	if !rc.snapshot.HasPrevious() {
		// No rollback events in this case: there was never a previous
		// version to protect.
		return cause + "; no previous version exists, rollback skipped"
	}

	s.emit(ctx, rc.run.ID, models.EventRollbackStart, models.StepRollback,
		fmt.Sprintf("restoring previous container %s", models.ShortID(rc.snapshot.ContainerID)))

	if err := s.rollback.Rollback(ctx, rc.remote, rc.containerName, rc.snapshot); err != nil {
		log.Error("rollback failed", "error", err)
		s.emit(ctx, rc.run.ID, models.EventRollbackFailed, models.StepRollback, err.Error())
		return cause + "; rollback failed: " + err.Error()
	}

	log.Info("rollback succeeded", "restored_container", rc.snapshot.ContainerID)
	s.emit(ctx, rc.run.ID, models.EventRollbackSuccess, models.StepRollback,
		"previous container restored")
	return cause + "; rolled back to previous version"
}

// finalize persists the terminal run state. Runs are immutable afterwards.
func (s *Supervisor) finalize(ctx context.Context, run *models.Run, status models.RunStatus, cause string, log *slog.Logger) {
	now := time.Now().UTC()
	run.Status = status
	run.Error = cause
	run.FinishedAt = &now
	if err := s.store.Runs().Update(ctx, run); err != nil {
		log.Error("failed to persist terminal run status", "status", status, "error", err)
	}
}

// emit publishes a run event. Publication failures are logged, never
// propagated: event delivery must not alter run control flow.
func (s *Supervisor) emit(ctx context.Context, runID string, typ models.EventType, step models.Step, message string) {
	if _, err := s.bus.Publish(ctx, runID, typ, step, message); err != nil {
		s.logger.Error("failed to publish run event",
			"run_id", runID,
			"type", typ,
			"error", err,
		)
	}
}

// stepIndex returns a step's position in the forward sequence.
func stepIndex(step models.Step) int {
	for i, s := range models.Steps {
		if s == step {
			return i
		}
	}
	return len(models.Steps)
}
