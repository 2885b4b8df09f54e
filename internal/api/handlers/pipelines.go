// Package handlers provides HTTP request handlers for the API.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shiplane/shiplane/internal/api/middleware"
	"github.com/shiplane/shiplane/internal/models"
	"github.com/shiplane/shiplane/internal/runner"
	"github.com/shiplane/shiplane/internal/store"
	"github.com/shiplane/shiplane/internal/store/postgres"
)

// PipelineHandler handles pipeline-related HTTP requests.
type PipelineHandler struct {
	store      store.Store
	supervisor *runner.Supervisor
	workDir    string
	logger     *slog.Logger
}

// NewPipelineHandler creates a new pipeline handler.
func NewPipelineHandler(st store.Store, sup *runner.Supervisor, workDir string, logger *slog.Logger) *PipelineHandler {
	return &PipelineHandler{
		store:      st,
		supervisor: sup,
		workDir:    workDir,
		logger:     logger,
	}
}

// PipelineRequest is the request body for creating or updating a pipeline.
type PipelineRequest struct {
	Name         string              `json:"name"`
	RepoURL      string              `json:"repo_url"`
	Branch       string              `json:"branch,omitempty"`
	BuildCommand string              `json:"build_command,omitempty"`
	Target       models.DeployTarget `json:"target"`
}

// Create handles POST /v1/pipelines.
func (h *PipelineHandler) Create(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())

	var req PipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}

	now := time.Now().UTC()
	pipeline := &models.Pipeline{
		ID:           uuid.NewString(),
		Name:         strings.TrimSpace(req.Name),
		RepoURL:      strings.TrimSpace(req.RepoURL),
		Branch:       strings.TrimSpace(req.Branch),
		BuildCommand: strings.TrimSpace(req.BuildCommand),
		Target:       req.Target,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if user != nil {
		pipeline.CreatedBy = user.Email
	}

	pipeline.Normalize()
	if err := pipeline.Validate(); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	if err := h.store.Pipelines().Create(r.Context(), pipeline); err != nil {
		if errors.Is(err, postgres.ErrDuplicateKey) {
			WriteConflict(w, "A pipeline with this name already exists")
			return
		}
		h.logger.Error("failed to create pipeline", "error", err)
		WriteInternalError(w, "Failed to create pipeline")
		return
	}

	h.logger.Info("pipeline created", "pipeline_id", pipeline.ID, "name", pipeline.Name)
	WriteJSON(w, http.StatusCreated, pipeline)
}

// List handles GET /v1/pipelines.
func (h *PipelineHandler) List(w http.ResponseWriter, r *http.Request) {
	pipelines, err := h.store.Pipelines().List(r.Context())
	if err != nil {
		h.logger.Error("failed to list pipelines", "error", err)
		WriteInternalError(w, "Failed to list pipelines")
		return
	}
	if pipelines == nil {
		pipelines = []*models.Pipeline{}
	}
	WriteJSON(w, http.StatusOK, pipelines)
}

// Get handles GET /v1/pipelines/{pipelineID}.
func (h *PipelineHandler) Get(w http.ResponseWriter, r *http.Request) {
	pipeline, ok := h.fetch(w, r)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, pipeline)
}

// Update handles PATCH /v1/pipelines/{pipelineID}. Updates never touch a
// run already in flight; the supervisor holds its own pipeline snapshot.
func (h *PipelineHandler) Update(w http.ResponseWriter, r *http.Request) {
	pipeline, ok := h.fetch(w, r)
	if !ok {
		return
	}

	var req PipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}

	if req.Name != "" {
		pipeline.Name = strings.TrimSpace(req.Name)
	}
	if req.RepoURL != "" {
		pipeline.RepoURL = strings.TrimSpace(req.RepoURL)
	}
	if req.Branch != "" {
		pipeline.Branch = strings.TrimSpace(req.Branch)
	}
	pipeline.BuildCommand = strings.TrimSpace(req.BuildCommand)
	if req.Target.Host != "" {
		pipeline.Target = req.Target
	}
	pipeline.UpdatedAt = time.Now().UTC()

	pipeline.Normalize()
	if err := pipeline.Validate(); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	if err := h.store.Pipelines().Update(r.Context(), pipeline); err != nil {
		h.logger.Error("failed to update pipeline", "error", err, "pipeline_id", pipeline.ID)
		WriteInternalError(w, "Failed to update pipeline")
		return
	}
	WriteJSON(w, http.StatusOK, pipeline)
}

// Delete handles DELETE /v1/pipelines/{pipelineID}. Deleting a pipeline
// removes its runs, event history and checkout workspace.
func (h *PipelineHandler) Delete(w http.ResponseWriter, r *http.Request) {
	pipeline, ok := h.fetch(w, r)
	if !ok {
		return
	}

	if _, active := h.supervisor.ActiveRun(pipeline.ID); active {
		WriteConflict(w, "Pipeline has a run in progress")
		return
	}

	if err := h.store.Pipelines().Delete(r.Context(), pipeline.ID); err != nil {
		h.logger.Error("failed to delete pipeline", "error", err, "pipeline_id", pipeline.ID)
		WriteInternalError(w, "Failed to delete pipeline")
		return
	}

	if err := runner.RemoveWorkspace(h.workDir, pipeline.Target.ContainerName); err != nil {
		h.logger.Warn("failed to remove workspace", "error", err, "pipeline_id", pipeline.ID)
	}

	h.logger.Info("pipeline deleted", "pipeline_id", pipeline.ID, "name", pipeline.Name)
	w.WriteHeader(http.StatusNoContent)
}

// TriggerRun handles POST /v1/pipelines/{pipelineID}/runs. A pipeline can
// have at most one run in flight; a second trigger returns 409 with the
// active run's ID.
func (h *PipelineHandler) TriggerRun(w http.ResponseWriter, r *http.Request) {
	pipeline, ok := h.fetch(w, r)
	if !ok {
		return
	}

	triggeredBy := ""
	if user := middleware.GetUser(r.Context()); user != nil {
		triggeredBy = user.Email
	}

	runID, err := h.supervisor.Start(r.Context(), pipeline, triggeredBy)
	if errors.Is(err, runner.ErrAlreadyRunning) {
		WriteJSON(w, http.StatusConflict, map[string]string{
			"code":    ErrCodeConflict,
			"message": "Pipeline already has a run in progress",
			"run_id":  runID,
		})
		return
	}
	if err != nil {
		h.logger.Error("failed to start run", "error", err, "pipeline_id", pipeline.ID)
		WriteInternalError(w, "Failed to start run")
		return
	}

	h.logger.Info("run triggered", "pipeline_id", pipeline.ID, "run_id", runID, "triggered_by", triggeredBy)
	WriteJSON(w, http.StatusCreated, map[string]string{"run_id": runID})
}

// ListRuns handles GET /v1/pipelines/{pipelineID}/runs.
func (h *PipelineHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	pipeline, ok := h.fetch(w, r)
	if !ok {
		return
	}

	runs, err := h.store.Runs().ListByPipeline(r.Context(), pipeline.ID)
	if err != nil {
		h.logger.Error("failed to list runs", "error", err, "pipeline_id", pipeline.ID)
		WriteInternalError(w, "Failed to list runs")
		return
	}
	if runs == nil {
		runs = []*models.Run{}
	}
	WriteJSON(w, http.StatusOK, runs)
}

// fetch loads the pipeline named in the URL, writing the error response
// itself when it cannot.
func (h *PipelineHandler) fetch(w http.ResponseWriter, r *http.Request) (*models.Pipeline, bool) {
	id := chi.URLParam(r, "pipelineID")
	if id == "" {
		WriteBadRequest(w, "Pipeline ID is required")
		return nil, false
	}

	pipeline, err := h.store.Pipelines().Get(r.Context(), id)
	if errors.Is(err, postgres.ErrNotFound) {
		WriteNotFound(w, "Pipeline not found")
		return nil, false
	}
	if err != nil {
		h.logger.Error("failed to get pipeline", "error", err, "pipeline_id", id)
		WriteInternalError(w, "Failed to get pipeline")
		return nil, false
	}
	return pipeline, true
}
