package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shiplane/shiplane/internal/events"
	"github.com/shiplane/shiplane/internal/models"
	"github.com/shiplane/shiplane/internal/store"
	"github.com/shiplane/shiplane/internal/store/postgres"
)

// RunHandler handles run status and history requests.
type RunHandler struct {
	store  store.Store
	bus    *events.Bus
	logger *slog.Logger
}

// NewRunHandler creates a new run handler.
func NewRunHandler(st store.Store, bus *events.Bus, logger *slog.Logger) *RunHandler {
	return &RunHandler{
		store:  st,
		bus:    bus,
		logger: logger,
	}
}

// Get handles GET /v1/runs/{runID}.
func (h *RunHandler) Get(w http.ResponseWriter, r *http.Request) {
	run, ok := h.fetch(w, r)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, run)
}

// History handles GET /v1/runs/{runID}/history. The returned list is the
// complete ordered event record of the run; for a terminated run repeated
// calls return identical lists.
func (h *RunHandler) History(w http.ResponseWriter, r *http.Request) {
	run, ok := h.fetch(w, r)
	if !ok {
		return
	}

	history, err := h.bus.History(r.Context(), run.ID)
	if err != nil {
		h.logger.Error("failed to load run history", "error", err, "run_id", run.ID)
		WriteInternalError(w, "Failed to load run history")
		return
	}
	if history == nil {
		history = []*models.Event{}
	}
	WriteJSON(w, http.StatusOK, history)
}

// fetch loads the run named in the URL, writing the error response itself
// when it cannot.
func (h *RunHandler) fetch(w http.ResponseWriter, r *http.Request) (*models.Run, bool) {
	id := chi.URLParam(r, "runID")
	if id == "" {
		WriteBadRequest(w, "Run ID is required")
		return nil, false
	}

	run, err := h.store.Runs().Get(r.Context(), id)
	if errors.Is(err, postgres.ErrNotFound) {
		WriteNotFound(w, "Run not found")
		return nil, false
	}
	if err != nil {
		h.logger.Error("failed to get run", "error", err, "run_id", id)
		WriteInternalError(w, "Failed to get run")
		return nil, false
	}
	return run, true
}
