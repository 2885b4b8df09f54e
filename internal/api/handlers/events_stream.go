package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shiplane/shiplane/internal/events"
	"github.com/shiplane/shiplane/internal/models"
	"github.com/shiplane/shiplane/internal/store"
	"github.com/shiplane/shiplane/internal/store/postgres"
)

// EventStreamHandler serves a run's event feed in real time, over SSE and
// over websocket. Both transports deliver the same sequence: full replay
// of everything published so far, then live events until the run ends.
type EventStreamHandler struct {
	store    store.Store
	bus      *events.Bus
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewEventStreamHandler creates a new event stream handler.
func NewEventStreamHandler(st store.Store, bus *events.Bus, logger *slog.Logger) *EventStreamHandler {
	return &EventStreamHandler{
		store: st,
		bus:   bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Identity comes from the reverse proxy; origin checks are
			// its responsibility.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Stream handles GET /v1/runs/{runID}/events - streams run events via SSE.
func (h *EventStreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if runID == "" {
		WriteBadRequest(w, "Run ID is required")
		return
	}
	if _, err := h.store.Runs().Get(r.Context(), runID); err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			WriteNotFound(w, "Run not found")
			return
		}
		h.logger.Error("failed to get run", "error", err, "run_id", runID)
		WriteInternalError(w, "Failed to get run")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteInternalError(w, "Streaming not supported")
		return
	}

	history, sub, err := h.bus.Subscribe(r.Context(), runID)
	if err != nil {
		h.logger.Error("failed to subscribe to run events", "error", err, "run_id", runID)
		WriteInternalError(w, "Failed to subscribe to run events")
		return
	}
	if sub != nil {
		defer h.bus.Unsubscribe(sub)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	flusher.Flush()

	h.logger.Info("event stream started", "run_id", runID, "replayed", len(history))

	for _, ev := range history {
		h.sendEvent(w, ev)
	}
	flusher.Flush()

	// Terminal run: the replay was the whole story.
	if sub == nil {
		h.sendDone(w)
		flusher.Flush()
		return
	}

	pingTicker := time.NewTicker(15 * time.Second)
	defer pingTicker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("event stream closed by client", "run_id", runID)
			return
		case <-pingTicker.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, open := <-sub.Events():
			if !open {
				h.sendDone(w)
				flusher.Flush()
				return
			}
			h.sendEvent(w, ev)
			flusher.Flush()
		}
	}
}

// StreamWS handles GET /v1/runs/{runID}/events/ws - the same feed over a
// websocket, for clients that keep a long-lived bidirectional connection.
func (h *EventStreamHandler) StreamWS(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if runID == "" {
		WriteBadRequest(w, "Run ID is required")
		return
	}
	if _, err := h.store.Runs().Get(r.Context(), runID); err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			WriteNotFound(w, "Run not found")
			return
		}
		h.logger.Error("failed to get run", "error", err, "run_id", runID)
		WriteInternalError(w, "Failed to get run")
		return
	}

	history, sub, err := h.bus.Subscribe(r.Context(), runID)
	if err != nil {
		h.logger.Error("failed to subscribe to run events", "error", err, "run_id", runID)
		WriteInternalError(w, "Failed to subscribe to run events")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if sub != nil {
			h.bus.Unsubscribe(sub)
		}
		h.logger.Error("websocket upgrade failed", "error", err, "run_id", runID)
		return
	}
	defer conn.Close()
	if sub != nil {
		defer h.bus.Unsubscribe(sub)
	}

	// Drain client frames so close handshakes and pongs are processed.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for _, ev := range history {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
	if sub == nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"))
		return
	}

	pingTicker := time.NewTicker(15 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case <-clientGone:
			return
		case <-pingTicker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case ev, open := <-sub.Events():
			if !open {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

// sendEvent writes one run event as an SSE frame, using the event type as
// the SSE event name.
func (h *EventStreamHandler) sendEvent(w http.ResponseWriter, ev *models.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to marshal event", "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
}

// sendDone signals end of stream to SSE clients.
func (h *EventStreamHandler) sendDone(w http.ResponseWriter) {
	fmt.Fprint(w, "event: done\ndata: {}\n\n")
}
