package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jmylchreest/av1arr/internal/events"
)

// keepaliveInterval is how often a comment line is written to idle SSE
// streams so proxies do not reap the connection.
const keepaliveInterval = 15 * time.Second

// EventsHandler streams hub events to UI clients over SSE.
type EventsHandler struct {
	hub    *events.Hub
	logger *slog.Logger
}

// NewEventsHandler creates the SSE handler.
func NewEventsHandler(hub *events.Hub, logger *slog.Logger) *EventsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventsHandler{hub: hub, logger: logger}
}

// Register mounts the SSE route on the router.
func (h *EventsHandler) Register(r chi.Router) {
	r.Get("/api/events", h.Stream)
}

// Stream serves one SSE connection until the client disconnects.
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	id, ch := h.hub.Subscribe()
	defer h.hub.Unsubscribe(id)

	h.logger.Debug("sse client connected", slog.String("subscriber_id", id))

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.logger.Debug("sse client disconnected", slog.String("subscriber_id", id))
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case event, open := <-ch:
			if !open {
				return
			}
			payload, err := event.Encode()
			if err != nil {
				h.logger.Error("failed to encode event", slog.String("error", err.Error()))
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", event.ID, event.Type, payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
