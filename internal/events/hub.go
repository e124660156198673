// Package events provides a broadcast hub for pushing queue and worker
// state to connected UI clients over SSE.
package events

import (
	"crypto/rand"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// EventType identifies the kind of event on the bus.
type EventType string

const (
	// EventStatusUpdate carries a full {statistics, workers} snapshot.
	EventStatusUpdate EventType = "status_update"
	// EventProgress carries per-file transcode progress.
	EventProgress EventType = "progress"
	// EventCompleted signals a file finished and was replaced.
	EventCompleted EventType = "completed"
	// EventError signals a failure on a file or worker.
	EventError EventType = "error"
)

// Event is a single message on the bus.
type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Encode renders the event payload as JSON for the SSE data field.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// subscriberBuffer is the per-client channel depth. A client that falls
// this far behind is dropped rather than blocking the hub.
const subscriberBuffer = 64

// Hub fans events out to subscribers. Slow subscribers lose events.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	logger      *slog.Logger
}

// NewHub creates an event hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subscribers: make(map[string]chan Event),
		logger:      logger,
	}
}

// Subscribe registers a new client and returns its ID and event channel.
// The caller must call Unsubscribe when done.
func (h *Hub) Subscribe() (string, <-chan Event) {
	id := ulid.MustNew(ulid.Now(), rand.Reader).String()
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	h.subscribers[id] = ch
	h.mu.Unlock()

	h.logger.Debug("event subscriber added", slog.String("subscriber_id", id))
	return id, ch
}

// Unsubscribe removes a client and closes its channel.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	ch, ok := h.subscribers[id]
	if ok {
		delete(h.subscribers, id)
	}
	h.mu.Unlock()

	if ok {
		close(ch)
		h.logger.Debug("event subscriber removed", slog.String("subscriber_id", id))
	}
}

// Publish broadcasts an event to all subscribers. Subscribers whose
// buffers are full miss this event.
func (h *Hub) Publish(eventType EventType, data interface{}) {
	event := Event{
		ID:        ulid.MustNew(ulid.Now(), rand.Reader).String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, ch := range h.subscribers {
		select {
		case ch <- event:
		default:
			h.logger.Debug("event dropped for slow subscriber",
				slog.String("subscriber_id", id),
				slog.String("type", string(eventType)),
			)
		}
	}
}

// SubscriberCount returns the number of connected subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}
