// Package events fans out per-user change notifications (new requests,
// resolved requests, new messages) to live subscribers.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Event types.
const (
	TypeRequestCreated  = "connection.requested"
	TypeRequestResolved = "connection.resolved"
	TypeMessageCreated  = "message.created"
	TypeMessageRead     = "message.read"
)

// DefaultBufferSize is the per-subscriber channel capacity.
const DefaultBufferSize = 16

// Event tells a user that something addressed to them changed.
type Event struct {
	Type string `json:"type"`
	// UserID is the recipient.
	UserID    string    `json:"user_id"`
	ActorID   string    `json:"actor_id,omitempty"`
	SubjectID string    `json:"subject_id,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher delivers events to their recipient.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// Hub is an in-process Publisher with per-user subscriptions.
// Delivery never blocks: a subscriber whose buffer is full misses the event
// and is expected to catch up on its next poll.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	bufferSize  int
	logger      *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subscribers: make(map[string]map[chan Event]struct{}),
		bufferSize:  DefaultBufferSize,
		logger:      logger,
	}
}

// Subscribe registers a channel for a user's events. Call cancel to unsubscribe.
func (h *Hub) Subscribe(userID string) (<-chan Event, func()) {
	ch := make(chan Event, h.bufferSize)

	h.mu.Lock()
	if h.subscribers[userID] == nil {
		h.subscribers[userID] = make(map[chan Event]struct{})
	}
	h.subscribers[userID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if subs, ok := h.subscribers[userID]; ok {
				delete(subs, ch)
				if len(subs) == 0 {
					delete(h.subscribers, userID)
				}
			}
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers the event to local subscribers of event.UserID.
func (h *Hub) Publish(ctx context.Context, event Event) {
	h.Deliver(event)
}

// Deliver hands the event to every local subscriber without blocking.
func (h *Hub) Deliver(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.subscribers[event.UserID] {
		select {
		case ch <- event:
		default:
			h.logger.Warn("dropping event for slow subscriber",
				slog.String("user_id", event.UserID),
				slog.String("type", event.Type))
		}
	}
}

// SubscriberCount returns the number of live subscriptions for a user.
func (h *Hub) SubscriberCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[userID])
}
