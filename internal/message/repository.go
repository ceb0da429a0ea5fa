package message

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Repository stores messages.
type Repository interface {
	// Insert assigns ID and CreatedAt when empty and stores the message unread.
	Insert(ctx context.Context, msg *Message) error
	Get(ctx context.Context, id string) (*Message, error)
	// Conversation returns messages between a and b in either direction, oldest first.
	Conversation(ctx context.Context, a, b string, limit int) ([]*Message, error)
	// ListUnread returns unread messages addressed to receiver, newest first.
	ListUnread(ctx context.Context, receiver string) ([]*Message, error)
	// MarkRead flips IsRead. Marking an already read message is not an error.
	MarkRead(ctx context.Context, id string) error
}

// DefaultConversationLimit caps conversation queries when no limit is given.
const DefaultConversationLimit = 200

// InMemoryRepository is an in-memory Repository.
// Thread-safe via RWMutex.
type InMemoryRepository struct {
	mu       sync.RWMutex
	messages map[string]*Message
	seq      map[string]int
	next     int
}

// NewInMemoryRepository creates an empty in-memory message repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		messages: make(map[string]*Message),
		seq:      make(map[string]int),
	}
}

// Insert stores a copy of the message.
func (r *InMemoryRepository) Insert(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	msg.IsRead = false

	r.mu.Lock()
	defer r.mu.Unlock()

	msgCopy := *msg
	r.messages[msg.ID] = &msgCopy
	r.next++
	r.seq[msg.ID] = r.next
	return nil
}

// Get returns a copy of the message.
func (r *InMemoryRepository) Get(ctx context.Context, id string) (*Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	msg, ok := r.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	msgCopy := *msg
	return &msgCopy, nil
}

// sorted returns copies ordered by CreatedAt, then insertion order.
func (r *InMemoryRepository) sorted(keep func(*Message) bool, newestFirst bool) []*Message {
	result := make([]*Message, 0)
	for _, msg := range r.messages {
		if keep(msg) {
			msgCopy := *msg
			result = append(result, &msgCopy)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			if newestFirst {
				return a.CreatedAt.After(b.CreatedAt)
			}
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if newestFirst {
			return r.seq[a.ID] > r.seq[b.ID]
		}
		return r.seq[a.ID] < r.seq[b.ID]
	})
	return result
}

// Conversation returns the latest limit messages of the pair, oldest first.
func (r *InMemoryRepository) Conversation(ctx context.Context, a, b string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = DefaultConversationLimit
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	result := r.sorted(func(m *Message) bool {
		return (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a)
	}, false)
	if len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

// ListUnread returns unread messages for receiver, newest first.
func (r *InMemoryRepository) ListUnread(ctx context.Context, receiver string) ([]*Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.sorted(func(m *Message) bool {
		return m.ReceiverID == receiver && !m.IsRead
	}, true), nil
}

// MarkRead marks the message read.
func (r *InMemoryRepository) MarkRead(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, ok := r.messages[id]
	if !ok {
		return ErrNotFound
	}
	msg.IsRead = true
	return nil
}
