package connection

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Repository stores connection requests.
type Repository interface {
	// Create checks the pair's prior requests against policy and inserts req
	// as pending in one atomic step. ID and timestamps are assigned.
	Create(ctx context.Context, req *Request, policy CreatePolicy) error

	// Resolve moves a pending request to status if actingUser is its receiver.
	Resolve(ctx context.Context, id, actingUser string, status Status) (*Request, error)

	Get(ctx context.Context, id string) (*Request, error)

	// FindBetween returns every request between a and b in either direction, newest first.
	FindBetween(ctx context.Context, a, b string) ([]*Request, error)

	// ListIncomingPending returns pending requests addressed to user, newest first.
	ListIncomingPending(ctx context.Context, user string) ([]*Request, error)

	// ListSent returns requests sent by user, newest first.
	ListSent(ctx context.Context, user string) ([]*Request, error)

	// ListForUser returns every request involving user, newest first.
	ListForUser(ctx context.Context, user string) ([]*Request, error)
}

// InMemoryRepository is an in-memory Repository.
// Thread-safe via RWMutex; Create and Resolve hold the write lock across
// check and write.
type InMemoryRepository struct {
	mu       sync.RWMutex
	requests map[string]*Request
	now      func() time.Time
}

// NewInMemoryRepository creates an empty in-memory repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		requests: make(map[string]*Request),
		now:      time.Now,
	}
}

func (r *InMemoryRepository) filter(keep func(*Request) bool) []*Request {
	result := make([]*Request, 0)
	for _, req := range r.requests {
		if keep(req) {
			reqCopy := *req
			result = append(result, &reqCopy)
		}
	}
	sortNewestFirst(result)
	return result
}

func between(a, b string) func(*Request) bool {
	return func(req *Request) bool {
		return (req.SenderID == a && req.ReceiverID == b) || (req.SenderID == b && req.ReceiverID == a)
	}
}

// Create inserts a new pending request.
func (r *InMemoryRepository) Create(ctx context.Context, req *Request, policy CreatePolicy) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing := r.filter(between(req.SenderID, req.ReceiverID))
	if err := checkExisting(existing, policy); err != nil {
		return err
	}

	now := r.now().UTC()
	req.ID = uuid.New().String()
	req.Status = StatusPending
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	req.UpdatedAt = req.CreatedAt

	reqCopy := *req
	r.requests[req.ID] = &reqCopy
	return nil
}

// Resolve applies the decision if the request is still pending.
func (r *InMemoryRepository) Resolve(ctx context.Context, id, actingUser string, status Status) (*Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	if err := checkRespond(req, actingUser); err != nil {
		return nil, err
	}
	req.Status = status
	req.UpdatedAt = r.now().UTC()

	reqCopy := *req
	return &reqCopy, nil
}

// Get returns a copy of the request.
func (r *InMemoryRepository) Get(ctx context.Context, id string) (*Request, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	req, ok := r.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	reqCopy := *req
	return &reqCopy, nil
}

// FindBetween returns the pair's requests, newest first.
func (r *InMemoryRepository) FindBetween(ctx context.Context, a, b string) ([]*Request, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.filter(between(a, b)), nil
}

// ListIncomingPending returns pending requests addressed to user.
func (r *InMemoryRepository) ListIncomingPending(ctx context.Context, user string) ([]*Request, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.filter(func(req *Request) bool {
		return req.ReceiverID == user && req.Status == StatusPending
	}), nil
}

// ListSent returns requests sent by user.
func (r *InMemoryRepository) ListSent(ctx context.Context, user string) ([]*Request, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.filter(func(req *Request) bool { return req.SenderID == user }), nil
}

// ListForUser returns every request involving user.
func (r *InMemoryRepository) ListForUser(ctx context.Context, user string) ([]*Request, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.filter(func(req *Request) bool {
		return req.SenderID == user || req.ReceiverID == user
	}), nil
}
