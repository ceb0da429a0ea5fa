package trip

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Repository persists trips.
type Repository interface {
	// Create inserts the trip, assigning ID and CreatedAt when empty.
	Create(ctx context.Context, trip *Trip) error

	// ListByUser returns a user's trips, newest first.
	ListByUser(ctx context.Context, userID string, limit int) ([]*Trip, error)
}

// InMemoryRepository is an in-memory Repository.
// Thread-safe via RWMutex.
type InMemoryRepository struct {
	mu    sync.RWMutex
	trips []*Trip
}

// NewInMemoryRepository creates an empty in-memory trip repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{}
}

func prepare(trip *Trip) error {
	if trip.UserID == "" {
		return ErrMissingUserID
	}
	if trip.ID == "" {
		trip.ID = uuid.New().String()
	}
	if trip.CreatedAt.IsZero() {
		trip.CreatedAt = time.Now()
	}
	trip.CreatedAt = trip.CreatedAt.UTC()
	return nil
}

// Create stores a copy of the trip.
func (r *InMemoryRepository) Create(ctx context.Context, trip *Trip) error {
	if err := prepare(trip); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tripCopy := *trip
	r.trips = append(r.trips, &tripCopy)
	return nil
}

// ListByUser returns copies of the user's trips, newest first.
func (r *InMemoryRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*Trip, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Trip, 0)
	for _, t := range r.trips {
		if t.UserID == userID {
			tripCopy := *t
			result = append(result, &tripCopy)
		}
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Count returns the number of stored trips.
func (r *InMemoryRepository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.trips)
}
