package tracking

import (
	"sort"
	"sync"
	"time"
)

// ActiveTrip describes a session that is currently tracking. The entry is
// registered on Start; Sample stays nil until the first position fix.
// Other screens use it to tell whether the user has a trip in progress.
type ActiveTrip struct {
	UserID      string    `json:"user_id"`
	Sample      *Sample   `json:"sample,omitempty"`
	Destination string    `json:"destination"`
	StartedAt   time.Time `json:"started_at"`
}

// ActiveTrips is an in-process registry of running sessions keyed by user.
// Thread-safe via RWMutex.
type ActiveTrips struct {
	mu    sync.RWMutex
	trips map[string]ActiveTrip
}

// NewActiveTrips creates an empty registry.
func NewActiveTrips() *ActiveTrips {
	return &ActiveTrips{trips: make(map[string]ActiveTrip)}
}

// Set records the session's latest state.
func (a *ActiveTrips) Set(trip ActiveTrip) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.trips[trip.UserID] = trip
}

// Clear removes the user's entry if it still belongs to the session that
// started at startedAt. A newer session of the same user is left alone.
func (a *ActiveTrips) Clear(userID string, startedAt time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if current, ok := a.trips[userID]; ok && current.StartedAt.Equal(startedAt) {
		delete(a.trips, userID)
	}
}

// Get returns the user's active trip.
func (a *ActiveTrips) Get(userID string) (ActiveTrip, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	trip, ok := a.trips[userID]
	return trip, ok
}

// List returns all active trips ordered by user id.
func (a *ActiveTrips) List() []ActiveTrip {
	a.mu.RLock()
	defer a.mu.RUnlock()
	result := make([]ActiveTrip, 0, len(a.trips))
	for _, trip := range a.trips {
		result = append(result, trip)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })
	return result
}

// Len returns the number of active trips.
func (a *ActiveTrips) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.trips)
}
