package presence

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Repository is the shared presence table.
type Repository interface {
	// Upsert writes the record keyed by UserID. A write whose LastUpdated is
	// older than the stored one is ignored so the latest broadcast always wins.
	Upsert(ctx context.Context, record *Record) error

	// Get returns the record for a user, or ErrNotFound.
	Get(ctx context.Context, userID string) (*Record, error)

	// ListFresh returns every record with LastUpdated at or after since,
	// excluding excludeUserID, newest first (ties by user id).
	ListFresh(ctx context.Context, since time.Time, excludeUserID string) ([]*Record, error)

	// DisplayNames resolves user ids to display names. Unknown ids are omitted.
	DisplayNames(ctx context.Context, userIDs []string) (map[string]string, error)
}

// InMemoryRepository is an in-memory Repository.
// Thread-safe via RWMutex.
type InMemoryRepository struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewInMemoryRepository creates an empty in-memory presence repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		records: make(map[string]*Record),
	}
}

// Upsert stores a copy of the record unless a newer one is already stored.
func (r *InMemoryRepository) Upsert(ctx context.Context, record *Record) error {
	recordCopy := *record
	if err := recordCopy.Normalize(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.records[recordCopy.UserID]; ok && existing.LastUpdated.After(recordCopy.LastUpdated) {
		return nil
	}
	r.records[recordCopy.UserID] = &recordCopy
	return nil
}

// Get returns a copy of the stored record.
func (r *InMemoryRepository) Get(ctx context.Context, userID string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.records[userID]
	if !ok {
		return nil, ErrNotFound
	}
	recordCopy := *record
	return &recordCopy, nil
}

// ListFresh returns copies of all records updated at or after since.
func (r *InMemoryRepository) ListFresh(ctx context.Context, since time.Time, excludeUserID string) ([]*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Record, 0, len(r.records))
	for id, record := range r.records {
		if id == excludeUserID || record.LastUpdated.Before(since) {
			continue
		}
		recordCopy := *record
		result = append(result, &recordCopy)
	}

	sortFetchOrder(result)
	return result, nil
}

// DisplayNames resolves the names of known users.
func (r *InMemoryRepository) DisplayNames(ctx context.Context, userIDs []string) (map[string]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make(map[string]string, len(userIDs))
	for _, id := range userIDs {
		if record, ok := r.records[id]; ok {
			names[id] = record.DisplayName
		}
	}
	return names, nil
}

// sortFetchOrder orders records newest first, then by user id.
func sortFetchOrder(records []*Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].LastUpdated.Equal(records[j].LastUpdated) {
			return records[i].LastUpdated.After(records[j].LastUpdated)
		}
		return records[i].UserID < records[j].UserID
	})
}
