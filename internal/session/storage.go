package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned by Storage.Get for unknown public ids.
var ErrNotFound = errors.New("session record not found")

// Record is the persisted metadata of one session.
type Record struct {
	PublicID string
	// OwnerToken is the raw token. Stores that keep only a hash leave it
	// empty on reads and fill OwnerHash instead.
	OwnerToken   string
	OwnerHash    string
	State        State
	CreatedAt    time.Time
	LastActivity time.Time
}

// Storage persists session metadata. Live sessions are always authoritative;
// storage failures are logged by callers and never fail a session operation.
type Storage interface {
	Save(ctx context.Context, rec Record) error
	Get(ctx context.Context, publicID string) (Record, error)
	Delete(ctx context.Context, publicID string) error
	List(ctx context.Context) ([]Record, error)
	UpdateLastActivity(ctx context.Context, publicID string, at time.Time) error
}

// MemoryStorage is an in-process Storage.
type MemoryStorage struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStorage returns an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{records: make(map[string]Record)}
}

// Save inserts or replaces rec.
func (m *MemoryStorage) Save(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.PublicID] = rec
	return nil
}

// Get returns the record for publicID or ErrNotFound.
func (m *MemoryStorage) Get(_ context.Context, publicID string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[publicID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// Delete removes the record for publicID. Unknown ids are not an error.
func (m *MemoryStorage) Delete(_ context.Context, publicID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, publicID)
	return nil
}

// List returns all records ordered by public id.
func (m *MemoryStorage) List(_ context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PublicID < out[j].PublicID })
	return out, nil
}

// UpdateLastActivity sets the last activity time of an existing record.
func (m *MemoryStorage) UpdateLastActivity(_ context.Context, publicID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[publicID]
	if !ok {
		return ErrNotFound
	}
	rec.LastActivity = at
	m.records[publicID] = rec
	return nil
}
