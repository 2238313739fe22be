package vault

import (
	"context"
	"sync"
)

// MemoryStore is a Store backed by a process-local map. It is used by tests
// and by ephemeral deployments that accept losing credentials on restart.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Put stores or replaces the record for its subject.
func (m *MemoryStore) Put(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.SubjectID] = rec
	return nil
}

// Get returns the record for a subject or ErrNotFound.
func (m *MemoryStore) Get(_ context.Context, subjectID string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[subjectID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// Delete removes the record for a subject. Missing subjects are ignored.
func (m *MemoryStore) Delete(_ context.Context, subjectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, subjectID)
	return nil
}

// Len reports the number of stored records.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
