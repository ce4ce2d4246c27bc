package directory

import (
	"context"
	"sync"
)

// MemoryStore is a Store that keeps records in process memory. It is used by
// tests and when the relay runs without a database path.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Directory
	saveErr error
	saves   int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Directory)}
}

func (m *MemoryStore) Load(_ context.Context, userID string) (Directory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.records[userID]
	if !ok {
		return Directory{}, nil
	}
	return d.Clone(), nil
}

func (m *MemoryStore) Save(_ context.Context, userID string, dir Directory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	if len(dir) == 0 {
		delete(m.records, userID)
		return nil
	}
	m.records[userID] = dir.Clone()
	return nil
}

// FailSaves makes every subsequent Save return err until called with nil.
func (m *MemoryStore) FailSaves(err error) {
	m.mu.Lock()
	m.saveErr = err
	m.mu.Unlock()
}

// Saves reports how many Save calls succeeded.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
