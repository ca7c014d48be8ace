package checkpoint

import (
	"context"
	"sync"
)

// MemStore is a sync.Mutex-guarded map standing in for a database, used in
// tests and as the default when no durable checkpoint store is configured.
type MemStore struct {
	mu    sync.Mutex
	snaps map[string]Snapshot
}

// NewMemStore constructs an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{snaps: make(map[string]Snapshot)}
}

// Save implements Store.
func (m *MemStore) Save(_ context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[snap.SessionID] = snap
	return nil
}

// Load implements Store.
func (m *MemStore) Load(_ context.Context, sessionID string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snaps[sessionID]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return snap, nil
}

var _ Store = (*MemStore)(nil)
