package session

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store, used in tests and for brokers run
// with no persistence configured.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]Snapshot
	closed    bool
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshots: make(map[string]Snapshot)}
}

// Save stores or overwrites a session snapshot.
func (m *MemoryStore) Save(ctx context.Context, snap Snapshot) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}

	m.snapshots[snap.ClientID] = snap
	return nil
}

// Load retrieves a session snapshot by client ID.
func (m *MemoryStore) Load(ctx context.Context, clientID string) (Snapshot, error) {
	if ctx.Err() != nil {
		return Snapshot{}, ctx.Err()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Snapshot{}, ErrStoreClosed
	}

	snap, ok := m.snapshots[clientID]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return snap, nil
}

// Delete removes a session snapshot.
func (m *MemoryStore) Delete(ctx context.Context, clientID string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}

	delete(m.snapshots, clientID)
	return nil
}

// Exists reports whether a snapshot exists for clientID.
func (m *MemoryStore) Exists(ctx context.Context, clientID string) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, ErrStoreClosed
	}

	_, ok := m.snapshots[clientID]
	return ok, nil
}

// List returns every persisted client ID.
func (m *MemoryStore) List(ctx context.Context) ([]string, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}

	clientIDs := make([]string, 0, len(m.snapshots))
	for clientID := range m.snapshots {
		clientIDs = append(clientIDs, clientID)
	}
	return clientIDs, nil
}

// Close marks the store closed, rejecting further operations.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	m.closed = true
	m.snapshots = nil
	return nil
}

// Count returns the total number of persisted sessions.
func (m *MemoryStore) Count(ctx context.Context) (int64, error) {
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrStoreClosed
	}

	return int64(len(m.snapshots)), nil
}
