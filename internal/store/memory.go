// memory.go -- Process-local backend. Used by tests and STORE_DRIVER=memory.
package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps everything in maps guarded by one mutex, which makes every
// operation trivially atomic. Contents are lost on restart.
type MemoryStore struct {
	mu          sync.Mutex
	pending     map[string]PendingAuthorization
	credentials []IssuedCredential
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{pending: make(map[string]PendingAuthorization)}
}

func (m *MemoryStore) SavePending(_ context.Context, pending ...PendingAuthorization) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]struct{}, len(pending))
	for _, p := range pending {
		if _, ok := m.pending[p.State]; ok {
			return ErrDuplicateState
		}
		if _, ok := seen[p.State]; ok {
			return ErrDuplicateState
		}
		seen[p.State] = struct{}{}
	}
	for _, p := range pending {
		m.pending[p.State] = p
	}
	return nil
}

func (m *MemoryStore) GetPending(_ context.Context, state string) (*PendingAuthorization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[state]
	if !ok {
		return nil, ErrStateNotFound
	}
	return &p, nil
}

func (m *MemoryStore) DeletePending(_ context.Context, state string) error {
	m.mu.Lock()
	delete(m.pending, state)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) SweepPending(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for state, p := range m.pending {
		if p.ExpiresAt.Before(cutoff) {
			delete(m.pending, state)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CompleteAuthorization(_ context.Context, cred IssuedCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[cred.State]; !ok {
		return ErrStateNotFound
	}
	delete(m.pending, cred.State)
	m.credentials = append(m.credentials, cred)
	return nil
}

func (m *MemoryStore) DrainCredentials(context.Context) ([]IssuedCredential, error) {
	m.mu.Lock()
	creds := m.credentials
	m.credentials = nil
	m.mu.Unlock()

	if creds == nil {
		creds = []IssuedCredential{}
	}
	sortCredentials(creds)
	return creds, nil
}

// PendingCount returns the number of stored pending authorizations, expired included.
func (m *MemoryStore) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
