// stores.go
//
// Shared mock implementations of broker.Store and broker.Exchanger.
// Imported by test files across packages to avoid duplicate mock definitions.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/MGallo-Code/polaris/internal/oauth"
	"github.com/MGallo-Code/polaris/internal/store"
)

// MockStore implements broker.Store for tests.

// Always stateful...backed by a real store.MemoryStore so save -> complete -> drain
// round-trips behave like a database.
// Use *Err fields to inject errors for specific operations.
type MockStore struct {
	// Error injection...zero value means no error
	SavePendingErr   error
	GetPendingErr    error
	DeletePendingErr error
	SweepErr         error
	CompleteErr      error
	DrainErr         error

	*store.MemoryStore

	mu          sync.Mutex
	saveCalls   int
	sweepCutoff time.Time
}

// NewMockStore returns an empty MockStore.
func NewMockStore() *MockStore {
	return &MockStore{MemoryStore: store.NewMemoryStore()}
}

func (m *MockStore) SavePending(ctx context.Context, pending ...store.PendingAuthorization) error {
	m.mu.Lock()
	m.saveCalls++
	m.mu.Unlock()
	if m.SavePendingErr != nil {
		return m.SavePendingErr
	}
	return m.MemoryStore.SavePending(ctx, pending...)
}

func (m *MockStore) GetPending(ctx context.Context, state string) (*store.PendingAuthorization, error) {
	if m.GetPendingErr != nil {
		return nil, m.GetPendingErr
	}
	return m.MemoryStore.GetPending(ctx, state)
}

func (m *MockStore) DeletePending(ctx context.Context, state string) error {
	if m.DeletePendingErr != nil {
		return m.DeletePendingErr
	}
	return m.MemoryStore.DeletePending(ctx, state)
}

func (m *MockStore) SweepPending(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	m.sweepCutoff = cutoff
	m.mu.Unlock()
	if m.SweepErr != nil {
		return 0, m.SweepErr
	}
	return m.MemoryStore.SweepPending(ctx, cutoff)
}

func (m *MockStore) CompleteAuthorization(ctx context.Context, cred store.IssuedCredential) error {
	if m.CompleteErr != nil {
		return m.CompleteErr
	}
	return m.MemoryStore.CompleteAuthorization(ctx, cred)
}

func (m *MockStore) DrainCredentials(ctx context.Context) ([]store.IssuedCredential, error) {
	if m.DrainErr != nil {
		return nil, m.DrainErr
	}
	return m.MemoryStore.DrainCredentials(ctx)
}

// SaveCalls returns how many times SavePending was called, failed calls included.
func (m *MockStore) SaveCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveCalls
}

// SweepCutoff returns the cutoff passed to the most recent SweepPending call.
func (m *MockStore) SweepCutoff() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sweepCutoff
}

// ExchangeCall records one Exchange invocation.
type ExchangeCall struct {
	IDP          string
	Code         string
	CodeVerifier string
}

// MockExchanger implements broker.Exchanger for tests.
// Returns Token (or a default token) unless Err is set; records every call.
type MockExchanger struct {
	Token *oauth.Token
	Err   error

	mu    sync.Mutex
	calls []ExchangeCall
}

func (m *MockExchanger) Exchange(_ context.Context, idp, code, codeVerifier string) (*oauth.Token, error) {
	m.mu.Lock()
	m.calls = append(m.calls, ExchangeCall{IDP: idp, Code: code, CodeVerifier: codeVerifier})
	m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	if m.Token != nil {
		tok := *m.Token
		return &tok, nil
	}
	return &oauth.Token{AccessToken: "access-" + code, TokenType: "Bearer"}, nil
}

// Calls returns a copy of the recorded Exchange calls.
func (m *MockExchanger) Calls() []ExchangeCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ExchangeCall(nil), m.calls...)
}
