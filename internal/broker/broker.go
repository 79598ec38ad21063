// Package broker runs the PKCE authorization lifecycle: it issues authorization
// URLs, turns redirected callbacks into tokens, and stages the resulting
// credentials until a client drains them.
package broker

import (
	"context"
	"time"

	"github.com/MGallo-Code/polaris/internal/oauth"
	"github.com/MGallo-Code/polaris/internal/store"
)

// DefaultStateTTL is how long an issued state may be redeemed.
const DefaultStateTTL = 10 * time.Minute

// MaxBatchSize bounds GenerateAuthURLs.
const MaxBatchSize = 1000

// StateStore holds pending authorizations.
// Satisfied by every store backend -- defined here (at consumer) per Go convention.
type StateStore interface {
	// SavePending inserts all records or none; a taken state yields store.ErrDuplicateState.
	SavePending(ctx context.Context, pending ...store.PendingAuthorization) error

	// GetPending fetches a record by state, expired or not. Returns store.ErrStateNotFound.
	GetPending(ctx context.Context, state string) (*store.PendingAuthorization, error)

	// DeletePending removes a record; deleting a missing state is not an error.
	DeletePending(ctx context.Context, state string) error

	// SweepPending deletes records that expired before cutoff.
	SweepPending(ctx context.Context, cutoff time.Time) (int64, error)
}

// CredentialStore stages issued credentials.
// Satisfied by every store backend -- defined here (at consumer) per Go convention.
type CredentialStore interface {
	// CompleteAuthorization deletes the pending record for cred.State and inserts cred
	// atomically. Returns store.ErrStateNotFound if the pending record is gone.
	CompleteAuthorization(ctx context.Context, cred store.IssuedCredential) error

	// DrainCredentials returns and removes every staged credential in one step.
	DrainCredentials(ctx context.Context) ([]store.IssuedCredential, error)
}

// Store is the full persistence surface the broker needs.
type Store interface {
	StateStore
	CredentialStore
}

// Exchanger trades an authorization code + verifier for tokens.
// Satisfied by *oauth.TokenClient.
type Exchanger interface {
	Exchange(ctx context.Context, idp, code, codeVerifier string) (*oauth.Token, error)
}

// Broker is safe for concurrent use; all shared state lives in the store.
type Broker struct {
	dir       *oauth.Directory
	store     Store
	exchanger Exchanger
	ttl       time.Duration
	now       func() time.Time
}

// New returns a Broker. ttl <= 0 uses DefaultStateTTL.
func New(dir *oauth.Directory, st Store, ex Exchanger, ttl time.Duration) *Broker {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &Broker{
		dir:       dir,
		store:     st,
		exchanger: ex,
		ttl:       ttl,
		now:       time.Now,
	}
}
