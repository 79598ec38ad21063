// models.go -- Shared record types and sentinel errors for every store backend.
package store

import (
	"errors"
	"sort"
	"time"

	"github.com/gofrs/uuid/v5"
)

// ErrStateNotFound is returned when no pending authorization exists for a state,
// including when a concurrent callback consumed it first.
var ErrStateNotFound = errors.New("state not found")

// ErrDuplicateState is returned by SavePending when a state value already exists.
// The whole batch is rejected; nothing is persisted.
var ErrDuplicateState = errors.New("duplicate state")

// PendingAuthorization is an outstanding state -> code_verifier mapping.
// Rows are inserted once and deleted once; never updated.
type PendingAuthorization struct {
	ID           uuid.UUID
	State        string
	CodeVerifier string
	IDP          string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// Expired reports whether the record is past its expiry at now.
func (p *PendingAuthorization) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// IssuedCredential is a completed token set waiting for the client to drain it.
// Optional token fields are empty strings; ExpiresIn is 0 when not provided.
type IssuedCredential struct {
	ID           uuid.UUID
	State        string
	AccessToken  string
	RefreshToken string
	IDToken      string
	TokenType    string
	ExpiresIn    int64
	ProfileARN   string
	ReceivedAt   time.Time
	IDP          string
}

// sortCredentials orders a drained batch by receipt time, then id, so one drain
// always returns the same order.
func sortCredentials(creds []IssuedCredential) {
	sort.Slice(creds, func(i, j int) bool {
		if !creds[i].ReceivedAt.Equal(creds[j].ReceivedAt) {
			return creds[i].ReceivedAt.Before(creds[j].ReceivedAt)
		}
		return creds[i].ID.String() < creds[j].ID.String()
	})
}
