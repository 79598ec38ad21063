// Package store persists pending authorizations and issued credentials.
//
// postgres.go -- pgxpool connection setup and queries.
// Creates a connection pool at startup, shared across all handlers.
// All queries use parameterized statements (no string concatenation).
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgUniqueViolation is the SQLSTATE for unique constraint violations.
const pgUniqueViolation = "23505"

// PostgresStore is the Postgres-backed state and credential store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates and returns a verified connection pool
// to PostgreSQL wrapped in a store.
// Call once at startup; the returned store is safe for concurrent use.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool}, nil
}

// Close shuts down the connection pool and releases all resources.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// SavePending inserts all records in one transaction. A duplicate state anywhere
// in the batch rolls back the whole batch and returns ErrDuplicateState.
func (s *PostgresStore) SavePending(ctx context.Context, pending ...PendingAuthorization) error {
	if len(pending) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning pending insert: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, p := range pending {
		batch.Queue(
			`INSERT INTO pending_authorizations (id, state, code_verifier, idp, created_at, expires_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			p.ID, p.State, p.CodeVerifier, p.IDP, p.CreatedAt, p.ExpiresAt)
	}
	br := tx.SendBatch(ctx, batch)
	for range pending {
		if _, err := br.Exec(); err != nil {
			br.Close()
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
				return ErrDuplicateState
			}
			return fmt.Errorf("inserting pending authorization: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("closing pending batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing pending insert: %w", err)
	}
	return nil
}

// GetPending fetches a pending authorization by state, expired or not.
// Returns ErrStateNotFound if no row exists.
func (s *PostgresStore) GetPending(ctx context.Context, state string) (*PendingAuthorization, error) {
	var p PendingAuthorization
	err := s.pool.QueryRow(ctx,
		`SELECT id, state, code_verifier, idp, created_at, expires_at
		 FROM pending_authorizations WHERE state = $1`, state,
	).Scan(&p.ID, &p.State, &p.CodeVerifier, &p.IDP, &p.CreatedAt, &p.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching pending authorization: %w", err)
	}
	return &p, nil
}

// DeletePending removes the pending authorization for state. Missing rows are not an error.
func (s *PostgresStore) DeletePending(ctx context.Context, state string) error {
	if _, err := s.pool.Exec(ctx, "DELETE FROM pending_authorizations WHERE state = $1", state); err != nil {
		return fmt.Errorf("deleting pending authorization: %w", err)
	}
	return nil
}

// SweepPending deletes pending authorizations that expired before cutoff.
func (s *PostgresStore) SweepPending(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM pending_authorizations WHERE expires_at < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweeping pending authorizations: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CompleteAuthorization deletes the pending row for cred.State and inserts cred in
// one transaction. If the row is already gone (consumed concurrently), nothing is
// written and ErrStateNotFound is returned.
func (s *PostgresStore) CompleteAuthorization(ctx context.Context, cred IssuedCredential) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning completion: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, "DELETE FROM pending_authorizations WHERE state = $1", cred.State)
	if err != nil {
		return fmt.Errorf("consuming pending authorization: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStateNotFound
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO issued_credentials
		 (id, state, access_token, refresh_token, id_token, token_type, expires_in, profile_arn, received_at, idp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		cred.ID, cred.State, cred.AccessToken, nullString(cred.RefreshToken), nullString(cred.IDToken),
		cred.TokenType, nullInt(cred.ExpiresIn), nullString(cred.ProfileARN), cred.ReceivedAt, cred.IDP,
	); err != nil {
		return fmt.Errorf("inserting issued credential: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing completion: %w", err)
	}
	return nil
}

// DrainCredentials removes and returns every issued credential in one transaction.
// Rows inserted after the statement's snapshot are left for the next drain.
func (s *PostgresStore) DrainCredentials(ctx context.Context) ([]IssuedCredential, error) {
	// The delete only commits once every row decoded; any error rolls it back.
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`DELETE FROM issued_credentials
		 RETURNING id, state, access_token, refresh_token, id_token, token_type, expires_in, profile_arn, received_at, idp`)
	if err != nil {
		return nil, fmt.Errorf("draining credentials: %w", err)
	}
	defer rows.Close()

	creds := []IssuedCredential{}
	for rows.Next() {
		var c IssuedCredential
		var refresh, idToken, arn *string
		var expiresIn *int64
		if err := rows.Scan(&c.ID, &c.State, &c.AccessToken, &refresh, &idToken, &c.TokenType,
			&expiresIn, &arn, &c.ReceivedAt, &c.IDP); err != nil {
			return nil, fmt.Errorf("scanning credential: %w", err)
		}
		c.RefreshToken = deref(refresh)
		c.IDToken = deref(idToken)
		c.ProfileARN = deref(arn)
		if expiresIn != nil {
			c.ExpiresIn = *expiresIn
		}
		creds = append(creds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("draining credentials: %w", err)
	}
	rows.Close()
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing drain: %w", err)
	}
	sortCredentials(creds)
	return creds, nil
}

// nullString maps "" to SQL NULL for optional columns.
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// nullInt maps 0 to SQL NULL for optional columns.
func nullInt(n int64) *int64 {
	if n == 0 {
		return nil
	}
	return &n
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
