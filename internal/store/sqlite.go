// sqlite.go -- Single-file SQLite backend (modernc.org/sqlite, no cgo).
//
// Default backend for the desktop broker. All access goes through one
// connection, so every transaction below is serialized.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the SQLite-backed state and credential store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and applies
// the embedded migrations. ":memory:" gives a private in-memory database.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("creating data directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if err := migrateSQLite(ctx, db, SQLiteMigrations()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SavePending inserts all records in one transaction; see PostgresStore.SavePending.
func (s *SQLiteStore) SavePending(ctx context.Context, pending ...PendingAuthorization) error {
	if len(pending) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning pending insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO pending_authorizations (id, state, code_verifier, idp, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing pending insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range pending {
		if _, err := stmt.ExecContext(ctx, p.ID.String(), p.State, p.CodeVerifier, p.IDP,
			p.CreatedAt.UnixMilli(), p.ExpiresAt.UnixMilli()); err != nil {
			if isSQLiteUnique(err) {
				return ErrDuplicateState
			}
			return fmt.Errorf("inserting pending authorization: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing pending insert: %w", err)
	}
	return nil
}

// GetPending fetches a pending authorization by state, expired or not.
func (s *SQLiteStore) GetPending(ctx context.Context, state string) (*PendingAuthorization, error) {
	var (
		p                  PendingAuthorization
		id                 string
		created, expiresAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, state, code_verifier, idp, created_at, expires_at
		 FROM pending_authorizations WHERE state = ?`, state,
	).Scan(&id, &p.State, &p.CodeVerifier, &p.IDP, &created, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching pending authorization: %w", err)
	}
	if p.ID, err = uuid.FromString(id); err != nil {
		return nil, fmt.Errorf("parsing pending id: %w", err)
	}
	p.CreatedAt = time.UnixMilli(created)
	p.ExpiresAt = time.UnixMilli(expiresAt)
	return &p, nil
}

// DeletePending removes the pending authorization for state.
func (s *SQLiteStore) DeletePending(ctx context.Context, state string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM pending_authorizations WHERE state = ?", state); err != nil {
		return fmt.Errorf("deleting pending authorization: %w", err)
	}
	return nil
}

// SweepPending deletes pending authorizations that expired before cutoff.
func (s *SQLiteStore) SweepPending(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM pending_authorizations WHERE expires_at < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sweeping pending authorizations: %w", err)
	}
	return res.RowsAffected()
}

// CompleteAuthorization consumes the pending row and inserts cred atomically.
func (s *SQLiteStore) CompleteAuthorization(ctx context.Context, cred IssuedCredential) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning completion: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM pending_authorizations WHERE state = ?", cred.State)
	if err != nil {
		return fmt.Errorf("consuming pending authorization: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("consuming pending authorization: %w", err)
	} else if n == 0 {
		return ErrStateNotFound
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO issued_credentials
		 (id, state, access_token, refresh_token, id_token, token_type, expires_in, profile_arn, received_at, idp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cred.ID.String(), cred.State, cred.AccessToken, nullString(cred.RefreshToken), nullString(cred.IDToken),
		cred.TokenType, nullInt(cred.ExpiresIn), nullString(cred.ProfileARN), cred.ReceivedAt.UnixMilli(), cred.IDP,
	); err != nil {
		return fmt.Errorf("inserting issued credential: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing completion: %w", err)
	}
	return nil
}

// DrainCredentials removes and returns every issued credential in one transaction.
func (s *SQLiteStore) DrainCredentials(ctx context.Context) ([]IssuedCredential, error) {
	// The delete only commits once every row decoded; any error rolls it back.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`DELETE FROM issued_credentials
		 RETURNING id, state, access_token, refresh_token, id_token, token_type, expires_in, profile_arn, received_at, idp`)
	if err != nil {
		return nil, fmt.Errorf("draining credentials: %w", err)
	}
	defer rows.Close()

	creds := []IssuedCredential{}
	for rows.Next() {
		var (
			c                     IssuedCredential
			id                    string
			refresh, idToken, arn sql.NullString
			expiresIn             sql.NullInt64
			receivedAt            int64
		)
		if err := rows.Scan(&id, &c.State, &c.AccessToken, &refresh, &idToken, &c.TokenType,
			&expiresIn, &arn, &receivedAt, &c.IDP); err != nil {
			return nil, fmt.Errorf("scanning credential: %w", err)
		}
		if c.ID, err = uuid.FromString(id); err != nil {
			return nil, fmt.Errorf("parsing credential id: %w", err)
		}
		c.RefreshToken = refresh.String
		c.IDToken = idToken.String
		c.ProfileARN = arn.String
		c.ExpiresIn = expiresIn.Int64
		c.ReceivedAt = time.UnixMilli(receivedAt)
		creds = append(creds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("draining credentials: %w", err)
	}
	rows.Close()
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing drain: %w", err)
	}
	sortCredentials(creds)
	return creds, nil
}

// isSQLiteUnique reports a UNIQUE constraint failure. Matched on the message so
// callers do not depend on the driver's internal error codes.
func isSQLiteUnique(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
