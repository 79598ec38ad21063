// conformance_test.go -- behaviour every backend must share, run once per backend.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
)

// backend is the method set the broker consumes from a store.
type backend interface {
	SavePending(ctx context.Context, pending ...PendingAuthorization) error
	GetPending(ctx context.Context, state string) (*PendingAuthorization, error)
	DeletePending(ctx context.Context, state string) error
	SweepPending(ctx context.Context, cutoff time.Time) (int64, error)
	CompleteAuthorization(ctx context.Context, cred IssuedCredential) error
	DrainCredentials(ctx context.Context) ([]IssuedCredential, error)
}

var (
	_ backend = (*PostgresStore)(nil)
	_ backend = (*SQLiteStore)(nil)
	_ backend = (*RedisStore)(nil)
	_ backend = (*MemoryStore)(nil)
)

// conformanceOpts toggles checks a backend legitimately differs on.
type conformanceOpts struct {
	sweeps bool // SweepPending actually deletes rows
}

// testNow is millisecond-aligned so every backend round-trips it exactly.
var testNow = time.Now().Truncate(time.Millisecond)

// --- Helpers ---

// mustPending builds a pending authorization with a unique state.
func mustPending(t *testing.T, expiresAt time.Time) PendingAuthorization {
	t.Helper()
	id, err := uuid.NewV7()
	if err != nil {
		t.Fatalf("failed to generate UUID: %v", err)
	}
	return PendingAuthorization{
		ID:           id,
		State:        "state-" + id.String(),
		CodeVerifier: "verifier-" + id.String(),
		IDP:          "Google",
		CreatedAt:    testNow,
		ExpiresAt:    expiresAt,
	}
}

// mustCredential builds a credential for state.
func mustCredential(t *testing.T, state string, receivedAt time.Time) IssuedCredential {
	t.Helper()
	id, err := uuid.NewV7()
	if err != nil {
		t.Fatalf("failed to generate UUID: %v", err)
	}
	return IssuedCredential{
		ID:          id,
		State:       state,
		AccessToken: "access-" + state,
		TokenType:   "Bearer",
		ReceivedAt:  receivedAt,
		IDP:         "Google",
	}
}

// mustSave saves pending records, failing the test on error.
func mustSave(t *testing.T, s backend, pending ...PendingAuthorization) {
	t.Helper()
	if err := s.SavePending(context.Background(), pending...); err != nil {
		t.Fatalf("SavePending: %v", err)
	}
}

// runConformance runs the shared suite. newStore must return an empty store.
func runConformance(t *testing.T, newStore func(t *testing.T) backend, opts conformanceOpts) {
	ctx := context.Background()

	t.Run("save and get round-trip", func(t *testing.T) {
		s := newStore(t)
		p := mustPending(t, testNow.Add(10*time.Minute))
		mustSave(t, s, p)

		got, err := s.GetPending(ctx, p.State)
		if err != nil {
			t.Fatalf("GetPending: %v", err)
		}
		if got.ID != p.ID {
			t.Errorf("ID: expected %v, got %v", p.ID, got.ID)
		}
		if got.CodeVerifier != p.CodeVerifier {
			t.Errorf("CodeVerifier: expected %q, got %q", p.CodeVerifier, got.CodeVerifier)
		}
		if got.IDP != p.IDP {
			t.Errorf("IDP: expected %q, got %q", p.IDP, got.IDP)
		}
		if !got.CreatedAt.Equal(p.CreatedAt) {
			t.Errorf("CreatedAt: expected %v, got %v", p.CreatedAt, got.CreatedAt)
		}
		if !got.ExpiresAt.Equal(p.ExpiresAt) {
			t.Errorf("ExpiresAt: expected %v, got %v", p.ExpiresAt, got.ExpiresAt)
		}
	})

	t.Run("get unknown state", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetPending(ctx, "nope")
		if !errors.Is(err, ErrStateNotFound) {
			t.Fatalf("expected ErrStateNotFound, got %v", err)
		}
	})

	t.Run("batch with duplicate state persists nothing", func(t *testing.T) {
		s := newStore(t)
		existing := mustPending(t, testNow.Add(time.Minute))
		mustSave(t, s, existing)

		fresh := mustPending(t, testNow.Add(time.Minute))
		dup := mustPending(t, testNow.Add(time.Minute))
		dup.State = existing.State

		err := s.SavePending(ctx, fresh, dup)
		if !errors.Is(err, ErrDuplicateState) {
			t.Fatalf("expected ErrDuplicateState, got %v", err)
		}
		if _, err := s.GetPending(ctx, fresh.State); !errors.Is(err, ErrStateNotFound) {
			t.Errorf("fresh record from rejected batch: expected ErrStateNotFound, got %v", err)
		}
	})

	t.Run("large batch commits as one unit", func(t *testing.T) {
		s := newStore(t)
		batch := make([]PendingAuthorization, 250)
		for i := range batch {
			batch[i] = mustPending(t, testNow.Add(time.Minute))
		}
		mustSave(t, s, batch...)
		for _, p := range batch {
			if _, err := s.GetPending(ctx, p.State); err != nil {
				t.Fatalf("GetPending(%q): %v", p.State, err)
			}
		}
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		s := newStore(t)
		p := mustPending(t, testNow.Add(time.Minute))
		mustSave(t, s, p)

		for i := range 2 {
			if err := s.DeletePending(ctx, p.State); err != nil {
				t.Fatalf("DeletePending #%d: %v", i+1, err)
			}
		}
		if _, err := s.GetPending(ctx, p.State); !errors.Is(err, ErrStateNotFound) {
			t.Errorf("expected ErrStateNotFound after delete, got %v", err)
		}
	})

	t.Run("complete consumes pending exactly once", func(t *testing.T) {
		s := newStore(t)
		p := mustPending(t, testNow.Add(time.Minute))
		mustSave(t, s, p)

		cred := mustCredential(t, p.State, testNow)
		cred.RefreshToken = "refresh"
		cred.IDToken = "id-token"
		cred.ExpiresIn = 3600
		cred.ProfileARN = "arn:aws:codewhisperer:us-east-1:1:profile/X"
		if err := s.CompleteAuthorization(ctx, cred); err != nil {
			t.Fatalf("CompleteAuthorization: %v", err)
		}
		if _, err := s.GetPending(ctx, p.State); !errors.Is(err, ErrStateNotFound) {
			t.Errorf("pending after completion: expected ErrStateNotFound, got %v", err)
		}

		again := mustCredential(t, p.State, testNow)
		if err := s.CompleteAuthorization(ctx, again); !errors.Is(err, ErrStateNotFound) {
			t.Errorf("second completion: expected ErrStateNotFound, got %v", err)
		}

		got, err := s.DrainCredentials(ctx)
		if err != nil {
			t.Fatalf("DrainCredentials: %v", err)
		}
		if len(got) != 1 {
			t.Fatalf("drained: expected 1 credential, got %d", len(got))
		}
		c := got[0]
		if c.ID != cred.ID || c.State != cred.State || c.AccessToken != cred.AccessToken {
			t.Errorf("identity fields: expected %v/%q/%q, got %v/%q/%q",
				cred.ID, cred.State, cred.AccessToken, c.ID, c.State, c.AccessToken)
		}
		if c.RefreshToken != "refresh" || c.IDToken != "id-token" || c.ProfileARN != cred.ProfileARN {
			t.Errorf("optional fields: got refresh=%q id=%q arn=%q", c.RefreshToken, c.IDToken, c.ProfileARN)
		}
		if c.ExpiresIn != 3600 {
			t.Errorf("ExpiresIn: expected 3600, got %d", c.ExpiresIn)
		}
		if c.TokenType != "Bearer" {
			t.Errorf("TokenType: expected Bearer, got %q", c.TokenType)
		}
		if !c.ReceivedAt.Equal(cred.ReceivedAt) {
			t.Errorf("ReceivedAt: expected %v, got %v", cred.ReceivedAt, c.ReceivedAt)
		}
	})

	t.Run("complete without pending writes nothing", func(t *testing.T) {
		s := newStore(t)
		err := s.CompleteAuthorization(ctx, mustCredential(t, "never-issued", testNow))
		if !errors.Is(err, ErrStateNotFound) {
			t.Fatalf("expected ErrStateNotFound, got %v", err)
		}
		got, err := s.DrainCredentials(ctx)
		if err != nil {
			t.Fatalf("DrainCredentials: %v", err)
		}
		if len(got) != 0 {
			t.Errorf("expected no credentials, got %d", len(got))
		}
	})

	t.Run("empty optional fields round-trip as empty", func(t *testing.T) {
		s := newStore(t)
		p := mustPending(t, testNow.Add(time.Minute))
		mustSave(t, s, p)
		if err := s.CompleteAuthorization(ctx, mustCredential(t, p.State, testNow)); err != nil {
			t.Fatalf("CompleteAuthorization: %v", err)
		}
		got, err := s.DrainCredentials(ctx)
		if err != nil {
			t.Fatalf("DrainCredentials: %v", err)
		}
		if len(got) != 1 {
			t.Fatalf("expected 1 credential, got %d", len(got))
		}
		if got[0].RefreshToken != "" || got[0].IDToken != "" || got[0].ProfileARN != "" || got[0].ExpiresIn != 0 {
			t.Errorf("expected empty optional fields, got %+v", got[0])
		}
	})

	t.Run("drain twice returns all then none", func(t *testing.T) {
		s := newStore(t)
		for i := range 3 {
			p := mustPending(t, testNow.Add(time.Minute))
			mustSave(t, s, p)
			// Insert out of receipt order to exercise sorting.
			if err := s.CompleteAuthorization(ctx, mustCredential(t, p.State, testNow.Add(time.Duration(3-i)*time.Second))); err != nil {
				t.Fatalf("CompleteAuthorization: %v", err)
			}
		}

		first, err := s.DrainCredentials(ctx)
		if err != nil {
			t.Fatalf("first drain: %v", err)
		}
		if len(first) != 3 {
			t.Fatalf("first drain: expected 3, got %d", len(first))
		}
		for i := 1; i < len(first); i++ {
			if first[i].ReceivedAt.Before(first[i-1].ReceivedAt) {
				t.Errorf("drain order: %v before %v", first[i-1].ReceivedAt, first[i].ReceivedAt)
			}
		}

		second, err := s.DrainCredentials(ctx)
		if err != nil {
			t.Fatalf("second drain: %v", err)
		}
		if second == nil || len(second) != 0 {
			t.Errorf("second drain: expected empty non-nil slice, got %v", second)
		}
	})

	t.Run("concurrent completions have one winner", func(t *testing.T) {
		s := newStore(t)
		p := mustPending(t, testNow.Add(time.Minute))
		mustSave(t, s, p)

		const workers = 8
		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for range workers {
			cred := mustCredential(t, p.State, testNow)
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- s.CompleteAuthorization(ctx, cred)
			}()
		}
		wg.Wait()
		close(errs)

		var wins, lost int
		for err := range errs {
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrStateNotFound):
				lost++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}
		if wins != 1 || lost != workers-1 {
			t.Errorf("expected 1 win and %d losses, got %d and %d", workers-1, wins, lost)
		}

		got, err := s.DrainCredentials(ctx)
		if err != nil {
			t.Fatalf("DrainCredentials: %v", err)
		}
		if len(got) != 1 {
			t.Errorf("expected exactly 1 credential, got %d", len(got))
		}
	})

	t.Run("sweep removes only long-expired records", func(t *testing.T) {
		if !opts.sweeps {
			t.Skip("backend expires records by TTL")
		}
		s := newStore(t)
		old := mustPending(t, testNow.Add(-2*time.Hour))
		recent := mustPending(t, testNow.Add(-time.Minute))
		live := mustPending(t, testNow.Add(time.Minute))
		mustSave(t, s, old, recent, live)

		n, err := s.SweepPending(ctx, testNow.Add(-time.Hour))
		if err != nil {
			t.Fatalf("SweepPending: %v", err)
		}
		if n != 1 {
			t.Errorf("swept: expected 1, got %d", n)
		}
		for _, p := range []PendingAuthorization{recent, live} {
			if _, err := s.GetPending(ctx, p.State); err != nil {
				t.Errorf("GetPending(%s): expected to survive sweep, got %v", p.State, err)
			}
		}
		if _, err := s.GetPending(ctx, old.State); !errors.Is(err, ErrStateNotFound) {
			t.Errorf("old record: expected ErrStateNotFound, got %v", err)
		}
	})
}

// describe is used in skip messages.
func describe(env string) string {
	return fmt.Sprintf("%s not set", env)
}
