// drain.go -- Credential handoff and expired-state housekeeping.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MGallo-Code/polaris/internal/store"
)

// DefaultRetention is how long expired pending records are kept before sweeping.
const DefaultRetention = store.DefaultRetention

// FetchAndClear returns every staged credential and removes them in one atomic
// step, ordered by receipt time. The result is never nil.
func (b *Broker) FetchAndClear(ctx context.Context) ([]store.IssuedCredential, error) {
	creds, err := b.store.DrainCredentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("draining credentials: %w", err)
	}
	if creds == nil {
		creds = []store.IssuedCredential{}
	}
	if len(creds) > 0 {
		slog.Info("credentials drained", "count", len(creds))
	}
	return creds, nil
}

// Sweep deletes pending records that expired more than retention ago.
func (b *Broker) Sweep(ctx context.Context, retention time.Duration) (int64, error) {
	if retention < 0 {
		retention = 0
	}
	n, err := b.store.SweepPending(ctx, b.now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("sweeping pending authorizations: %w", err)
	}
	return n, nil
}

// RunSweeper calls Sweep every interval until ctx is cancelled. Failures are
// logged and retried on the next tick. Always returns nil.
func (b *Broker) RunSweeper(ctx context.Context, interval, retention time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := b.Sweep(ctx, retention)
			if err != nil {
				slog.Warn("state sweep failed", "error", err)
			} else {
				slog.Info("state sweep complete", "deleted", n)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
