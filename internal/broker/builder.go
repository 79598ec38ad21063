// builder.go -- Authorization URL generation, single and batched.
package broker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MGallo-Code/polaris/internal/pkce"
	"github.com/MGallo-Code/polaris/internal/store"
	"github.com/gofrs/uuid/v5"
)

// AuthorizationURL is one ready-to-open login URL plus the PKCE values behind it.
type AuthorizationURL struct {
	AuthURL       string `json:"auth_url"`
	State         string `json:"state"`
	CodeVerifier  string `json:"code_verifier"`
	CodeChallenge string `json:"code_challenge"`
}

// GenerateAuthURL issues one authorization URL for idp and records its pending state.
// Returns *oauth.UnsupportedProviderError for an unknown idp.
func (b *Broker) GenerateAuthURL(ctx context.Context, idp string) (*AuthorizationURL, error) {
	urls, err := b.generate(ctx, idp, 1)
	if err != nil {
		return nil, err
	}
	return &urls[0], nil
}

// GenerateAuthURLs issues count authorization URLs for idp. Either every pending
// record is persisted or none is. Returns *InvalidCountError before touching the
// provider or store when count is outside [1, MaxBatchSize].
func (b *Broker) GenerateAuthURLs(ctx context.Context, idp string, count int) ([]AuthorizationURL, error) {
	if count < 1 || count > MaxBatchSize {
		return nil, &InvalidCountError{Count: count}
	}
	return b.generate(ctx, idp, count)
}

func (b *Broker) generate(ctx context.Context, idp string, count int) ([]AuthorizationURL, error) {
	provider, err := b.dir.Lookup(idp)
	if err != nil {
		return nil, err
	}

	now := b.now()
	urls := make([]AuthorizationURL, 0, count)
	pending := make([]store.PendingAuthorization, 0, count)
	for range count {
		params, err := pkce.Generate()
		if err != nil {
			return nil, fmt.Errorf("generating pkce parameters: %w", err)
		}
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generating pending id: %w", err)
		}
		pending = append(pending, store.PendingAuthorization{
			ID:           id,
			State:        params.State,
			CodeVerifier: params.CodeVerifier,
			IDP:          provider.ID,
			CreatedAt:    now,
			ExpiresAt:    now.Add(b.ttl),
		})
		urls = append(urls, AuthorizationURL{
			AuthURL:       b.dir.AuthCodeURL(provider, params.State, params.CodeChallenge),
			State:         params.State,
			CodeVerifier:  params.CodeVerifier,
			CodeChallenge: params.CodeChallenge,
		})
	}

	if err := b.store.SavePending(ctx, pending...); err != nil {
		return nil, fmt.Errorf("saving pending authorizations: %w", err)
	}

	slog.Info("authorization urls issued", "idp", provider.ID, "count", count)
	return urls, nil
}
