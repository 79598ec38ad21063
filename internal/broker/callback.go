// callback.go -- Callback processing: parse, validate state, exchange, commit.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/MGallo-Code/polaris/internal/store"
	"github.com/gofrs/uuid/v5"
)

// CallbackResult is the outcome reported back to whoever delivered the callback.
type CallbackResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// ParseCallbackURL extracts the authorization code and state from a redirected
// callback URL. The fragment is ignored and values are percent-decoded.
func ParseCallbackURL(raw string) (code, state string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", &MalformedCallbackError{Reason: "unparseable url"}
	}
	if u.RawQuery == "" {
		return "", "", &MalformedCallbackError{Reason: "missing query string"}
	}
	q, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return "", "", &MalformedCallbackError{Reason: "invalid query string"}
	}

	code, state = q.Get("code"), q.Get("state")
	switch {
	case code == "":
		return "", "", &MalformedCallbackError{
			Reason:        "missing code",
			ProviderError: q.Get("error"),
			Description:   q.Get("error_description"),
		}
	case state == "":
		return "", "", &MalformedCallbackError{Reason: "missing state"}
	}
	return code, state, nil
}

// ReportCallback processes a callback and folds every failure into the result.
// A zero receivedAt means now.
func (b *Broker) ReportCallback(ctx context.Context, raw string, receivedAt time.Time) CallbackResult {
	if _, err := b.CompleteCallback(ctx, raw, receivedAt); err != nil {
		return CallbackResult{OK: false, Error: err.Error()}
	}
	return CallbackResult{OK: true}
}

// CompleteCallback runs the callback state machine and returns the staged credential.
//
// Errors: *MalformedCallbackError, *UnknownStateError, *ExpiredStateError,
// *oauth.TokenExchangeError, *oauth.UnsupportedProviderError, or a wrapped store error.
// On exchange failure the pending record is kept so the user can retry before expiry.
func (b *Broker) CompleteCallback(ctx context.Context, raw string, receivedAt time.Time) (*store.IssuedCredential, error) {
	code, state, err := ParseCallbackURL(raw)
	if err != nil {
		slog.Warn("callback rejected", "reason", err.Error())
		return nil, err
	}

	pending, err := b.store.GetPending(ctx, state)
	if errors.Is(err, store.ErrStateNotFound) {
		slog.Warn("callback for unknown state", "state", state)
		return nil, &UnknownStateError{State: state}
	}
	if err != nil {
		return nil, fmt.Errorf("looking up state: %w", err)
	}

	now := b.now()
	if pending.Expired(now) {
		if err := b.store.DeletePending(ctx, state); err != nil {
			slog.Warn("failed to delete expired state", "state", state, "error", err)
		}
		slog.Info("callback for expired state", "state", state, "idp", pending.IDP)
		return nil, &ExpiredStateError{State: state, ExpiredAt: pending.ExpiresAt}
	}

	token, err := b.exchanger.Exchange(ctx, pending.IDP, code, pending.CodeVerifier)
	if err != nil {
		slog.Warn("token exchange failed", "state", state, "idp", pending.IDP, "error", err)
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating credential id: %w", err)
	}
	if receivedAt.IsZero() {
		receivedAt = now
	}
	tokenType := token.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	cred := store.IssuedCredential{
		ID:           id,
		State:        state,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		IDToken:      token.IDToken,
		TokenType:    tokenType,
		ExpiresIn:    token.ExpiresIn,
		ProfileARN:   token.ProfileARN,
		ReceivedAt:   receivedAt,
		IDP:          pending.IDP,
	}

	// Lost a race with a concurrent callback for the same state.
	if err := b.store.CompleteAuthorization(ctx, cred); errors.Is(err, store.ErrStateNotFound) {
		slog.Warn("state consumed concurrently", "state", state)
		return nil, &UnknownStateError{State: state}
	} else if err != nil {
		return nil, fmt.Errorf("storing credential: %w", err)
	}

	slog.Info("callback completed", "state", state, "idp", pending.IDP)
	return &cred, nil
}
