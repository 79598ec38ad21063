// exchange.go -- Authorization code + PKCE verifier to token exchange.
package oauth

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// DefaultExchangeTimeout bounds every token endpoint round-trip.
const DefaultExchangeTimeout = 30 * time.Second

// maxErrorBody caps how much of an upstream error body is kept on TokenExchangeError.
const maxErrorBody = 4 << 10

// Token is the normalized token set returned by a provider.
// Optional fields are empty (or 0 for ExpiresIn) when the provider omitted them.
type Token struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	TokenType    string
	ExpiresIn    int64 // seconds
	ProfileARN   string
}

// TokenExchangeError reports a failed exchange. Status and Body are set when the
// token endpoint answered; Err is set for transport failures and timeouts.
type TokenExchangeError struct {
	IDP    string
	Status int
	Body   string
	Err    error
}

func (e *TokenExchangeError) Error() string {
	switch {
	case e.Status != 0:
		return fmt.Sprintf("token exchange failed: idp %s: status %d: %s", e.IDP, e.Status, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("token exchange failed: idp %s: %v", e.IDP, e.Err)
	default:
		return fmt.Sprintf("token exchange failed: idp %s", e.IDP)
	}
}

func (e *TokenExchangeError) Unwrap() error { return e.Err }

// TokenClient exchanges authorization codes against the directory's token endpoints.
// Safe for concurrent use.
type TokenClient struct {
	dir       *Directory
	http      *http.Client
	userAgent string
	limiter   *rate.Limiter // nil means unlimited
}

// NewTokenClient returns a client whose requests are bounded by timeout
// (DefaultExchangeTimeout when <= 0).
func NewTokenClient(dir *Directory, timeout time.Duration, userAgent string) *TokenClient {
	if timeout <= 0 {
		timeout = DefaultExchangeTimeout
	}
	return &TokenClient{
		dir:       dir,
		http:      &http.Client{Timeout: timeout},
		userAgent: cmp.Or(userAgent, DefaultUserAgent),
	}
}

// SetRateLimit caps outbound exchanges at rps per second with the given burst.
// rps <= 0 removes the limit. Call before the client is shared.
func (c *TokenClient) SetRateLimit(rps float64, burst int) {
	if rps <= 0 {
		c.limiter = nil
		return
	}
	c.limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
}

// Exchange trades code + verifier for tokens at idp's token endpoint.
// Returns *UnsupportedProviderError for unknown idp, *TokenExchangeError otherwise.
func (c *TokenClient) Exchange(ctx context.Context, idp, code, codeVerifier string) (*Token, error) {
	p, err := c.dir.Lookup(idp)
	if err != nil {
		return nil, err
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &TokenExchangeError{IDP: idp, Err: err}
		}
	}
	if p.ExchangeStyle == ExchangeForm {
		return c.exchangeForm(ctx, p, code, codeVerifier)
	}
	return c.exchangeJSON(ctx, p, code, codeVerifier)
}

// exchangeJSON posts the code as a JSON document, the format the Kiro auth service expects.
func (c *TokenClient) exchangeJSON(ctx context.Context, p Provider, code, codeVerifier string) (*Token, error) {
	body, err := json.Marshal(struct {
		Code         string `json:"code"`
		CodeVerifier string `json:"code_verifier"`
		RedirectURI  string `json:"redirect_uri"`
	}{code, codeVerifier, p.RedirectURI})
	if err != nil {
		return nil, &TokenExchangeError{IDP: p.ID, Err: fmt.Errorf("encoding request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.TokenURL, bytes.NewReader(body))
	if err != nil {
		return nil, &TokenExchangeError{IDP: p.ID, Err: fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TokenExchangeError{IDP: p.ID, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &TokenExchangeError{IDP: p.ID, Status: resp.StatusCode, Body: string(raw)}
	}

	var tp tokenPayload
	if err := json.NewDecoder(resp.Body).Decode(&tp); err != nil {
		return nil, &TokenExchangeError{IDP: p.ID, Err: fmt.Errorf("decoding token response: %w", err)}
	}
	tok := tp.token()
	if tok.AccessToken == "" {
		return nil, &TokenExchangeError{IDP: p.ID, Err: errors.New("token response missing access_token")}
	}
	return tok, nil
}

// exchangeForm uses golang.org/x/oauth2 for standard form-encoded token endpoints.
func (c *TokenClient) exchangeForm(ctx context.Context, p Provider, code, codeVerifier string) (*Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)
	t, err := c.dir.oauth2Config(p).Exchange(ctx, code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			body := re.Body
			if len(body) > maxErrorBody {
				body = body[:maxErrorBody]
			}
			return nil, &TokenExchangeError{IDP: p.ID, Status: re.Response.StatusCode, Body: string(body), Err: err}
		}
		return nil, &TokenExchangeError{IDP: p.ID, Err: err}
	}

	tok := &Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
		ExpiresIn:    t.ExpiresIn,
	}
	if s, ok := t.Extra("id_token").(string); ok {
		tok.IDToken = s
	}
	if s, ok := t.Extra("profile_arn").(string); ok {
		tok.ProfileARN = s
	}
	return tok, nil
}

// tokenPayload accepts both snake_case (RFC 6749) and camelCase (Kiro desktop auth) fields.
type tokenPayload struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	ProfileARN   string `json:"profile_arn"`

	AccessTokenCamel  string `json:"accessToken"`
	RefreshTokenCamel string `json:"refreshToken"`
	IDTokenCamel      string `json:"idToken"`
	TokenTypeCamel    string `json:"tokenType"`
	ExpiresInCamel    int64  `json:"expiresIn"`
	ProfileARNCamel   string `json:"profileArn"`
}

func (tp tokenPayload) token() *Token {
	return &Token{
		AccessToken:  cmp.Or(tp.AccessToken, tp.AccessTokenCamel),
		RefreshToken: cmp.Or(tp.RefreshToken, tp.RefreshTokenCamel),
		IDToken:      cmp.Or(tp.IDToken, tp.IDTokenCamel),
		TokenType:    cmp.Or(tp.TokenType, tp.TokenTypeCamel),
		ExpiresIn:    cmp.Or(tp.ExpiresIn, tp.ExpiresInCamel),
		ProfileARN:   cmp.Or(tp.ProfileARN, tp.ProfileARNCamel),
	}
}
