// handler.go -- HTTP handlers for the broker endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/MGallo-Code/polaris/internal/broker"
	"github.com/MGallo-Code/polaris/internal/oauth"
	"github.com/MGallo-Code/polaris/internal/store"
)

// maxBodyBytes caps every request body.
const maxBodyBytes = 64 << 10

// Broker is the authorization lifecycle the handlers expose.
// Satisfied by *broker.Broker -- defined here (at consumer) per Go convention.
type Broker interface {
	// GenerateAuthURL issues one authorization URL and records its pending state.
	GenerateAuthURL(ctx context.Context, idp string) (*broker.AuthorizationURL, error)

	// GenerateAuthURLs issues count authorization URLs in one all-or-nothing batch.
	GenerateAuthURLs(ctx context.Context, idp string, count int) ([]broker.AuthorizationURL, error)

	// ReportCallback processes a redirected callback URL. Never fails at transport level.
	ReportCallback(ctx context.Context, raw string, receivedAt time.Time) broker.CallbackResult

	// FetchAndClear drains every staged credential.
	FetchAndClear(ctx context.Context) ([]store.IssuedCredential, error)
}

// Handler holds dependencies for all HTTP handlers.
type Handler struct {
	BR Broker
}

// GenerateAuthURL handles POST /generate-auth-url.
// Returns 200 with the URL and PKCE values, 400 for a bad body or unsupported idp.
func (h *Handler) GenerateAuthURL(w http.ResponseWriter, r *http.Request) {
	var input struct {
		IDP string `json:"idp"`
	}
	if err := decodeBody(w, r, &input); err != nil {
		logWarn(r, "failed to decode generate-auth-url input", "error", err)
		BadRequest(w, r, "error decoding request body")
		return
	}

	u, err := h.BR.GenerateAuthURL(r.Context(), input.IDP)
	if err != nil {
		h.generationError(w, r, input.IDP, err)
		return
	}
	logInfo(r, "auth url generated", "idp", input.IDP)
	OK(w, r, u)
}

// GenerateAuthURLs handles POST /generate-auth-urls.
// Returns 200 with {"urls": [...]}, 400 for a bad body, unsupported idp, or count out of range.
func (h *Handler) GenerateAuthURLs(w http.ResponseWriter, r *http.Request) {
	var input struct {
		IDP   string `json:"idp"`
		Count int    `json:"count"`
	}
	if err := decodeBody(w, r, &input); err != nil {
		logWarn(r, "failed to decode generate-auth-urls input", "error", err)
		BadRequest(w, r, "error decoding request body")
		return
	}

	urls, err := h.BR.GenerateAuthURLs(r.Context(), input.IDP, input.Count)
	if err != nil {
		h.generationError(w, r, input.IDP, err)
		return
	}
	logInfo(r, "auth urls generated", "idp", input.IDP, "count", len(urls))
	OK(w, r, struct {
		URLs []broker.AuthorizationURL `json:"urls"`
	}{urls})
}

// generationError maps URL-generation failures: validation errors are the
// caller's fault (400), anything else is ours (500).
func (h *Handler) generationError(w http.ResponseWriter, r *http.Request, idp string, err error) {
	var upe *oauth.UnsupportedProviderError
	var ice *broker.InvalidCountError
	switch {
	case errors.As(err, &upe), errors.As(err, &ice):
		logWarn(r, "auth url request rejected", "idp", idp, "error", err)
		BadRequest(w, r, err.Error())
	default:
		InternalServerError(w, r, err)
	}
}

// ReportCallback handles POST /report-callback.
// Always 200: every failure, including an undecodable body, is reported as {ok:false,error}.
func (h *Handler) ReportCallback(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Raw        string  `json:"raw"`
		ReceivedAt float64 `json:"received_at"` // epoch ms; 0 or absent means now
	}
	if err := decodeBody(w, r, &input); err != nil {
		logWarn(r, "failed to decode report-callback input", "error", err)
		OK(w, r, broker.CallbackResult{OK: false, Error: "error decoding request body"})
		return
	}

	var receivedAt time.Time
	if input.ReceivedAt > 0 {
		receivedAt = time.UnixMilli(int64(input.ReceivedAt))
	}

	// The code is redeemed once the exchange starts; a reporter that hangs up
	// must not abort it. The token client's own timeout still bounds the call.
	res := h.BR.ReportCallback(context.WithoutCancel(r.Context()), input.Raw, receivedAt)
	if res.OK {
		logInfo(r, "callback reported")
	} else {
		logDebug(r, "callback not completed", "error", res.Error)
	}
	OK(w, r, res)
}

// credentialJSON is the wire form of one drained credential. Absent optional
// fields are null.
type credentialJSON struct {
	AccessToken  string  `json:"access_token"`
	RefreshToken *string `json:"refresh_token"`
	IDToken      *string `json:"id_token"`
	TokenType    string  `json:"token_type"`
	ExpiresIn    *int64  `json:"expires_in"`
	ProfileARN   *string `json:"profile_arn"`
	ReceivedAt   int64   `json:"received_at"` // epoch ms
	State        string  `json:"state"`
	IDP          string  `json:"idp"`
}

// FetchAndClearCallbacks handles GET /fetch-and-clear-callbacks.
// Returns 200 with {"credentials": [...]} and removes them; 500 on store failure.
func (h *Handler) FetchAndClearCallbacks(w http.ResponseWriter, r *http.Request) {
	creds, err := h.BR.FetchAndClear(r.Context())
	if err != nil {
		InternalServerError(w, r, err)
		return
	}

	out := make([]credentialJSON, 0, len(creds))
	for _, c := range creds {
		cj := credentialJSON{
			AccessToken:  c.AccessToken,
			RefreshToken: optional(c.RefreshToken),
			IDToken:      optional(c.IDToken),
			TokenType:    c.TokenType,
			ProfileARN:   optional(c.ProfileARN),
			ReceivedAt:   c.ReceivedAt.UnixMilli(),
			State:        c.State,
			IDP:          c.IDP,
		}
		if c.ExpiresIn != 0 {
			cj.ExpiresIn = &c.ExpiresIn
		}
		out = append(out, cj)
	}
	logInfo(r, "credentials fetched", "count", len(out))
	OK(w, r, struct {
		Credentials []credentialJSON `json:"credentials"`
	}{out})
}

// CheckHealth handles GET /health.
func (h *Handler) CheckHealth(w http.ResponseWriter, r *http.Request) {
	OK(w, r, struct {
		Status string `json:"status"`
	}{"ok"})
}

// decodeBody decodes a size-limited JSON body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
