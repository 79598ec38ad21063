// Package launcher is the desktop side of the broker: it forwards callback URLs
// received through the kiro:// scheme to a running service and registers that
// scheme with the OS.
package launcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MGallo-Code/polaris/internal/broker"
)

// DefaultReportTimeout bounds one report round-trip. It outlasts the
// service's default token exchange timeout so a slow exchange is still reported.
const DefaultReportTimeout = 45 * time.Second

// Reporter posts callback URLs to a broker's /report-callback endpoint.
type Reporter struct {
	baseURL string
	http    *http.Client
	now     func() time.Time
}

// NewReporter returns a Reporter for the service at baseURL (e.g. http://localhost:8000).
// timeout <= 0 uses DefaultReportTimeout.
func NewReporter(baseURL string, timeout time.Duration) *Reporter {
	if timeout <= 0 {
		timeout = DefaultReportTimeout
	}
	return &Reporter{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		now:     time.Now,
	}
}

// LocalURL is the base URL of a broker listening on localhost:port.
func LocalURL(port string) string {
	return "http://localhost:" + port
}

// Report sends raw with the current time as received_at and returns the
// service's verdict. A non-nil error means the service could not be reached
// or answered with something other than a result.
func (r *Reporter) Report(ctx context.Context, raw string) (*broker.CallbackResult, error) {
	body, err := json.Marshal(struct {
		Raw        string `json:"raw"`
		ReceivedAt int64  `json:"received_at"`
	}{raw, r.now().UnixMilli()})
	if err != nil {
		return nil, fmt.Errorf("encoding report: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/report-callback", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building report request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending report: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("report failed: status %d", resp.StatusCode)
	}
	var res broker.CallbackResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("decoding report result: %w", err)
	}
	return &res, nil
}
