// Package authority abstracts the remote license authority. The validator
// only depends on the Client capability; the HTTP implementation is one
// collaborator behind it.
package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	apperrors "github.com/saidaladawi/universal-workshop-erp-sub013/internal/errors"
	"github.com/saidaladawi/universal-workshop-erp-sub013/pkg/contracts/domain"
)

// Client is the pluggable license authority capability. A transport failure
// is reported as errors.ErrNetworkUnavailable and triggers the offline
// fallback; a decision with Valid=false is authoritative and terminal.
type Client interface {
	Validate(ctx context.Context, token *domain.LicenseToken) (*domain.AuthorityDecision, error)
}

// HTTPClient talks to the authority's validation endpoint over HTTPS.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPClient creates an authority client. The per-call deadline comes
// from the caller's context; the transport timeout is only a hard backstop.
func NewHTTPClient(baseURL string, logger *slog.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger.With(slog.String("component", "authority_client")),
	}
}

type validateRequest struct {
	Token string `json:"token"`
}

// Validate implements Client.
func (c *HTTPClient) Validate(ctx context.Context, token *domain.LicenseToken) (*domain.AuthorityDecision, error) {
	payload, err := json.Marshal(validateRequest{Token: token.Raw})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal validation request: %w", err)
	}

	url := c.baseURL + "/v1/license/validate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build validation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.WarnContext(ctx, "authority request failed",
			slog.String("url", url),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: %v", apperrors.ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrNetworkUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK, resp.StatusCode == http.StatusForbidden:
		// Both carry a decision body; 403 is an authoritative "no".
		var decision domain.AuthorityDecision
		if err := json.Unmarshal(body, &decision); err != nil {
			return nil, fmt.Errorf("failed to parse authority decision: %w", err)
		}
		c.logger.DebugContext(ctx, "authority decision received",
			slog.Bool("valid", decision.Valid),
			slog.String("reason", decision.Reason),
			slog.Duration("latency", time.Since(start)),
		)
		return &decision, nil
	case resp.StatusCode >= 500:
		// Server-side trouble is recoverable from the client's perspective.
		return nil, fmt.Errorf("%w: authority returned %d", apperrors.ErrNetworkUnavailable, resp.StatusCode)
	default:
		return nil, fmt.Errorf("authority returned unexpected status %d", resp.StatusCode)
	}
}
