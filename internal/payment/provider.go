// Package payment reconciles local payment sessions against the external
// hosted-checkout provider. The provider pushes nothing: local state converges
// by polling its status endpoint with backoff, with a direct verification
// endpoint as the escape hatch when provider-side processing lags.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Client is the provider surface the poller and reconciler need. The HTTP
// implementation below talks to the real provider; tests substitute a stub.
type Client interface {
	CreateCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error)
	CheckoutStatus(ctx context.Context, reference string) (string, error)
	VerifyCheckout(ctx context.Context, reference string) (string, error)
}

// ProviderConfig holds connection settings for the payment provider API.
type ProviderConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration

	// RequestsPerSecond caps outbound calls so polling many sessions at once
	// cannot hammer the provider. Zero means 5 rps.
	RequestsPerSecond float64
}

// Provider is an HTTP client for the hosted-checkout payment provider.
type Provider struct {
	config     ProviderConfig
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewProvider creates a new payment provider client.
func NewProvider(config ProviderConfig) *Provider {
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	rps := config.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}

	return &Provider{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
	}
}

// CheckoutRequest describes a payment to collect through a hosted page.
type CheckoutRequest struct {
	AmountCents int64             `json:"amount_cents"`
	Currency    string            `json:"currency"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Checkout is the provider's handle for a created payment: an opaque
// reference and the hosted page the payer is sent to.
type Checkout struct {
	Reference   string `json:"reference"`
	CheckoutURL string `json:"checkout_url"`
}

// CreateCheckout opens a new hosted-checkout session at the provider.
func (p *Provider) CreateCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding checkout request: %w", err)
	}

	httpReq, err := p.newRequest(ctx, "POST", "/v1/checkouts", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var checkout Checkout
	if err := p.do(httpReq, &checkout); err != nil {
		return nil, err
	}
	if checkout.Reference == "" || checkout.CheckoutURL == "" {
		return nil, fmt.Errorf("provider returned incomplete checkout")
	}
	return &checkout, nil
}

// CheckoutStatus queries the current status of a checkout by reference.
// Returns one of: pending, completed, abandoned, failed.
func (p *Provider) CheckoutStatus(ctx context.Context, reference string) (string, error) {
	req, err := p.newRequest(ctx, "GET", "/v1/checkouts/"+reference, nil)
	if err != nil {
		return "", err
	}

	var resp struct {
		Status string `json:"status"`
	}
	if err := p.do(req, &resp); err != nil {
		return "", err
	}
	return normalizeStatus(resp.Status)
}

// VerifyCheckout asks the provider to verify a payment directly, bypassing
// its eventually-consistent status cache. Used by the force-verify escape
// hatch when normal polling stalls.
func (p *Provider) VerifyCheckout(ctx context.Context, reference string) (string, error) {
	req, err := p.newRequest(ctx, "POST", "/v1/checkouts/"+reference+"/verify", nil)
	if err != nil {
		return "", err
	}

	var resp struct {
		Verification struct {
			Status string `json:"status"`
		} `json:"verification"`
	}
	if err := p.do(req, &resp); err != nil {
		return "", err
	}
	return normalizeStatus(resp.Verification.Status)
}

// do executes a request under the rate limit and decodes a JSON response.
func (p *Provider) do(req *http.Request, out any) error {
	if err := p.limiter.Wait(req.Context()); err != nil {
		return err
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("provider error (status %d): %s", resp.StatusCode, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// newRequest creates a new HTTP request with authentication.
func (p *Provider) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	url := p.config.BaseURL + path

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	req.Header.Set("Content-Type", "application/json")

	return req, nil
}

// normalizeStatus maps provider status vocabulary onto the session statuses.
// Some provider endpoints say "success" where others say "completed".
func normalizeStatus(status string) (string, error) {
	switch status {
	case "pending":
		return "pending", nil
	case "completed", "success":
		return "completed", nil
	case "abandoned":
		return "abandoned", nil
	case "failed":
		return "failed", nil
	}
	return "", fmt.Errorf("unknown provider status %q", status)
}
