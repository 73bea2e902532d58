package payments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HMACProvider is a concrete Provider for a payment gateway that signs
// webhook bodies with HMAC-SHA256 over the raw request bytes — the common
// shape across both integrated providers.
type HMACProvider struct {
	name    string
	baseURL string
	apiKey  string
	secret  string
	hc      *http.Client
}

// NewHMACProvider builds an HMACProvider. secret is the per-provider
// webhook signing key.
func NewHMACProvider(name, baseURL, apiKey, secret string) *HMACProvider {
	return &HMACProvider{
		name:    name,
		baseURL: baseURL,
		apiKey:  apiKey,
		secret:  secret,
		hc:      &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *HMACProvider) Name() string { return p.name }

func (p *HMACProvider) CreatePayment(ctx context.Context, order Order) (Payment, error) {
	body, err := json.Marshal(map[string]any{
		"order_id": order.OrderID,
		"amount":   order.Amount,
		"currency": order.Currency,
	})
	if err != nil {
		return Payment{}, fmt.Errorf("payments: marshal order: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/payment_links", bytes.NewReader(body))
	if err != nil {
		return Payment{}, fmt.Errorf("payments: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.hc.Do(req)
	if err != nil {
		return Payment{}, fmt.Errorf("payments: create payment: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return Payment{}, fmt.Errorf("payments: create payment returned status %d", resp.StatusCode)
	}

	var out struct {
		URL        string    `json:"url"`
		ExternalID string    `json:"external_id"`
		ExpiresAt  time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Payment{}, fmt.Errorf("payments: decode response: %w", err)
	}
	return Payment{Provider: p.name, URL: out.URL, ExternalID: out.ExternalID, ExpiresAt: out.ExpiresAt}, nil
}

func (p *HMACProvider) GetStatus(ctx context.Context, externalID string) (StatusReport, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/payment_links/"+externalID, nil)
	if err != nil {
		return StatusReport{}, fmt.Errorf("payments: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.hc.Do(req)
	if err != nil {
		return StatusReport{}, fmt.Errorf("payments: get status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return StatusReport{}, fmt.Errorf("payments: get status returned status %d", resp.StatusCode)
	}

	var out struct {
		Status            string  `json:"status"`
		Amount            float64 `json:"amount"`
		ExternalReference string  `json:"external_reference"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return StatusReport{}, fmt.Errorf("payments: decode response: %w", err)
	}
	return StatusReport{Status: Status(out.Status), Amount: out.Amount, ExternalReference: out.ExternalReference}, nil
}

// VerifyWebhookSignature computes HMAC-SHA256 over rawBody with secret and
// compares it to signature in constant time, then decodes rawBody into an
// Event. Callers must pass the exact bytes read off the request body —
// never a re-marshaled copy.
func (p *HMACProvider) VerifyWebhookSignature(rawBody []byte, signature, secret string) (Event, error) {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return Event{}, ErrInvalidSignature
	}

	var raw map[string]any
	if err := json.Unmarshal(rawBody, &raw); err != nil {
		return Event{}, fmt.Errorf("payments: decode webhook body: %w", err)
	}
	externalID, _ := raw["external_id"].(string)
	statusStr, _ := raw["status"].(string)
	amount, _ := raw["amount"].(float64)
	return Event{ExternalID: externalID, Status: Status(statusStr), Amount: amount, Raw: raw}, nil
}

var _ Provider = (*HMACProvider)(nil)
