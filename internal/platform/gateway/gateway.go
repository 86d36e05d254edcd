// Package gateway integrates with the external card-payment processor. The
// clinic backend never talks to card networks directly; it creates payment
// intents at the processor and confirms them, mapping every transport or
// processor failure to a gateway error that the API layer renders without
// leaking upstream details.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/odonto/odonto/internal/platform/apierr"
)

// IntentRequest describes a charge to create at the processor.
type IntentRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Description string          `json:"description"`
	Reference   string          `json:"reference"` // payment code, for reconciliation
}

// IntentRef identifies an intent created at the processor.
type IntentRef struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Outcome is the terminal result of confirming an intent.
type Outcome struct {
	IntentID    string    `json:"intent_id"`
	Succeeded   bool      `json:"succeeded"`
	ProcessorID string    `json:"processor_id"`
	FailureCode string    `json:"failure_code,omitempty"`
	ConfirmedAt time.Time `json:"confirmed_at"`
}

// Client is the processor interface the payment service depends on.
// Confirm must be idempotent: confirming an already-confirmed intent
// returns the original outcome without charging again.
type Client interface {
	CreateIntent(ctx context.Context, req IntentRequest) (*IntentRef, error)
	Confirm(ctx context.Context, intentID string) (*Outcome, error)
}

// HTTPClient talks to the processor's REST API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  zerolog.Logger
}

func NewHTTPClient(baseURL, apiKey string, timeout time.Duration, logger zerolog.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "payment_gateway").Logger(),
	}
}

func (c *HTTPClient) CreateIntent(ctx context.Context, req IntentRequest) (*IntentRef, error) {
	var ref IntentRef
	if err := c.post(ctx, "/v1/intents", req, &ref); err != nil {
		return nil, err
	}
	return &ref, nil
}

func (c *HTTPClient) Confirm(ctx context.Context, intentID string) (*Outcome, error) {
	var out Outcome
	path := fmt.Sprintf("/v1/intents/%s/confirm", intentID)
	if err := c.post(ctx, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body, out interface{}) error {
	correlationID := uuid.New().String()

	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return apierr.Internal(err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return apierr.Internal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("X-Correlation-ID", correlationID)

	resp, err := c.http.Do(req)
	if err != nil {
		// Timeouts and connection failures surface as 502 with the
		// correlation ID; the upstream error never reaches the client.
		c.logger.Error().Err(err).Str("correlation_id", correlationID).Str("path", path).Msg("gateway request failed")
		return apierr.Gateway(err).WithCorrelationID(correlationID)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		c.logger.Error().Err(err).Str("correlation_id", correlationID).Msg("gateway response read failed")
		return apierr.Gateway(err).WithCorrelationID(correlationID)
	}

	if resp.StatusCode >= 400 {
		c.logger.Error().
			Int("status", resp.StatusCode).
			Str("correlation_id", correlationID).
			Str("path", path).
			Str("body", string(raw)).
			Msg("gateway returned error")
		return apierr.Gateway(fmt.Errorf("processor status %d", resp.StatusCode)).WithCorrelationID(correlationID)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		c.logger.Error().Err(err).Str("correlation_id", correlationID).Msg("gateway response decode failed")
		return apierr.Gateway(err).WithCorrelationID(correlationID)
	}
	return nil
}
