package freightcom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"time"
)

// HTTPAPIClient talks to the Freightcom REST API.
type HTTPAPIClient struct {
	baseURL      string
	httpClient   *http.Client
	pollInterval time.Duration
	pollTimeout  time.Duration
}

// HTTPAPIClientConfig holds configuration for the HTTP client.
type HTTPAPIClientConfig struct {
	BaseURL      string
	Timeout      time.Duration
	PollInterval time.Duration // between polls of async rate and shipment requests
	PollTimeout  time.Duration
}

// NewHTTPAPIClient creates an HTTPAPIClient.
func NewHTTPAPIClient(cfg HTTPAPIClientConfig) *HTTPAPIClient {
	c := &HTTPAPIClient{
		baseURL:      cfg.BaseURL,
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		pollInterval: cfg.PollInterval,
		pollTimeout:  cfg.PollTimeout,
	}
	if c.httpClient.Timeout == 0 {
		c.httpClient.Timeout = 30 * time.Second
	}
	if c.pollInterval == 0 {
		c.pollInterval = 500 * time.Millisecond
	}
	if c.pollTimeout == 0 {
		c.pollTimeout = 30 * time.Second
	}
	return c
}

// ListCarrierAccounts calls GET /carrier-accounts.
func (c *HTTPAPIClient) ListCarrierAccounts(ctx context.Context, apiKey string) (*CarrierAccountsResponse, error) {
	var out CarrierAccountsResponse
	if err := c.send(ctx, apiKey, http.MethodGet, "/carrier-accounts", nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRates submits POST /rate and polls GET /rate/{request_id} until the
// quote is complete.
func (c *HTTPAPIClient) GetRates(ctx context.Context, apiKey string, req *RatesRequest) (*RatesResponse, error) {
	var submitted RateRequestResponse
	if err := c.send(ctx, apiKey, http.MethodPost, "/rate", req, &submitted, http.StatusOK, http.StatusAccepted); err != nil {
		return nil, err
	}

	return poll(ctx, c, apiKey, "/rate/"+submitted.RequestID, "rate request", func(r *RatesResponse) (bool, error) {
		switch r.Status {
		case "complete":
			return true, nil
		case "pending":
			return false, nil
		case "error":
			return false, &APIError{Code: "RATE_ERROR", Message: r.Error}
		default:
			return false, &APIError{Code: "UNKNOWN_STATUS", Message: "unknown rate status " + r.Status}
		}
	})
}

// CreateShipment calls POST /shipment and, when the booking is processed
// asynchronously, polls GET /shipment/{id} until it settles.
func (c *HTTPAPIClient) CreateShipment(ctx context.Context, apiKey string, req *ShipmentRequest) (*ShipmentResponse, error) {
	var created ShipmentResponse
	if err := c.send(ctx, apiKey, http.MethodPost, "/shipment", req, &created, http.StatusOK, http.StatusCreated, http.StatusAccepted); err != nil {
		return nil, err
	}
	if !shipmentInFlight(created.Status) {
		return &created, nil
	}

	return poll(ctx, c, apiKey, "/shipment/"+created.ID, "shipment booking", func(r *ShipmentResponse) (bool, error) {
		switch {
		case shipmentInFlight(r.Status):
			return false, nil
		case r.Status == "error" || r.Status == "failed":
			return false, &APIError{Code: "SHIPMENT_ERROR", Message: "shipment " + r.ID + " " + r.Status}
		default:
			return true, nil
		}
	})
}

func shipmentInFlight(status string) bool {
	return status == "pending" || status == "processing"
}

// GetTracking calls GET /shipment/{id}/tracking-events.
func (c *HTTPAPIClient) GetTracking(ctx context.Context, apiKey string, shipmentID string) (*TrackingResponse, error) {
	var out TrackingResponse
	if err := c.send(ctx, apiKey, http.MethodGet, "/shipment/"+shipmentID+"/tracking-events", nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	out.ShipmentID = shipmentID
	return &out, nil
}

// poll GETs path until done reports completion, done fails, ctx ends or the
// client's poll timeout elapses.
func poll[T any](ctx context.Context, c *HTTPAPIClient, apiKey, path, what string, done func(*T) (bool, error)) (*T, error) {
	deadline := time.Now().Add(c.pollTimeout)
	for {
		var out T
		if err := c.send(ctx, apiKey, http.MethodGet, path, nil, &out, http.StatusOK); err != nil {
			return nil, err
		}
		ok, err := done(&out)
		if err != nil {
			return nil, err
		}
		if ok {
			return &out, nil
		}
		if time.Now().After(deadline) {
			return nil, &APIError{Code: "TIMEOUT", Message: what + " timed out"}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}

// send issues an authenticated JSON request and decodes the response into
// out when its status is one of accepted.
func (c *HTTPAPIClient) send(ctx context.Context, apiKey, method, path string, body, out any, accepted ...int) error {
	var payload io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s body: %w", path, err)
		}
		payload = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-API-Key", apiKey)
	req.Header.Set("User-Agent", "cartship/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if !slices.Contains(accepted, resp.StatusCode) {
		return parseError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// parseError turns a non-success response into an *APIError. Freightcom
// answers either with a structured {code, message, errors} body or a bare
// {error} / {message}.
func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{Code: fmt.Sprintf("HTTP_%d", resp.StatusCode), StatusCode: resp.StatusCode}

	var structured APIError
	if json.Unmarshal(body, &structured) == nil && structured.Code != "" {
		structured.StatusCode = resp.StatusCode
		return &structured
	}

	var bare struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	switch {
	case json.Unmarshal(body, &bare) == nil && bare.Error != "":
		apiErr.Message = bare.Error
	case bare.Message != "":
		apiErr.Message = bare.Message
	default:
		apiErr.Message = string(body)
	}
	return apiErr
}

var _ APIClient = (*HTTPAPIClient)(nil)
