package freightcom

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MockAPIClient is a mock implementation of APIClient for testing.
type MockAPIClient struct {
	SimulateErrors  bool
	SimulateLatency time.Duration

	OnListCarrierAccounts func(ctx context.Context, apiKey string) (*CarrierAccountsResponse, error)
	OnGetRates            func(ctx context.Context, apiKey string, req *RatesRequest) (*RatesResponse, error)
	OnCreateShipment      func(ctx context.Context, apiKey string, req *ShipmentRequest) (*ShipmentResponse, error)
	OnGetTracking         func(ctx context.Context, apiKey string, shipmentID string) (*TrackingResponse, error)
}

// NewMockAPIClient creates a new mock API client with default behavior.
func NewMockAPIClient() *MockAPIClient {
	return &MockAPIClient{}
}

func (m *MockAPIClient) simulate(ctx context.Context) error {
	if m.SimulateLatency > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.SimulateLatency):
		}
	}
	if m.SimulateErrors {
		return &APIError{Code: "MOCK_ERROR", Message: "Simulated API error", StatusCode: 503}
	}
	return nil
}

// ListCarrierAccounts returns two active accounts and a disabled one.
func (m *MockAPIClient) ListCarrierAccounts(ctx context.Context, apiKey string) (*CarrierAccountsResponse, error) {
	if err := m.simulate(ctx); err != nil {
		return nil, err
	}
	if m.OnListCarrierAccounts != nil {
		return m.OnListCarrierAccounts(ctx, apiKey)
	}
	return &CarrierAccountsResponse{
		Count: 3,
		Results: []CarrierAccount{
			{ID: "fc-acct-fedex", CarrierCode: "fedex", Active: true},
			{ID: "fc-acct-ups", CarrierCode: "ups", Active: true},
			{ID: "fc-acct-canada_post", CarrierCode: "canada_post", Active: false},
		},
	}, nil
}

// GetRates returns mock shipping rates, one ground rate per requested account.
func (m *MockAPIClient) GetRates(ctx context.Context, apiKey string, req *RatesRequest) (*RatesResponse, error) {
	if err := m.simulate(ctx); err != nil {
		return nil, err
	}
	if m.OnGetRates != nil {
		return m.OnGetRates(ctx, apiKey, req)
	}

	rates := make([]Rate, 0, len(req.CarrierAccounts))
	for _, acct := range req.CarrierAccounts {
		rates = append(rates, Rate{
			ID:               "rate-" + uuid.New().String()[:8],
			CarrierAccountID: acct,
			CarrierCode:      "fedex",
			ServiceCode:      "FEDEX_GROUND",
			ServiceName:      "FedEx Ground",
			Total:            "20.24",
			Currency:         "CAD",
			TransitDays:      3,
		})
	}

	return &RatesResponse{
		RequestID: "fc-req-" + uuid.New().String()[:8],
		Status:    "complete",
		Rates:     rates,
	}, nil
}

// CreateShipment creates a mock shipment.
func (m *MockAPIClient) CreateShipment(ctx context.Context, apiKey string, req *ShipmentRequest) (*ShipmentResponse, error) {
	if err := m.simulate(ctx); err != nil {
		return nil, err
	}
	if m.OnCreateShipment != nil {
		return m.OnCreateShipment(ctx, apiKey, req)
	}

	shipmentID := "fc-ship-" + uuid.New().String()[:8]
	trackingNumber := fmt.Sprintf("%d", 100000000000+time.Now().UnixNano()%900000000000)

	return &ShipmentResponse{
		ID:              shipmentID,
		UniqueID:        req.UniqueID,
		Status:          "booked",
		TrackingNumbers: []string{trackingNumber},
		Labels: []Label{
			{
				Size:   "4x6",
				Format: "pdf",
				URL:    fmt.Sprintf("https://api.freightcom.com/shipment/%s/label.pdf", shipmentID),
			},
		},
	}, nil
}

// GetTracking retrieves mock tracking information.
func (m *MockAPIClient) GetTracking(ctx context.Context, apiKey string, shipmentID string) (*TrackingResponse, error) {
	if err := m.simulate(ctx); err != nil {
		return nil, err
	}
	if m.OnGetTracking != nil {
		return m.OnGetTracking(ctx, apiKey, shipmentID)
	}

	now := time.Now().UTC()
	return &TrackingResponse{
		ShipmentID:     shipmentID,
		TrackingNumber: "123456789012",
		Status:         "in_transit",
		Events: []TrackingEvent{
			{
				Timestamp:   now.Add(-48 * time.Hour).Format(time.RFC3339),
				Description: "Shipment picked up",
				Location:    "Toronto, ON",
				Status:      "picked_up",
				Code:        "PU",
			},
			{
				Timestamp:   now.Add(-24 * time.Hour).Format(time.RFC3339),
				Description: "In transit to destination",
				Location:    "Mississauga, ON",
				Status:      "in_transit",
				Code:        "IT",
			},
		},
	}, nil
}

var _ APIClient = (*MockAPIClient)(nil)
