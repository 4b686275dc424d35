package freightcom_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tournevent/cartship/pkg/carrier"
	"github.com/tournevent/cartship/pkg/carrier/freightcom"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

var testCreds = carrier.Credentials{APIKey: "test-key"}

func newTestClient(api freightcom.APIClient) *freightcom.Client {
	logger := otelzap.New(zap.NewNop())
	return freightcom.NewWithAPIClient(freightcom.Config{}, api, logger, nil)
}

func testQuoteRequest() *carrier.QuoteRequest {
	return &carrier.QuoteRequest{
		MerchantID: "m1",
		Origin: carrier.Address{
			FullName:   "Sender",
			Line1:      "123 Main St",
			City:       "Toronto",
			Region:     "ON",
			PostalCode: "M5V 1A1",
			Country:    "CA",
		},
		Destination: carrier.Address{
			FullName:   "Receiver",
			Line1:      "456 Oak Ave",
			City:       "Vancouver",
			Region:     "BC",
			PostalCode: "V6B 2W2",
			Country:    "CA",
		},
		Parcel:          carrier.Parcel{Length: 10, Width: 10, Height: 10, Weight: 5},
		CarrierAccounts: []string{"fc-acct-fedex", "fc-acct-ups"},
	}
}

func TestClient_Name(t *testing.T) {
	client := newTestClient(freightcom.NewMockAPIClient())
	assert.Equal(t, "freightcom", client.Name())
}

func TestClient_ListActiveAccounts(t *testing.T) {
	client := newTestClient(freightcom.NewMockAPIClient())

	accounts, err := client.ListActiveAccounts(context.Background(), testCreds)

	require.NoError(t, err)
	require.Len(t, accounts, 3)
	assert.Equal(t, carrier.CarrierAccount{ID: "fc-acct-fedex", Carrier: "fedex", Active: true}, accounts[0])
	assert.False(t, accounts[2].Active)
}

func TestClient_CreateRateRequest_Success(t *testing.T) {
	client := newTestClient(freightcom.NewMockAPIClient())

	offers, err := client.CreateRateRequest(context.Background(), testQuoteRequest(), testCreds)

	require.NoError(t, err)
	require.Len(t, offers, 2) // one per carrier account
	assert.Equal(t, "fc-acct-fedex", offers[0].CarrierAccountID)
	assert.Equal(t, "20.24", offers[0].Amount)
	assert.Equal(t, "FedEx Ground", offers[0].ServiceLevelName)
}

func TestClient_CreateRateRequest_PassesCredentialsAndParcel(t *testing.T) {
	mockAPI := freightcom.NewMockAPIClient()
	var gotKey string
	var gotReq *freightcom.RatesRequest
	mockAPI.OnGetRates = func(ctx context.Context, apiKey string, req *freightcom.RatesRequest) (*freightcom.RatesResponse, error) {
		gotKey = apiKey
		gotReq = req
		return &freightcom.RatesResponse{Status: "complete"}, nil
	}

	client := newTestClient(mockAPI)
	req := testQuoteRequest()
	req.Parcel.MassUnit = carrier.MassKG
	req.Destination.Commercial = true

	offers, err := client.CreateRateRequest(context.Background(), req, testCreds)

	require.NoError(t, err)
	assert.Empty(t, offers)
	assert.Equal(t, "test-key", gotKey)
	require.Len(t, gotReq.Details.Packaging.Packages, 1)
	assert.Equal(t, "kg", gotReq.Details.Packaging.Packages[0].WeightUnit)
	assert.True(t, gotReq.Details.Origin.Residential)
	assert.False(t, gotReq.Details.Destination.Residential)
	assert.Equal(t, []string{"fc-acct-fedex", "fc-acct-ups"}, gotReq.CarrierAccounts)
}

func TestClient_CreateRateRequest_APIErrorIsRetryable(t *testing.T) {
	mockAPI := freightcom.NewMockAPIClient()
	mockAPI.SimulateErrors = true

	client := newTestClient(mockAPI)

	_, err := client.CreateRateRequest(context.Background(), testQuoteRequest(), testCreds)

	require.Error(t, err)
	var ce *carrier.Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "MOCK_ERROR", ce.Code)
	assert.True(t, carrier.IsRetryable(err))
}

func TestClient_CreateRateRequest_Unauthorized(t *testing.T) {
	mockAPI := freightcom.NewMockAPIClient()
	mockAPI.OnGetRates = func(ctx context.Context, apiKey string, req *freightcom.RatesRequest) (*freightcom.RatesResponse, error) {
		return nil, &freightcom.APIError{Code: "HTTP_401", Message: "bad key", StatusCode: 401}
	}

	client := newTestClient(mockAPI)

	_, err := client.CreateRateRequest(context.Background(), testQuoteRequest(), testCreds)

	require.Error(t, err)
	assert.True(t, errors.Is(err, carrier.ErrAuthenticationFailed))
	assert.False(t, carrier.IsRetryable(err))
}

func TestClient_PurchaseTransaction(t *testing.T) {
	mockAPI := freightcom.NewMockAPIClient()
	var gotRate string
	mockAPI.OnCreateShipment = func(ctx context.Context, apiKey string, req *freightcom.ShipmentRequest) (*freightcom.ShipmentResponse, error) {
		gotRate = req.RateID
		return &freightcom.ShipmentResponse{
			ID:              "ship-1",
			Status:          "booked",
			TrackingNumbers: []string{"TRK1", "TRK2"},
			Labels:          []freightcom.Label{{Format: "pdf", URL: "https://labels/ship-1.pdf"}},
		}, nil
	}

	client := newTestClient(mockAPI)

	tx, err := client.PurchaseTransaction(context.Background(), "rate-42", testCreds)

	require.NoError(t, err)
	assert.Equal(t, "rate-42", gotRate)
	assert.Equal(t, "ship-1", tx.ID)
	assert.Equal(t, "TRK1", tx.TrackingNumber)
	assert.Equal(t, "https://labels/ship-1.pdf", tx.LabelURL)
}

func TestClient_GetTransactionStatus_LatestEvent(t *testing.T) {
	mockAPI := freightcom.NewMockAPIClient()
	mockAPI.OnGetTracking = func(ctx context.Context, apiKey string, shipmentID string) (*freightcom.TrackingResponse, error) {
		return &freightcom.TrackingResponse{
			Status: "delivered",
			Events: []freightcom.TrackingEvent{
				{Timestamp: "2024-03-01T10:00:00Z", Status: "in_transit"},
				{Timestamp: "2024-03-02T15:30:00Z", Status: "delivered"},
				{Timestamp: "not-a-time", Status: "noise"},
			},
		}, nil
	}

	client := newTestClient(mockAPI)

	status, err := client.GetTransactionStatus(context.Background(), "ship-1", testCreds)

	require.NoError(t, err)
	assert.Equal(t, carrier.TrackingDelivered, status.Status)
	assert.Equal(t, time.Date(2024, 3, 2, 15, 30, 0, 0, time.UTC), status.Date)
}

func TestHTTPAPIClient_GetRates_Polls(t *testing.T) {
	polls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/rate":
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(freightcom.RateRequestResponse{RequestID: "req-1", Status: "pending"})
		case r.Method == http.MethodGet && r.URL.Path == "/rate/req-1":
			polls++
			status := "pending"
			var rates []freightcom.Rate
			if polls > 1 {
				status = "complete"
				rates = []freightcom.Rate{{ID: "r1", CarrierAccountID: "a1", Total: "9.99", Currency: "CAD"}}
			}
			json.NewEncoder(w).Encode(freightcom.RatesResponse{RequestID: "req-1", Status: status, Rates: rates})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	api := freightcom.NewHTTPAPIClient(freightcom.HTTPAPIClientConfig{
		BaseURL:      srv.URL,
		PollInterval: time.Millisecond,
	})

	resp, err := api.GetRates(context.Background(), "secret", &freightcom.RatesRequest{})

	require.NoError(t, err)
	assert.Equal(t, 2, polls)
	require.Len(t, resp.Rates, 1)
	assert.Equal(t, "9.99", resp.Rates[0].Total)
}

func TestHTTPAPIClient_ParseError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"message":"upstream down"}`))
	}))
	defer srv.Close()

	api := freightcom.NewHTTPAPIClient(freightcom.HTTPAPIClientConfig{BaseURL: srv.URL})

	_, err := api.ListCarrierAccounts(context.Background(), "secret")

	var apiErr *freightcom.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "HTTP_502", apiErr.Code)
	assert.Equal(t, "upstream down", apiErr.Message)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
}
