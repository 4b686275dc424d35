// Package freightcom provides integration with the Freightcom shipping API.
package freightcom

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/tournevent/cartship/pkg/carrier"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

const integrationName = "freightcom"

// Config holds Freightcom configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
	UseMock bool // When true, uses mock API client
}

// Client is the Freightcom integration.
// It implements the carrier.Integration interface and delegates
// API calls to the underlying APIClient (mock or HTTP).
type Client struct {
	config    Config
	apiClient APIClient
	logger    *otelzap.Logger
	tracer    trace.Tracer
}

// New creates a new Freightcom client.
// If cfg.UseMock is true, it uses a mock API client for testing.
// Otherwise, it uses the real HTTP API client.
func New(cfg Config, logger *otelzap.Logger, tracer trace.Tracer) *Client {
	var apiClient APIClient

	if cfg.UseMock {
		apiClient = NewMockAPIClient()
	} else {
		apiClient = NewHTTPAPIClient(HTTPAPIClientConfig{
			BaseURL: cfg.BaseURL,
			Timeout: cfg.Timeout,
		})
	}

	return NewWithAPIClient(cfg, apiClient, logger, tracer)
}

// NewWithAPIClient creates a new Freightcom client with a custom API client.
// This is useful for injecting mock clients in tests.
func NewWithAPIClient(cfg Config, apiClient APIClient, logger *otelzap.Logger, tracer trace.Tracer) *Client {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer(integrationName)
	}
	return &Client{
		config:    cfg,
		apiClient: apiClient,
		logger:    logger,
		tracer:    tracer,
	}
}

// Name returns the integration name.
func (c *Client) Name() string {
	return integrationName
}

// ListActiveAccounts returns every carrier account linked to the API key.
// The active flag is passed through; filtering is up to the caller.
func (c *Client) ListActiveAccounts(ctx context.Context, creds carrier.Credentials) ([]carrier.CarrierAccount, error) {
	ctx, span := c.tracer.Start(ctx, "freightcom.ListActiveAccounts")
	defer span.End()

	resp, err := c.apiClient.ListCarrierAccounts(ctx, creds.APIKey)
	if err != nil {
		c.logger.Ctx(ctx).Error("Freightcom API error", zap.String("operation", "list_accounts"), zap.Error(err))
		return nil, wrapError(err)
	}

	accounts := make([]carrier.CarrierAccount, len(resp.Results))
	for i, a := range resp.Results {
		accounts[i] = carrier.CarrierAccount{ID: a.ID, Carrier: a.CarrierCode, Active: a.Active}
	}
	return accounts, nil
}

// CreateRateRequest returns rate offers from Freightcom.
func (c *Client) CreateRateRequest(ctx context.Context, req *carrier.QuoteRequest, creds carrier.Credentials) ([]carrier.RateOffer, error) {
	ctx, span := c.tracer.Start(ctx, "freightcom.CreateRateRequest",
		trace.WithAttributes(attribute.Int("carrier_accounts", len(req.CarrierAccounts))))
	defer span.End()

	c.logger.Ctx(ctx).Info("Getting Freightcom rates",
		zap.String("merchant_id", req.MerchantID),
		zap.String("origin_city", req.Origin.City),
		zap.String("destination_city", req.Destination.City),
		zap.Int("carrier_accounts", len(req.CarrierAccounts)),
	)

	apiReq := &RatesRequest{
		CarrierAccounts: req.CarrierAccounts,
		Details: ShippingDetails{
			Origin:      addressToLocation(req.Origin),
			Destination: addressToLocation(req.Destination),
			Packaging: PackagingInfo{
				Type:     "package",
				Packages: []Package{parcelToAPI(req.Parcel)},
			},
		},
	}

	apiResp, err := c.apiClient.GetRates(ctx, creds.APIKey, apiReq)
	if err != nil {
		c.logger.Ctx(ctx).Error("Freightcom API error", zap.String("operation", "rates"), zap.Error(err))
		return nil, wrapError(err)
	}

	return ratesToOffers(apiResp.Rates), nil
}

// PurchaseTransaction books a shipment for a previously quoted rate.
func (c *Client) PurchaseTransaction(ctx context.Context, rateID string, creds carrier.Credentials) (*carrier.Transaction, error) {
	ctx, span := c.tracer.Start(ctx, "freightcom.PurchaseTransaction",
		trace.WithAttributes(attribute.String("rate_id", rateID)))
	defer span.End()

	c.logger.Ctx(ctx).Info("Purchasing Freightcom rate", zap.String("rate_id", rateID))

	apiResp, err := c.apiClient.CreateShipment(ctx, creds.APIKey, &ShipmentRequest{
		UniqueID: uuid.NewString(),
		RateID:   rateID,
	})
	if err != nil {
		c.logger.Ctx(ctx).Error("Freightcom API error", zap.String("operation", "purchase"), zap.Error(err))
		return nil, wrapError(err)
	}

	return shipmentToTransaction(apiResp), nil
}

// GetTransactionStatus returns the latest tracking status of a shipment.
func (c *Client) GetTransactionStatus(ctx context.Context, transactionID string, creds carrier.Credentials) (*carrier.TrackingStatus, error) {
	ctx, span := c.tracer.Start(ctx, "freightcom.GetTransactionStatus",
		trace.WithAttributes(attribute.String("transaction_id", transactionID)))
	defer span.End()

	apiResp, err := c.apiClient.GetTracking(ctx, creds.APIKey, transactionID)
	if err != nil {
		c.logger.Ctx(ctx).Error("Freightcom API error", zap.String("operation", "tracking"), zap.Error(err))
		return nil, wrapError(err)
	}

	return trackingToStatus(apiResp), nil
}

// ============================================================================
// Conversion helpers: carrier models -> API models
// ============================================================================

func addressToLocation(addr carrier.Address) Location {
	return Location{
		Name:        addr.FullName,
		Company:     addr.Company,
		Address1:    addr.Line1,
		Address2:    addr.Line2,
		City:        addr.City,
		Province:    addr.Region,
		PostalCode:  addr.PostalCode,
		Country:     addr.Country,
		Phone:       addr.Phone,
		Email:       addr.Email,
		Residential: !addr.Commercial,
	}
}

func parcelToAPI(p carrier.Parcel) Package {
	return Package{
		Length:        p.Length,
		Width:         p.Width,
		Height:        p.Height,
		Weight:        p.Weight,
		DimensionUnit: string(p.DistanceUnit),
		WeightUnit:    string(p.MassUnit),
		Quantity:      1,
	}
}

// ============================================================================
// Conversion helpers: API models -> carrier models
// ============================================================================

func ratesToOffers(rates []Rate) []carrier.RateOffer {
	offers := make([]carrier.RateOffer, len(rates))
	for i, r := range rates {
		offers[i] = carrier.RateOffer{
			RateID:            r.ID,
			CarrierAccountID:  r.CarrierAccountID,
			Carrier:           r.CarrierCode,
			ServiceLevelName:  r.ServiceName,
			ServiceLevelToken: r.ServiceCode,
			Amount:            r.Total,
			Currency:          r.Currency,
			EstimatedDays:     r.TransitDays,
		}
	}
	return offers
}

func shipmentToTransaction(resp *ShipmentResponse) *carrier.Transaction {
	trackingNumber := ""
	if len(resp.TrackingNumbers) > 0 {
		trackingNumber = resp.TrackingNumbers[0]
	}

	labelURL := ""
	if len(resp.Labels) > 0 {
		labelURL = resp.Labels[0].URL
	}

	return &carrier.Transaction{
		ID:             resp.ID,
		State:          resp.Status,
		TrackingNumber: trackingNumber,
		LabelURL:       labelURL,
	}
}

func trackingToStatus(resp *TrackingResponse) *carrier.TrackingStatus {
	status := &carrier.TrackingStatus{Status: mapTrackingState(resp.Status)}
	for _, ev := range resp.Events {
		ts, err := time.Parse(time.RFC3339, ev.Timestamp)
		if err != nil {
			continue
		}
		if ts.After(status.Date) {
			status.Date = ts.UTC()
		}
	}
	return status
}

// ============================================================================
// Mapping helpers
// ============================================================================

func mapTrackingState(status string) carrier.TrackingState {
	switch status {
	case "picked_up", "in_transit", "out_for_delivery", "assigned":
		return carrier.TrackingTransit
	case "delivered":
		return carrier.TrackingDelivered
	case "returned", "return_to_sender":
		return carrier.TrackingReturned
	case "exception", "error", "failed", "cancelled":
		return carrier.TrackingFailure
	default:
		return carrier.TrackingUnknown
	}
}

// wrapError converts API and transport failures into *carrier.Error so the
// caller can decide whether a retry makes sense.
func wrapError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return carrier.NewError(integrationName, "TIMEOUT", "request timed out").
			WithRetryable(true).WithCause(err)
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		ce := carrier.NewError(integrationName, apiErr.Code, apiErr.Message).
			WithStatusCode(apiErr.StatusCode).
			WithCause(err)
		switch {
		case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
			ce.Cause = carrier.ErrAuthenticationFailed
		case apiErr.StatusCode == http.StatusTooManyRequests:
			ce.Retryable = true
		case apiErr.StatusCode >= 500, apiErr.Code == "TIMEOUT":
			ce.Retryable = true
		}
		return ce
	}

	return carrier.NewError(integrationName, "TRANSPORT", "request failed").
		WithRetryable(true).WithCause(err)
}

var _ carrier.Integration = (*Client)(nil)
