package freightcom

import (
	"context"
	"fmt"
)

// APIClient defines the interface for Freightcom API operations.
// This abstraction allows for mock implementations during testing
// and real implementations in production. Every call is authenticated
// with the merchant's own API key.
type APIClient interface {
	// ListCarrierAccounts returns the carrier accounts linked to the key
	ListCarrierAccounts(ctx context.Context, apiKey string) (*CarrierAccountsResponse, error)

	// GetRates fetches shipping rates across the requested carrier accounts
	GetRates(ctx context.Context, apiKey string, req *RatesRequest) (*RatesResponse, error)

	// CreateShipment purchases a previously quoted rate
	CreateShipment(ctx context.Context, apiKey string, req *ShipmentRequest) (*ShipmentResponse, error)

	// GetTracking retrieves tracking information for a shipment
	GetTracking(ctx context.Context, apiKey string, shipmentID string) (*TrackingResponse, error)
}

// ============================================================================
// API Request/Response Types (match Freightcom REST API v2 structure)
// ============================================================================

// CarrierAccountsResponse is returned by GET /carrier-accounts.
type CarrierAccountsResponse struct {
	Count   int              `json:"count"`
	Results []CarrierAccount `json:"results"`
}

// CarrierAccount is a carrier account linked to a Freightcom account.
type CarrierAccount struct {
	ID          string `json:"id"`
	CarrierCode string `json:"carrier_code"`
	Active      bool   `json:"active"`
}

// RatesRequest represents a Freightcom rate quote request.
// POST /rate endpoint
type RatesRequest struct {
	CarrierAccounts []string        `json:"carrier_accounts,omitempty"`
	Details         ShippingDetails `json:"details"`
}

// ShippingDetails contains shipping information for rate requests.
type ShippingDetails struct {
	Origin      Location      `json:"origin"`
	Destination Location      `json:"destination"`
	Packaging   PackagingInfo `json:"packaging"`
}

// Location represents origin or destination.
type Location struct {
	Name        string `json:"name,omitempty"`
	Company     string `json:"company,omitempty"`
	Address1    string `json:"address_1"`
	Address2    string `json:"address_2,omitempty"`
	City        string `json:"city"`
	Province    string `json:"province"`
	PostalCode  string `json:"postal_code"`
	Country     string `json:"country"` // ISO 3166-1 alpha-2 code
	Phone       string `json:"phone,omitempty"`
	Email       string `json:"email,omitempty"`
	Residential bool   `json:"residential"`
}

// PackagingInfo contains package details.
type PackagingInfo struct {
	Type     string    `json:"type"` // "package", "envelope", "pallet"
	Packages []Package `json:"packages"`
}

// Package represents a single package.
type Package struct {
	Length        float64 `json:"length"`
	Width         float64 `json:"width"`
	Height        float64 `json:"height"`
	Weight        float64 `json:"weight"`
	DimensionUnit string  `json:"dimension_unit,omitempty"`
	WeightUnit    string  `json:"weight_unit,omitempty"`
	Quantity      int     `json:"quantity,omitempty"`
}

// RateRequestResponse is the initial response from POST /rate (async).
type RateRequestResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"` // "pending", "complete", "error"
}

// RatesResponse represents the Freightcom rate quote response.
// GET /rate/{request_id} endpoint
type RatesResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Rates     []Rate `json:"rates"`
}

// Rate represents a single rate option. Total is a decimal string.
type Rate struct {
	ID               string `json:"id"`
	CarrierAccountID string `json:"carrier_account_id"`
	CarrierCode      string `json:"carrier_code"`
	ServiceCode      string `json:"service_code"`
	ServiceName      string `json:"service_name"`
	Total            string `json:"total"`
	Currency         string `json:"currency"`
	TransitDays      int    `json:"transit_days"`
}

// ShipmentRequest purchases a quoted rate.
// POST /shipment endpoint
type ShipmentRequest struct {
	UniqueID string `json:"unique_id"` // Max 128 chars, prevents duplicates
	RateID   string `json:"rate_id"`
}

// ShipmentResponse represents the Freightcom shipment response.
type ShipmentResponse struct {
	ID                string   `json:"id"`
	UniqueID          string   `json:"unique_id"`
	PreviouslyCreated bool     `json:"previously_created"`
	Status            string   `json:"status"`
	TrackingNumbers   []string `json:"tracking_numbers"`
	Labels            []Label  `json:"labels,omitempty"`
}

// Label represents a shipping label.
type Label struct {
	Size   string `json:"size"`   // "4x6", "letter"
	Format string `json:"format"` // "pdf", "zpl", "png"
	URL    string `json:"url"`
}

// TrackingResponse represents tracking information.
// GET /shipment/{shipment_id}/tracking-events
type TrackingResponse struct {
	ShipmentID     string          `json:"shipment_id"`
	TrackingNumber string          `json:"tracking_number"`
	Status         string          `json:"status"`
	Events         []TrackingEvent `json:"events"`
}

// TrackingEvent represents a single tracking event.
type TrackingEvent struct {
	Timestamp   string `json:"timestamp"`
	Description string `json:"description"`
	Location    string `json:"location"`
	Status      string `json:"status"`
	Code        string `json:"code,omitempty"`
}

// APIError represents an error from the Freightcom API.
type APIError struct {
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Errors     map[string]string `json:"errors,omitempty"` // Field-level errors
	StatusCode int               `json:"-"`
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (http %d)", e.Code, e.Message, e.StatusCode)
	}
	return e.Code + ": " + e.Message
}
