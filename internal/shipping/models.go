// Package shipping holds the domain types shared by quoting, reconciliation
// and fulfillment.
package shipping

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tournevent/cartship/pkg/carrier"
)

// RequestStatus is the state of the latest quote pass for a cart and merchant.
type RequestStatus string

const (
	StatusPending RequestStatus = "pending"
	StatusSuccess RequestStatus = "success"
	StatusError   RequestStatus = "error"
)

// AllProviders is reported as the failing provider when every configured
// integration failed in the same pass.
const AllProviders = "all"

// RatesIntegrationKey identifies the rate query of an integration in a RetryTarget.
const RatesIntegrationKey = "rates"

// Event types emitted to the event sink.
const (
	EventShipmentDelivered = "shipment.delivered"
	EventShipmentConfirmed = "order.shipment.confirmed"
)

// Roles allowed to manage shipping for a merchant.
var ShippingRoles = []string{"admin", "owner", "shipping"}

// ShippingProvider is the local mirror of an upstream carrier account for
// one merchant. Records are replaced, never patched.
type ShippingProvider struct {
	ID               string
	MerchantID       string
	Integration      string
	CarrierName      string
	Label            string
	CarrierAccountID string
	Enabled          bool
}

// CarrierLabel turns "usps_express" into "USPS EXPRESS".
func CarrierLabel(carrierName string) string {
	return strings.ToUpper(strings.ReplaceAll(carrierName, "_", " "))
}

// RateQuote is a normalized, purchasable rate.
type RateQuote struct {
	Provider       string          `json:"provider"`
	Carrier        string          `json:"carrier"`
	Label          string          `json:"label"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	HandlingFee    decimal.Decimal `json:"handling_fee"`
	ProviderRateID string          `json:"provider_rate_id"`
	MerchantID     string          `json:"merchant_id"`
}

// QueryStatus reflects the most recent quote pass. FailingProvider is only
// set when RequestStatus is StatusError.
type QueryStatus struct {
	RequestStatus   RequestStatus `json:"request_status"`
	FailingProvider string        `json:"failing_provider,omitempty"`
}

// RetryTarget identifies a failed provider query eligible for one retry.
type RetryTarget struct {
	ProviderName   string `json:"provider_name"`
	IntegrationKey string `json:"integration_key"`
}

// ProviderError is the structured error reported for one provider in a pass.
type ProviderError struct {
	Provider  string `json:"provider"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Err       error  `json:"-"`
}

// Merchant is the subset of a shop profile needed to ship from it.
type Merchant struct {
	ID           string
	Name         string
	Address      *carrier.Address
	Email        string
	MassUnit     carrier.MassUnit
	DistanceUnit carrier.DistanceUnit
}

// Credentials are a merchant's API credentials for one integration.
type Credentials struct {
	MerchantID  string
	Integration string
	APIKey      string
}

// CartItem is a line item in a multi-vendor cart.
type CartItem struct {
	ID         string
	MerchantID string
	ProductID  string
	Quantity   int
	Parcel     *carrier.Parcel
}

// Cart is a shopping cart spanning several merchants.
type Cart struct {
	ID              string
	UserID          string
	Email           string
	Items           []CartItem
	ShippingAddress *carrier.Address
}

// ItemsFor returns the cart items sold by merchantID.
func (c *Cart) ItemsFor(merchantID string) []CartItem {
	var items []CartItem
	for _, it := range c.Items {
		if it.MerchantID == merchantID {
			items = append(items, it)
		}
	}
	return items
}

// ShipmentRecord is the shipping line of an order for one merchant.
type ShipmentRecord struct {
	ID                 string     `json:"id"`
	OrderID            string     `json:"order_id"`
	MerchantID         string     `json:"merchant_id"`
	ChosenRate         *RateQuote `json:"chosen_rate,omitempty"`
	TrackingNumber     string     `json:"tracking_number,omitempty"`
	LabelURL           string     `json:"label_url,omitempty"`
	TransactionID      string     `json:"transaction_id,omitempty"`
	TrackingStatus     string     `json:"tracking_status,omitempty"`
	TrackingStatusDate *time.Time `json:"tracking_status_date,omitempty"`
	Shipped            bool       `json:"shipped"`
	Delivered          bool       `json:"delivered"`
}

// Confirmed reports whether a transaction was already purchased.
func (s *ShipmentRecord) Confirmed() bool {
	return s.TransactionID != ""
}

// TransactionFields are written together by a confirmation.
type TransactionFields struct {
	LabelURL       string
	TrackingNumber string
	TransactionID  string
}

// Event is published to the event sink.
type Event struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	MerchantID string            `json:"merchant_id"`
	OrderID    string            `json:"order_id,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
	Data       map[string]string `json:"data,omitempty"`
}
