// Package store defines the persistence collaborators of the shipping core
// and provides GORM-backed and in-memory implementations.
package store

import (
	"context"
	"time"

	"github.com/tournevent/cartship/internal/shipping"
)

// CartStore reads carts.
type CartStore interface {
	GetCart(ctx context.Context, cartID string) (*shipping.Cart, error)
}

// MerchantStore reads merchant profiles.
type MerchantStore interface {
	GetMerchant(ctx context.Context, merchantID string) (*shipping.Merchant, error)
}

// CredentialStore manages per-merchant integration credentials.
type CredentialStore interface {
	GetCredentials(ctx context.Context, merchantID, integration string) (*shipping.Credentials, error)
	SaveCredentials(ctx context.Context, creds shipping.Credentials) error
	DeleteCredentials(ctx context.Context, merchantID, integration string) error
}

// ProviderStore manages ShippingProvider records. An empty integration
// matches every integration.
type ProviderStore interface {
	ListProviders(ctx context.Context, merchantID, integration string) ([]shipping.ShippingProvider, error)
	// ApplyProviderDiff deletes the providers whose account id is in remove
	// and inserts add, all or nothing.
	ApplyProviderDiff(ctx context.Context, merchantID, integration string, remove []string, add []shipping.ShippingProvider) error
	RemoveProviders(ctx context.Context, merchantID, integration string) (int64, error)
}

// ShipmentStore manages order shipment records.
type ShipmentStore interface {
	ListShipments(ctx context.Context, orderID string) ([]shipping.ShipmentRecord, error)
	// FindPendingShipments returns the merchant's shipments that are shipped,
	// not delivered and carry a transaction id.
	FindPendingShipments(ctx context.Context, merchantID string) ([]shipping.ShipmentRecord, error)
	// RecordTransaction sets the transaction fields and clears tracking status
	// in one write. It fails with shipping.ErrAlreadyConfirmed when a
	// transaction id is already present.
	RecordTransaction(ctx context.Context, shipmentID string, fields shipping.TransactionFields) error
	UpdateTrackingStatus(ctx context.Context, shipmentID, status string, date time.Time, delivered bool) error
}

// MembershipStore answers role questions for the authorization gate.
type MembershipStore interface {
	RolesFor(ctx context.Context, userID, merchantID string) ([]string, error)
}

// Store is the full data store.
type Store interface {
	CartStore
	MerchantStore
	CredentialStore
	ProviderStore
	ShipmentStore
	MembershipStore
}
