// Package carrier provides an abstraction layer for carrier-rate integrations.
package carrier

import (
	"context"
)

// Integration defines the interface that all carrier-rate backends must implement.
type Integration interface {
	// Name returns the integration identifier (e.g., "freightcom").
	Name() string

	// ListActiveAccounts returns the carrier accounts configured upstream for the credentials.
	ListActiveAccounts(ctx context.Context, creds Credentials) ([]CarrierAccount, error)

	// CreateRateRequest returns rate offers across the requested carrier accounts.
	CreateRateRequest(ctx context.Context, req *QuoteRequest, creds Credentials) ([]RateOffer, error)

	// PurchaseTransaction buys the given rate.
	PurchaseTransaction(ctx context.Context, rateID string, creds Credentials) (*Transaction, error)

	// GetTransactionStatus returns the current tracking status of a transaction.
	GetTransactionStatus(ctx context.Context, transactionID string, creds Credentials) (*TrackingStatus, error)
}
