// Package mock provides a mock carrier integration for testing.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tournevent/cartship/pkg/carrier"
)

// Client is a mock integration. Each On* hook overrides the default
// behaviour of the matching method; calls are counted per method.
type Client struct {
	name string

	OnListActiveAccounts   func(ctx context.Context, creds carrier.Credentials) ([]carrier.CarrierAccount, error)
	OnCreateRateRequest    func(ctx context.Context, req *carrier.QuoteRequest, creds carrier.Credentials) ([]carrier.RateOffer, error)
	OnPurchaseTransaction  func(ctx context.Context, rateID string, creds carrier.Credentials) (*carrier.Transaction, error)
	OnGetTransactionStatus func(ctx context.Context, transactionID string, creds carrier.Credentials) (*carrier.TrackingStatus, error)

	mu    sync.Mutex
	calls map[string]int
}

// New creates a new mock integration.
func New(name string) *Client {
	return &Client{name: name, calls: make(map[string]int)}
}

// Name returns the integration name.
func (c *Client) Name() string {
	return c.name
}

// Calls returns how many times method was invoked.
func (c *Client) Calls(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[method]
}

// TotalCalls returns the number of calls across all methods.
func (c *Client) TotalCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, n := range c.calls {
		total += n
	}
	return total
}

func (c *Client) record(method string) {
	c.mu.Lock()
	c.calls[method]++
	c.mu.Unlock()
}

// ListActiveAccounts returns two active accounts and one inactive one by default.
func (c *Client) ListActiveAccounts(ctx context.Context, creds carrier.Credentials) ([]carrier.CarrierAccount, error) {
	c.record("ListActiveAccounts")
	if c.OnListActiveAccounts != nil {
		return c.OnListActiveAccounts(ctx, creds)
	}
	return []carrier.CarrierAccount{
		{ID: c.name + "-acct-usps", Carrier: "usps", Active: true},
		{ID: c.name + "-acct-ups", Carrier: "ups", Active: true},
		{ID: c.name + "-acct-dhl", Carrier: "dhl_express", Active: false},
	}, nil
}

// CreateRateRequest returns a standard and an express offer per requested account.
func (c *Client) CreateRateRequest(ctx context.Context, req *carrier.QuoteRequest, creds carrier.Credentials) ([]carrier.RateOffer, error) {
	c.record("CreateRateRequest")
	if c.OnCreateRateRequest != nil {
		return c.OnCreateRateRequest(ctx, req, creds)
	}
	offers := make([]carrier.RateOffer, 0, 2*len(req.CarrierAccounts))
	for _, acct := range req.CarrierAccounts {
		offers = append(offers,
			carrier.RateOffer{
				RateID:            fmt.Sprintf("%s-rate-standard-%s", c.name, acct),
				CarrierAccountID:  acct,
				Carrier:           c.name,
				ServiceLevelName:  "Standard",
				ServiceLevelToken: "standard",
				Amount:            "12.50",
				Currency:          "USD",
				EstimatedDays:     5,
			},
			carrier.RateOffer{
				RateID:            fmt.Sprintf("%s-rate-express-%s", c.name, acct),
				CarrierAccountID:  acct,
				Carrier:           c.name,
				ServiceLevelName:  "Express",
				ServiceLevelToken: "express",
				Amount:            "29.95",
				Currency:          "USD",
				EstimatedDays:     2,
			},
		)
	}
	return offers, nil
}

// PurchaseTransaction returns a valid transaction for any rate.
func (c *Client) PurchaseTransaction(ctx context.Context, rateID string, creds carrier.Credentials) (*carrier.Transaction, error) {
	c.record("PurchaseTransaction")
	if c.OnPurchaseTransaction != nil {
		return c.OnPurchaseTransaction(ctx, rateID, creds)
	}
	id := uuid.NewString()
	return &carrier.Transaction{
		ID:             id,
		State:          "VALID",
		TrackingNumber: fmt.Sprintf("1Z%d", time.Now().UnixNano()%1000000000),
		LabelURL:       fmt.Sprintf("https://labels.%s.mock/%s.pdf", c.name, id),
	}, nil
}

// GetTransactionStatus reports every transaction as in transit.
func (c *Client) GetTransactionStatus(ctx context.Context, transactionID string, creds carrier.Credentials) (*carrier.TrackingStatus, error) {
	c.record("GetTransactionStatus")
	if c.OnGetTransactionStatus != nil {
		return c.OnGetTransactionStatus(ctx, transactionID, creds)
	}
	return &carrier.TrackingStatus{
		Status: carrier.TrackingTransit,
		Date:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}, nil
}

var _ carrier.Integration = (*Client)(nil)
