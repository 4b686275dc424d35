package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tournevent/cartship/internal/shipping"
)

// MemoryStore is an in-memory Store used by tests and the local dev server.
type MemoryStore struct {
	mu          sync.RWMutex
	carts       map[string]shipping.Cart
	merchants   map[string]shipping.Merchant
	credentials map[string]shipping.Credentials
	providers   map[string]shipping.ShippingProvider
	shipments   map[string]shipping.ShipmentRecord
	roles       map[string][]string

	// FailProviderWrites makes ApplyProviderDiff and RemoveProviders fail.
	FailProviderWrites error
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		carts:       make(map[string]shipping.Cart),
		merchants:   make(map[string]shipping.Merchant),
		credentials: make(map[string]shipping.Credentials),
		providers:   make(map[string]shipping.ShippingProvider),
		shipments:   make(map[string]shipping.ShipmentRecord),
		roles:       make(map[string][]string),
	}
}

func credKey(merchantID, integration string) string { return merchantID + "/" + integration }

// PutCart stores a cart.
func (s *MemoryStore) PutCart(c shipping.Cart) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.carts[c.ID] = c
}

// PutMerchant stores a merchant profile.
func (s *MemoryStore) PutMerchant(m shipping.Merchant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.merchants[m.ID] = m
}

// PutShipment stores a shipment record, assigning an id when missing.
func (s *MemoryStore) PutShipment(r shipping.ShipmentRecord) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	s.shipments[r.ID] = r
	return r.ID
}

// GetShipment returns a stored shipment record.
func (s *MemoryStore) GetShipment(id string) (shipping.ShipmentRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.shipments[id]
	return r, ok
}

// Grant gives userID a role on merchantID.
func (s *MemoryStore) Grant(userID, merchantID, role string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := credKey(userID, merchantID)
	s.roles[k] = append(s.roles[k], role)
}

func (s *MemoryStore) GetCart(ctx context.Context, cartID string) (*shipping.Cart, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.carts[cartID]
	if !ok {
		return nil, fmt.Errorf("cart %s: %w", cartID, shipping.ErrNotFound)
	}
	return &c, nil
}

func (s *MemoryStore) GetMerchant(ctx context.Context, merchantID string) (*shipping.Merchant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.merchants[merchantID]
	if !ok {
		return nil, fmt.Errorf("merchant %s: %w", merchantID, shipping.ErrNotFound)
	}
	return &m, nil
}

func (s *MemoryStore) GetCredentials(ctx context.Context, merchantID, integration string) (*shipping.Credentials, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.credentials[credKey(merchantID, integration)]
	if !ok {
		return nil, fmt.Errorf("credentials %s/%s: %w", merchantID, integration, shipping.ErrNotFound)
	}
	return &c, nil
}

func (s *MemoryStore) SaveCredentials(ctx context.Context, creds shipping.Credentials) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[credKey(creds.MerchantID, creds.Integration)] = creds
	return nil
}

func (s *MemoryStore) DeleteCredentials(ctx context.Context, merchantID, integration string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.credentials, credKey(merchantID, integration))
	return nil
}

func (s *MemoryStore) ListProviders(ctx context.Context, merchantID, integration string) ([]shipping.ShippingProvider, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []shipping.ShippingProvider
	for _, p := range s.providers {
		if p.MerchantID == merchantID && (integration == "" || p.Integration == integration) {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CarrierAccountID < result[j].CarrierAccountID })
	return result, nil
}

func (s *MemoryStore) ApplyProviderDiff(ctx context.Context, merchantID, integration string, remove []string, add []shipping.ShippingProvider) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailProviderWrites != nil {
		return s.FailProviderWrites
	}

	removeSet := make(map[string]struct{}, len(remove))
	for _, id := range remove {
		removeSet[id] = struct{}{}
	}
	for id, p := range s.providers {
		if _, ok := removeSet[p.CarrierAccountID]; ok && p.MerchantID == merchantID && p.Integration == integration {
			delete(s.providers, id)
		}
	}
	for _, p := range add {
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		s.providers[p.ID] = p
	}
	return nil
}

func (s *MemoryStore) RemoveProviders(ctx context.Context, merchantID, integration string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailProviderWrites != nil {
		return 0, s.FailProviderWrites
	}
	var n int64
	for id, p := range s.providers {
		if p.MerchantID == merchantID && (integration == "" || p.Integration == integration) {
			delete(s.providers, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListShipments(ctx context.Context, orderID string) ([]shipping.ShipmentRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []shipping.ShipmentRecord
	for _, r := range s.shipments {
		if r.OrderID == orderID {
			result = append(result, r)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) FindPendingShipments(ctx context.Context, merchantID string) ([]shipping.ShipmentRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []shipping.ShipmentRecord
	for _, r := range s.shipments {
		if r.MerchantID == merchantID && r.Shipped && !r.Delivered && r.TransactionID != "" {
			result = append(result, r)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) RecordTransaction(ctx context.Context, shipmentID string, fields shipping.TransactionFields) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.shipments[shipmentID]
	if !ok {
		return fmt.Errorf("shipment %s: %w", shipmentID, shipping.ErrNotFound)
	}
	if r.TransactionID != "" {
		return fmt.Errorf("shipment %s: %w", shipmentID, shipping.ErrAlreadyConfirmed)
	}
	r.LabelURL = fields.LabelURL
	r.TrackingNumber = fields.TrackingNumber
	r.TransactionID = fields.TransactionID
	r.TrackingStatus = ""
	r.TrackingStatusDate = nil
	s.shipments[shipmentID] = r
	return nil
}

func (s *MemoryStore) UpdateTrackingStatus(ctx context.Context, shipmentID, status string, date time.Time, delivered bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.shipments[shipmentID]
	if !ok {
		return fmt.Errorf("shipment %s: %w", shipmentID, shipping.ErrNotFound)
	}
	r.TrackingStatus = status
	r.TrackingStatusDate = &date
	r.Delivered = r.Delivered || delivered
	s.shipments[shipmentID] = r
	return nil
}

func (s *MemoryStore) RolesFor(ctx context.Context, userID, merchantID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.roles[credKey(userID, merchantID)]...), nil
}

var _ Store = (*MemoryStore)(nil)
