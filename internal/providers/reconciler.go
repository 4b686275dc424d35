// Package providers keeps each merchant's ShippingProvider records in sync
// with the carrier accounts active upstream.
package providers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tournevent/cartship/internal/auth"
	"github.com/tournevent/cartship/internal/shipping"
	"github.com/tournevent/cartship/internal/store"
	"github.com/tournevent/cartship/internal/telemetry"
	"github.com/tournevent/cartship/pkg/carrier"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

// Store is the data the reconciler reads and writes.
type Store interface {
	store.ProviderStore
	store.CredentialStore
}

// Reconciler mirrors upstream carrier accounts into ShippingProvider
// records. Reconciliations for the same merchant never interleave.
type Reconciler struct {
	store    Store
	registry *carrier.Registry
	gate     auth.Gate
	logger   *otelzap.Logger
	metrics  *telemetry.Metrics
	timeout  time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewReconciler creates a Reconciler. metrics may be nil.
func NewReconciler(st Store, registry *carrier.Registry, gate auth.Gate, logger *otelzap.Logger, metrics *telemetry.Metrics, timeout time.Duration) *Reconciler {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Reconciler{
		store:    st,
		registry: registry,
		gate:     gate,
		logger:   logger,
		metrics:  metrics,
		timeout:  timeout,
		locks:    make(map[string]*sync.Mutex),
	}
}

func (r *Reconciler) lock(merchantID string) func() {
	r.mu.Lock()
	l, ok := r.locks[merchantID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[merchantID] = l
	}
	r.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Reconcile makes the merchant's providers for integration match active.
// Records for accounts no longer active are deleted, new accounts get a new
// record; existing records are never modified. When nothing differs no write
// is issued.
func (r *Reconciler) Reconcile(ctx context.Context, merchantID, integration string, active []carrier.CarrierAccount) (bool, error) {
	unlock := r.lock(merchantID)
	defer unlock()

	current, err := r.store.ListProviders(ctx, merchantID, integration)
	if err != nil {
		return false, fmt.Errorf("list providers: %w", err)
	}

	remove, add := diff(merchantID, integration, current, active)
	if len(remove) == 0 && len(add) == 0 {
		return true, nil
	}

	if err := r.store.ApplyProviderDiff(ctx, merchantID, integration, remove, add); err != nil {
		r.logger.Ctx(ctx).Error("Provider reconciliation failed",
			zap.String("merchant_id", merchantID),
			zap.String("integration", integration),
			zap.Error(err),
		)
		return false, fmt.Errorf("%w: merchant %s: %w", shipping.ErrReconciliationWrite, merchantID, err)
	}

	r.metrics.RecordReconciliation(integration, len(remove), len(add))
	r.logger.Ctx(ctx).Info("Providers reconciled",
		zap.String("merchant_id", merchantID),
		zap.String("integration", integration),
		zap.Int("removed", len(remove)),
		zap.Int("added", len(add)),
	)
	return true, nil
}

// diff returns the account ids to delete and the records to insert.
func diff(merchantID, integration string, current []shipping.ShippingProvider, active []carrier.CarrierAccount) ([]string, []shipping.ShippingProvider) {
	upstream := make(map[string]struct{}, len(active))
	for _, a := range active {
		upstream[a.ID] = struct{}{}
	}
	local := make(map[string]struct{}, len(current))
	var remove []string
	for _, p := range current {
		if _, seen := local[p.CarrierAccountID]; seen {
			continue
		}
		local[p.CarrierAccountID] = struct{}{}
		if _, ok := upstream[p.CarrierAccountID]; !ok {
			remove = append(remove, p.CarrierAccountID)
		}
	}

	var add []shipping.ShippingProvider
	for _, a := range active {
		if _, ok := local[a.ID]; ok {
			continue
		}
		local[a.ID] = struct{}{}
		add = append(add, shipping.ShippingProvider{
			ID:               uuid.NewString(),
			MerchantID:       merchantID,
			Integration:      integration,
			CarrierName:      a.Carrier,
			Label:            shipping.CarrierLabel(a.Carrier),
			CarrierAccountID: a.ID,
			Enabled:          true,
		})
	}
	return remove, add
}

// RemoveAll deletes every provider of the merchant for integration. An empty
// integration removes them all.
func (r *Reconciler) RemoveAll(ctx context.Context, merchantID, integration string) (int64, error) {
	unlock := r.lock(merchantID)
	defer unlock()

	n, err := r.store.RemoveProviders(ctx, merchantID, integration)
	if err != nil {
		return 0, fmt.Errorf("%w: merchant %s: %w", shipping.ErrReconciliationWrite, merchantID, err)
	}
	r.metrics.RecordReconciliation(integration, int(n), 0)
	r.logger.Ctx(ctx).Info("Providers removed",
		zap.String("merchant_id", merchantID),
		zap.String("integration", integration),
		zap.Int64("removed", n),
	)
	return n, nil
}

// Sync fetches the merchant's active accounts from the integration and
// reconciles them.
func (r *Reconciler) Sync(ctx context.Context, actor, merchantID, integration string) (bool, error) {
	if err := r.authorize(ctx, actor, merchantID); err != nil {
		return false, err
	}
	impl, err := r.registry.Get(integration)
	if err != nil {
		return false, err
	}

	creds, err := r.store.GetCredentials(ctx, merchantID, integration)
	if err != nil || creds.APIKey == "" {
		if err != nil && !errors.Is(err, shipping.ErrNotFound) {
			return false, fmt.Errorf("load credentials: %w", err)
		}
		return false, fmt.Errorf("%w: merchant %s has no %s api key", shipping.ErrMissingCredentials, merchantID, integration)
	}

	accounts, err := r.listActive(ctx, impl, creds.APIKey)
	if err != nil {
		return false, err
	}
	return r.Reconcile(ctx, merchantID, integration, accounts)
}

// UpdateCredentials checks apiKey against the integration, stores it and
// reconciles the providers with the accounts it exposes.
func (r *Reconciler) UpdateCredentials(ctx context.Context, actor, merchantID, integration, apiKey string) (bool, error) {
	if err := r.authorize(ctx, actor, merchantID); err != nil {
		return false, err
	}
	if apiKey == "" {
		return false, fmt.Errorf("%w: empty api key", shipping.ErrMissingCredentials)
	}
	impl, err := r.registry.Get(integration)
	if err != nil {
		return false, err
	}

	accounts, err := r.listActive(ctx, impl, apiKey)
	if err != nil {
		return false, err
	}
	if err := r.store.SaveCredentials(ctx, shipping.Credentials{MerchantID: merchantID, Integration: integration, APIKey: apiKey}); err != nil {
		return false, fmt.Errorf("save credentials: %w", err)
	}
	return r.Reconcile(ctx, merchantID, integration, accounts)
}

// RevokeCredentials deletes the merchant's key and every provider it backed.
func (r *Reconciler) RevokeCredentials(ctx context.Context, actor, merchantID, integration string) error {
	if err := r.authorize(ctx, actor, merchantID); err != nil {
		return err
	}
	if err := r.store.DeleteCredentials(ctx, merchantID, integration); err != nil {
		return fmt.Errorf("delete credentials: %w", err)
	}
	_, err := r.RemoveAll(ctx, merchantID, integration)
	return err
}

func (r *Reconciler) authorize(ctx context.Context, actor, merchantID string) error {
	ok, err := r.gate.HasRole(ctx, actor, shipping.ShippingRoles, merchantID)
	if err != nil {
		return fmt.Errorf("check roles: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %q on merchant %s", shipping.ErrUnauthorized, actor, merchantID)
	}
	return nil
}

func (r *Reconciler) listActive(ctx context.Context, impl carrier.Integration, apiKey string) ([]carrier.CarrierAccount, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	accounts, err := impl.ListActiveAccounts(ctx, carrier.Credentials{APIKey: apiKey})
	if err != nil {
		r.metrics.RecordRequest("list_accounts", impl.Name(), "error", time.Since(start).Seconds())
		if errors.Is(err, carrier.ErrAuthenticationFailed) {
			return nil, fmt.Errorf("%w: %s rejected the api key: %w", shipping.ErrMissingCredentials, impl.Name(), err)
		}
		return nil, fmt.Errorf("%w: %s: %w", shipping.ErrProviderTransport, impl.Name(), err)
	}
	r.metrics.RecordRequest("list_accounts", impl.Name(), "success", time.Since(start).Seconds())

	active := accounts[:0:0]
	for _, a := range accounts {
		if a.Active {
			active = append(active, a)
		}
	}
	return active, nil
}
