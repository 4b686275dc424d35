package providers_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tournevent/cartship/internal/auth"
	"github.com/tournevent/cartship/internal/providers"
	"github.com/tournevent/cartship/internal/shipping"
	"github.com/tournevent/cartship/internal/store"
	"github.com/tournevent/cartship/pkg/carrier"
	"github.com/tournevent/cartship/pkg/carrier/mock"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

// countingStore counts provider writes.
type countingStore struct {
	*store.MemoryStore
	mu     sync.Mutex
	writes int
}

func (s *countingStore) ApplyProviderDiff(ctx context.Context, merchantID, integration string, remove []string, add []shipping.ShippingProvider) error {
	s.mu.Lock()
	s.writes++
	s.mu.Unlock()
	return s.MemoryStore.ApplyProviderDiff(ctx, merchantID, integration, remove, add)
}

func (s *countingStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func newReconciler(t *testing.T) (*providers.Reconciler, *countingStore, *mock.Client) {
	t.Helper()
	mem := store.NewMemoryStore()
	mem.Grant("owner-1", "m1", "owner")
	st := &countingStore{MemoryStore: mem}

	registry := carrier.NewRegistry()
	integration := mock.New("freightcom")
	registry.Register(integration)

	gate := auth.NewStoreGate(mem, "svc")
	return providers.NewReconciler(st, registry, gate, otelzap.New(zap.NewNop()), nil, 0), st, integration
}

func accountIDs(ps []shipping.ShippingProvider) []string {
	ids := make([]string, len(ps))
	for i, p := range ps {
		ids[i] = p.CarrierAccountID
	}
	return ids
}

func TestReconcile_Diff(t *testing.T) {
	r, st, _ := newReconciler(t)
	ctx := context.Background()

	ok, err := r.Reconcile(ctx, "m1", "freightcom", []carrier.CarrierAccount{
		{ID: "A", Carrier: "usps", Active: true},
		{ID: "B", Carrier: "ups", Active: true},
	})
	require.NoError(t, err)
	assert.True(t, ok)

	before, err := st.ListProviders(ctx, "m1", "freightcom")
	require.NoError(t, err)
	var keptB shipping.ShippingProvider
	for _, p := range before {
		if p.CarrierAccountID == "B" {
			keptB = p
		}
	}

	ok, err = r.Reconcile(ctx, "m1", "freightcom", []carrier.CarrierAccount{
		{ID: "B", Carrier: "ups", Active: true},
		{ID: "C", Carrier: "dhl_express", Active: true},
	})
	require.NoError(t, err)
	assert.True(t, ok)

	after, err := st.ListProviders(ctx, "m1", "freightcom")
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "C"}, accountIDs(after))
	assert.Equal(t, keptB, after[0], "existing record must not be rewritten")
	assert.Equal(t, "DHL EXPRESS", after[1].Label)
	assert.Equal(t, "dhl_express", after[1].CarrierName)
	assert.True(t, after[1].Enabled)
	assert.Equal(t, 2, st.Writes())
}

func TestReconcile_Idempotent(t *testing.T) {
	r, st, _ := newReconciler(t)
	ctx := context.Background()
	snapshot := []carrier.CarrierAccount{
		{ID: "A", Carrier: "usps", Active: true},
		{ID: "B", Carrier: "ups", Active: true},
	}

	_, err := r.Reconcile(ctx, "m1", "freightcom", snapshot)
	require.NoError(t, err)
	first, err := st.ListProviders(ctx, "m1", "freightcom")
	require.NoError(t, err)
	writes := st.Writes()

	ok, err := r.Reconcile(ctx, "m1", "freightcom", snapshot)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, writes, st.Writes())

	second, err := st.ListProviders(ctx, "m1", "freightcom")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestReconcile_DuplicateUpstreamAccounts(t *testing.T) {
	r, st, _ := newReconciler(t)
	ctx := context.Background()

	_, err := r.Reconcile(ctx, "m1", "freightcom", []carrier.CarrierAccount{
		{ID: "A", Carrier: "usps"},
		{ID: "A", Carrier: "usps"},
	})
	require.NoError(t, err)

	ps, err := st.ListProviders(ctx, "m1", "")
	require.NoError(t, err)
	assert.Len(t, ps, 1)
}

func TestReconcile_WriteFailurePropagates(t *testing.T) {
	r, st, _ := newReconciler(t)
	st.FailProviderWrites = errors.New("disk full")

	ok, err := r.Reconcile(context.Background(), "m1", "freightcom", []carrier.CarrierAccount{{ID: "A", Carrier: "usps"}})
	assert.False(t, ok)
	assert.ErrorIs(t, err, shipping.ErrReconciliationWrite)
	assert.Contains(t, err.Error(), "disk full")

	_, err = r.RemoveAll(context.Background(), "m1", "freightcom")
	assert.ErrorIs(t, err, shipping.ErrReconciliationWrite)
}

func TestReconcile_ConcurrentSameMerchant(t *testing.T) {
	r, st, _ := newReconciler(t)
	ctx := context.Background()
	snapshot := []carrier.CarrierAccount{{ID: "A", Carrier: "usps"}, {ID: "B", Carrier: "ups"}}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Reconcile(ctx, "m1", "freightcom", snapshot)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	ps, err := st.ListProviders(ctx, "m1", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, accountIDs(ps))
	assert.Equal(t, 1, st.Writes())
}

func TestSync(t *testing.T) {
	r, st, integration := newReconciler(t)
	ctx := context.Background()
	require.NoError(t, st.SaveCredentials(ctx, shipping.Credentials{MerchantID: "m1", Integration: "freightcom", APIKey: "key"}))

	ok, err := r.Sync(ctx, "owner-1", "m1", "freightcom")
	require.NoError(t, err)
	assert.True(t, ok)

	ps, err := st.ListProviders(ctx, "m1", "freightcom")
	require.NoError(t, err)
	assert.Equal(t, []string{"freightcom-acct-ups", "freightcom-acct-usps"}, accountIDs(ps))
	assert.Equal(t, 1, integration.Calls("ListActiveAccounts"))
}

func TestSync_Rejections(t *testing.T) {
	r, st, integration := newReconciler(t)
	ctx := context.Background()

	_, err := r.Sync(ctx, "stranger", "m1", "freightcom")
	assert.ErrorIs(t, err, shipping.ErrUnauthorized)

	_, err = r.Sync(ctx, "owner-1", "m1", "freightcom")
	assert.ErrorIs(t, err, shipping.ErrMissingCredentials)
	assert.Zero(t, integration.TotalCalls())

	require.NoError(t, st.SaveCredentials(ctx, shipping.Credentials{MerchantID: "m1", Integration: "freightcom", APIKey: "key"}))
	integration.OnListActiveAccounts = func(context.Context, carrier.Credentials) ([]carrier.CarrierAccount, error) {
		return nil, carrier.NewError("freightcom", "HTTP_500", "boom").WithRetryable(true)
	}
	_, err = r.Sync(ctx, "owner-1", "m1", "freightcom")
	assert.ErrorIs(t, err, shipping.ErrProviderTransport)
	assert.Zero(t, st.Writes())

	_, err = r.Sync(ctx, "owner-1", "m1", "unknown")
	assert.ErrorIs(t, err, carrier.ErrIntegrationNotFound)
}

func TestUpdateAndRevokeCredentials(t *testing.T) {
	r, st, integration := newReconciler(t)
	ctx := context.Background()

	integration.OnListActiveAccounts = func(_ context.Context, creds carrier.Credentials) ([]carrier.CarrierAccount, error) {
		if creds.APIKey == "bad" {
			return nil, carrier.NewError("freightcom", "UNAUTHORIZED", "bad key").WithCause(carrier.ErrAuthenticationFailed)
		}
		return []carrier.CarrierAccount{
			{ID: creds.APIKey + "-1", Carrier: "usps", Active: true},
			{ID: creds.APIKey + "-2", Carrier: "ups", Active: false},
		}, nil
	}

	_, err := r.UpdateCredentials(ctx, "owner-1", "m1", "freightcom", "bad")
	assert.ErrorIs(t, err, shipping.ErrMissingCredentials)
	_, err = st.GetCredentials(ctx, "m1", "freightcom")
	assert.ErrorIs(t, err, shipping.ErrNotFound)

	_, err = r.UpdateCredentials(ctx, "owner-1", "m1", "freightcom", "k1")
	require.NoError(t, err)
	_, err = r.UpdateCredentials(ctx, "svc", "m1", "freightcom", "k2")
	require.NoError(t, err)

	ps, err := st.ListProviders(ctx, "m1", "freightcom")
	require.NoError(t, err)
	assert.Equal(t, []string{"k2-1"}, accountIDs(ps))

	creds, err := st.GetCredentials(ctx, "m1", "freightcom")
	require.NoError(t, err)
	assert.Equal(t, "k2", creds.APIKey)

	assert.ErrorIs(t, r.RevokeCredentials(ctx, "stranger", "m1", "freightcom"), shipping.ErrUnauthorized)
	require.NoError(t, r.RevokeCredentials(ctx, "owner-1", "m1", "freightcom"))

	ps, err = st.ListProviders(ctx, "m1", "")
	require.NoError(t, err)
	assert.Empty(t, ps)
	_, err = st.GetCredentials(ctx, "m1", "freightcom")
	assert.ErrorIs(t, err, shipping.ErrNotFound)
}
