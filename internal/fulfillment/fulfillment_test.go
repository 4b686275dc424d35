package fulfillment_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tournevent/cartship/internal/auth"
	"github.com/tournevent/cartship/internal/events"
	"github.com/tournevent/cartship/internal/fulfillment"
	"github.com/tournevent/cartship/internal/shipping"
	"github.com/tournevent/cartship/internal/store"
	"github.com/tournevent/cartship/pkg/carrier"
	"github.com/tournevent/cartship/pkg/carrier/mock"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

type env struct {
	store       *store.MemoryStore
	registry    *carrier.Registry
	integration *mock.Client
	recorder    *events.Recorder
	confirmer   *fulfillment.Confirmer
	tracking    *fulfillment.TrackingSync
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mem := store.NewMemoryStore()
	mem.Grant("owner-1", "m1", "owner")
	require.NoError(t, mem.SaveCredentials(context.Background(), shipping.Credentials{MerchantID: "m1", Integration: "freightcom", APIKey: "key"}))

	registry := carrier.NewRegistry()
	integration := mock.New("freightcom")
	registry.Register(integration)

	recorder := events.NewRecorder()
	logger := otelzap.New(zap.NewNop())
	gate := auth.NewStoreGate(mem)

	return &env{
		store:       mem,
		registry:    registry,
		integration: integration,
		recorder:    recorder,
		confirmer:   fulfillment.NewConfirmer(mem, registry, gate, recorder, logger, nil, nil, time.Second),
		tracking:    fulfillment.NewTrackingSync(mem, registry, recorder, logger, nil, time.Second, 2),
	}
}

func chosenRate() *shipping.RateQuote {
	return &shipping.RateQuote{
		Provider:       "freightcom",
		Carrier:        "ups",
		Label:          "Ground",
		Amount:         decimal.RequireFromString("12.5"),
		Currency:       "CAD",
		ProviderRateID: "rate-1",
		MerchantID:     "m1",
	}
}

func TestConfirm_RecordsTransactionAtomically(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	old := time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC)
	id := e.store.PutShipment(shipping.ShipmentRecord{
		OrderID:            "o1",
		MerchantID:         "m1",
		ChosenRate:         chosenRate(),
		TrackingStatus:     "TRANSIT",
		TrackingStatusDate: &old,
	})

	var purchasedRate string
	e.integration.OnPurchaseTransaction = func(_ context.Context, rateID string, creds carrier.Credentials) (*carrier.Transaction, error) {
		purchasedRate = rateID
		assert.Equal(t, "key", creds.APIKey)
		return &carrier.Transaction{ID: "tx-1", State: "VALID", TrackingNumber: "1Z999", LabelURL: "https://labels/tx-1.pdf"}, nil
	}

	rec, err := e.confirmer.Confirm(ctx, "owner-1", "o1", "m1")
	require.NoError(t, err)
	assert.Equal(t, "rate-1", purchasedRate)
	assert.Equal(t, "tx-1", rec.TransactionID)

	stored, ok := e.store.GetShipment(id)
	require.True(t, ok)
	assert.Equal(t, "tx-1", stored.TransactionID)
	assert.Equal(t, "1Z999", stored.TrackingNumber)
	assert.Equal(t, "https://labels/tx-1.pdf", stored.LabelURL)
	assert.Empty(t, stored.TrackingStatus)
	assert.Nil(t, stored.TrackingStatusDate)

	confirmed := e.recorder.OfType(shipping.EventShipmentConfirmed)
	require.Len(t, confirmed, 1)
	assert.Equal(t, "o1", confirmed[0].OrderID)
	assert.Equal(t, "tx-1", confirmed[0].Data["transaction_id"])

	_, err = e.confirmer.Confirm(ctx, "owner-1", "o1", "m1")
	assert.ErrorIs(t, err, shipping.ErrAlreadyConfirmed)
	assert.Equal(t, 1, e.integration.Calls("PurchaseTransaction"))
}

func TestConfirm_ConcurrentCallsPurchaseOnce(t *testing.T) {
	e := newEnv(t)
	id := e.store.PutShipment(shipping.ShipmentRecord{OrderID: "o1", MerchantID: "m1", ChosenRate: chosenRate()})

	entered := make(chan struct{})
	unblock := make(chan struct{})
	var purchases atomic.Int32
	e.integration.OnPurchaseTransaction = func(context.Context, string, carrier.Credentials) (*carrier.Transaction, error) {
		if purchases.Add(1) == 1 {
			close(entered)
		}
		<-unblock
		return &carrier.Transaction{ID: "tx-1", TrackingNumber: "1Z1", LabelURL: "L1"}, nil
	}

	errs := make(chan error, 2)
	confirm := func() {
		_, err := e.confirmer.Confirm(context.Background(), "owner-1", "o1", "m1")
		errs <- err
	}
	go confirm()
	<-entered
	go confirm()

	// Let the second call reach the lock.
	time.Sleep(20 * time.Millisecond)
	close(unblock)

	var succeeded, rejected int
	for range 2 {
		err := <-errs
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, shipping.ErrAlreadyConfirmed):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, rejected)
	assert.Equal(t, int32(1), purchases.Load())

	stored, _ := e.store.GetShipment(id)
	assert.Equal(t, "tx-1", stored.TransactionID)
}

func TestConfirm_PurchaseFailureLeavesRecordUntouched(t *testing.T) {
	e := newEnv(t)
	id := e.store.PutShipment(shipping.ShipmentRecord{OrderID: "o1", MerchantID: "m1", ChosenRate: chosenRate(), TrackingStatus: "UNKNOWN"})
	e.integration.OnPurchaseTransaction = func(context.Context, string, carrier.Credentials) (*carrier.Transaction, error) {
		return nil, carrier.NewError("freightcom", "RATE_EXPIRED", "rate expired").WithCause(carrier.ErrRateNotFound)
	}

	_, err := e.confirmer.Confirm(context.Background(), "owner-1", "o1", "m1")
	require.Error(t, err)
	assert.ErrorIs(t, err, carrier.ErrRateNotFound)

	stored, _ := e.store.GetShipment(id)
	assert.Empty(t, stored.TransactionID)
	assert.Empty(t, stored.TrackingNumber)
	assert.Empty(t, stored.LabelURL)
	assert.Equal(t, "UNKNOWN", stored.TrackingStatus)
	assert.Empty(t, e.recorder.Events())
}

func TestConfirm_SurvivesCallerCancellation(t *testing.T) {
	e := newEnv(t)
	id := e.store.PutShipment(shipping.ShipmentRecord{OrderID: "o1", MerchantID: "m1", ChosenRate: chosenRate()})

	ctx, cancel := context.WithCancel(context.Background())
	e.integration.OnPurchaseTransaction = func(pctx context.Context, _ string, _ carrier.Credentials) (*carrier.Transaction, error) {
		cancel()
		if err := pctx.Err(); err != nil {
			return nil, err
		}
		return &carrier.Transaction{ID: "tx-2", TrackingNumber: "T2", LabelURL: "L2"}, nil
	}

	_, err := e.confirmer.Confirm(ctx, "owner-1", "o1", "m1")
	require.NoError(t, err)
	stored, _ := e.store.GetShipment(id)
	assert.Equal(t, "tx-2", stored.TransactionID)
}

func TestConfirm_Rejections(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.store.PutShipment(shipping.ShipmentRecord{OrderID: "o-none", MerchantID: "m1"})
	e.store.PutShipment(shipping.ShipmentRecord{OrderID: "o-nocreds", MerchantID: "m2", ChosenRate: chosenRate()})
	e.store.Grant("owner-2", "m2", "admin")

	_, err := e.confirmer.Confirm(ctx, "stranger", "o-none", "m1")
	assert.ErrorIs(t, err, shipping.ErrUnauthorized)

	_, err = e.confirmer.Confirm(ctx, "owner-1", "o-none", "m1")
	assert.ErrorIs(t, err, shipping.ErrNoValidShippingMethod)

	_, err = e.confirmer.Confirm(ctx, "owner-2", "o-nocreds", "m2")
	assert.ErrorIs(t, err, shipping.ErrMissingCredentials)

	assert.Zero(t, e.integration.TotalCalls())
}

func TestTrackingSync_NoEligibleShipments(t *testing.T) {
	e := newEnv(t)
	e.store.PutShipment(shipping.ShipmentRecord{OrderID: "o1", MerchantID: "m1", ChosenRate: chosenRate(), Shipped: false, TransactionID: "tx"})

	ok, err := e.tracking.Sync(context.Background(), "m1", "")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, e.integration.TotalCalls())
}

func TestTrackingSync_UnchangedStatusIsNoop(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.store.PutShipment(shipping.ShipmentRecord{OrderID: "o1", MerchantID: "m1", ChosenRate: chosenRate(), Shipped: true, TransactionID: "tx-1"})

	ok, err := e.tracking.Sync(ctx, "m1", "")
	require.NoError(t, err)
	assert.True(t, ok)
	first, _ := e.store.GetShipment(id)
	assert.Equal(t, "TRANSIT", first.TrackingStatus)
	require.NotNil(t, first.TrackingStatusDate)

	ok, err = e.tracking.Sync(ctx, "m1", "")
	require.NoError(t, err)
	assert.True(t, ok)
	second, _ := e.store.GetShipment(id)
	assert.Equal(t, first, second)
	assert.Empty(t, e.recorder.Events())
	assert.Equal(t, 2, e.integration.Calls("GetTransactionStatus"))
}

func TestTrackingSync_DeliveredEmitsOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.store.PutShipment(shipping.ShipmentRecord{OrderID: "o1", MerchantID: "m1", ChosenRate: chosenRate(), Shipped: true, TransactionID: "tx-1", TrackingNumber: "1Z1"})
	e.store.PutShipment(shipping.ShipmentRecord{OrderID: "o2", MerchantID: "m1", ChosenRate: chosenRate(), Shipped: true, TransactionID: "tx-2"})

	var day int64
	e.integration.OnGetTransactionStatus = func(_ context.Context, txID string, _ carrier.Credentials) (*carrier.TrackingStatus, error) {
		if txID == "tx-2" {
			return &carrier.TrackingStatus{Status: carrier.TrackingTransit, Date: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)}, nil
		}
		d := atomic.AddInt64(&day, 1)
		return &carrier.TrackingStatus{Status: carrier.TrackingDelivered, Date: time.Date(2024, 3, int(d), 12, 0, 0, 0, time.UTC)}, nil
	}

	ok, err := e.tracking.Sync(ctx, "m1", "")
	require.NoError(t, err)
	assert.True(t, ok)

	rec, _ := e.store.GetShipment(id)
	assert.Equal(t, "DELIVERED", rec.TrackingStatus)
	assert.True(t, rec.Delivered)

	delivered := e.recorder.OfType(shipping.EventShipmentDelivered)
	require.Len(t, delivered, 1)
	assert.Equal(t, "o1", delivered[0].OrderID)
	assert.Equal(t, "1Z1", delivered[0].Data["tracking_number"])

	// Delivered shipments are no longer eligible, even for an explicit order.
	_, err = e.tracking.Sync(ctx, "m1", "")
	require.NoError(t, err)
	_, err = e.tracking.Sync(ctx, "m1", "o1")
	require.NoError(t, err)
	assert.Len(t, e.recorder.OfType(shipping.EventShipmentDelivered), 1)
	assert.Equal(t, int64(1), atomic.LoadInt64(&day))
}

func TestTrackingSync_DeliveredEventRetriedAfterEmitFailure(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.store.PutShipment(shipping.ShipmentRecord{OrderID: "o1", MerchantID: "m1", ChosenRate: chosenRate(), Shipped: true, TransactionID: "tx-1"})
	deliveredAt := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	e.integration.OnGetTransactionStatus = func(context.Context, string, carrier.Credentials) (*carrier.TrackingStatus, error) {
		return &carrier.TrackingStatus{Status: carrier.TrackingDelivered, Date: deliveredAt}, nil
	}

	e.recorder.Err = errors.New("broker unavailable")
	ok, err := e.tracking.Sync(ctx, "m1", "")
	assert.False(t, ok)
	require.Error(t, err)
	assert.Empty(t, e.recorder.Events())

	rec, _ := e.store.GetShipment(id)
	assert.Equal(t, "DELIVERED", rec.TrackingStatus)
	assert.False(t, rec.Delivered)

	// Same status date, but the event is still owed.
	e.recorder.Err = nil
	ok, err = e.tracking.Sync(ctx, "m1", "")
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, e.recorder.OfType(shipping.EventShipmentDelivered), 1)

	rec, _ = e.store.GetShipment(id)
	assert.True(t, rec.Delivered)

	_, err = e.tracking.Sync(ctx, "m1", "")
	require.NoError(t, err)
	assert.Len(t, e.recorder.OfType(shipping.EventShipmentDelivered), 1)
	assert.Equal(t, 2, e.integration.Calls("GetTransactionStatus"))
}

func TestTrackingSync_SingleOrder(t *testing.T) {
	e := newEnv(t)
	target := e.store.PutShipment(shipping.ShipmentRecord{OrderID: "o1", MerchantID: "m1", ChosenRate: chosenRate(), Shipped: true, TransactionID: "tx-1"})
	other := e.store.PutShipment(shipping.ShipmentRecord{OrderID: "o2", MerchantID: "m1", ChosenRate: chosenRate(), Shipped: true, TransactionID: "tx-2"})

	ok, err := e.tracking.Sync(context.Background(), "", "o1")
	require.NoError(t, err)
	assert.True(t, ok)

	rec, _ := e.store.GetShipment(target)
	assert.Equal(t, "TRANSIT", rec.TrackingStatus)
	untouched, _ := e.store.GetShipment(other)
	assert.Empty(t, untouched.TrackingStatus)
}

func TestTrackingSync_PartialFailure(t *testing.T) {
	e := newEnv(t)
	good := e.store.PutShipment(shipping.ShipmentRecord{OrderID: "o1", MerchantID: "m1", ChosenRate: chosenRate(), Shipped: true, TransactionID: "tx-ok"})
	e.store.PutShipment(shipping.ShipmentRecord{OrderID: "o2", MerchantID: "m1", ChosenRate: chosenRate(), Shipped: true, TransactionID: "tx-bad"})

	e.integration.OnGetTransactionStatus = func(_ context.Context, txID string, _ carrier.Credentials) (*carrier.TrackingStatus, error) {
		if txID == "tx-bad" {
			return nil, carrier.NewError("freightcom", "NOT_FOUND", "unknown").WithCause(carrier.ErrTransactionNotFound)
		}
		return &carrier.TrackingStatus{Status: carrier.TrackingTransit, Date: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)}, nil
	}

	ok, err := e.tracking.Sync(context.Background(), "m1", "")
	assert.False(t, ok)
	require.Error(t, err)
	assert.True(t, errors.Is(err, carrier.ErrTransactionNotFound))

	rec, _ := e.store.GetShipment(good)
	assert.Equal(t, "TRANSIT", rec.TrackingStatus)
}

func TestTrackingSync_Run(t *testing.T) {
	e := newEnv(t)
	id := e.store.PutShipment(shipping.ShipmentRecord{OrderID: "o1", MerchantID: "m1", ChosenRate: chosenRate(), Shipped: true, TransactionID: "tx-1"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.tracking.Run(ctx, 10*time.Millisecond, []string{"m1"}) }()

	require.Eventually(t, func() bool { return e.integration.Calls("GetTransactionStatus") >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	rec, _ := e.store.GetShipment(id)
	assert.Equal(t, "TRANSIT", rec.TrackingStatus)

	assert.Error(t, e.tracking.Run(context.Background(), 0, nil))
}
