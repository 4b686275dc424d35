// Package fulfillment purchases chosen rates and keeps the tracking status
// of purchased shipments up to date.
package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tournevent/cartship/internal/auth"
	"github.com/tournevent/cartship/internal/events"
	"github.com/tournevent/cartship/internal/keylock"
	"github.com/tournevent/cartship/internal/shipping"
	"github.com/tournevent/cartship/internal/store"
	"github.com/tournevent/cartship/internal/telemetry"
	"github.com/tournevent/cartship/pkg/carrier"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// Store is the data fulfillment reads and writes.
type Store interface {
	store.ShipmentStore
	store.CredentialStore
}

// Confirmer purchases the rate chosen for an order's shipment.
type Confirmer struct {
	store    Store
	registry *carrier.Registry
	gate     auth.Gate
	sink     events.Sink
	logger   *otelzap.Logger
	tracer   trace.Tracer
	metrics  *telemetry.Metrics
	timeout  time.Duration
	locks    *keylock.Locks
}

// NewConfirmer creates a Confirmer. timeout bounds the purchase call; tracer
// and metrics may be nil.
func NewConfirmer(st Store, registry *carrier.Registry, gate auth.Gate, sink events.Sink, logger *otelzap.Logger, tracer trace.Tracer, metrics *telemetry.Metrics, timeout time.Duration) *Confirmer {
	if timeout <= 0 {
		timeout = time.Minute
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("fulfillment")
	}
	return &Confirmer{
		store:    st,
		registry: registry,
		gate:     gate,
		sink:     sink,
		logger:   logger,
		tracer:   tracer,
		metrics:  metrics,
		timeout:  timeout,
		locks:    keylock.New(),
	}
}

// Confirm buys the transaction for the rate chosen on the order's shipment
// from merchantID and records its label, tracking number and transaction id.
// Once the purchase has started it runs to completion even if ctx is
// cancelled. The record is left untouched when the purchase fails.
func (c *Confirmer) Confirm(ctx context.Context, actor, orderID, merchantID string) (*shipping.ShipmentRecord, error) {
	ok, err := c.gate.HasRole(ctx, actor, shipping.ShippingRoles, merchantID)
	if err != nil {
		return nil, fmt.Errorf("check roles: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %q on merchant %s", shipping.ErrUnauthorized, actor, merchantID)
	}

	// One purchase per (order, merchant) at a time within the process.
	release, err := c.locks.Acquire(ctx, orderID+"/"+merchantID)
	if err != nil {
		return nil, err
	}
	defer release()

	rec, err := c.selectedShipment(ctx, orderID, merchantID)
	if err != nil {
		return nil, err
	}
	if rec.Confirmed() {
		return nil, fmt.Errorf("%w: order %s merchant %s", shipping.ErrAlreadyConfirmed, orderID, merchantID)
	}

	integration := rec.ChosenRate.Provider
	impl, err := c.registry.Get(integration)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", shipping.ErrNoValidShippingMethod, err)
	}

	creds, err := c.store.GetCredentials(ctx, merchantID, integration)
	if err != nil || creds.APIKey == "" {
		if err != nil && !errors.Is(err, shipping.ErrNotFound) {
			return nil, fmt.Errorf("load credentials: %w", err)
		}
		return nil, fmt.Errorf("%w: merchant %s has no %s api key", shipping.ErrMissingCredentials, merchantID, integration)
	}

	// Detached from the caller: a started purchase always runs to completion.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	ctx, span := c.tracer.Start(ctx, "fulfillment.Confirm", trace.WithAttributes(
		attribute.String("order_id", orderID),
		attribute.String("merchant_id", merchantID),
		attribute.String("integration", integration),
	))
	defer span.End()

	start := time.Now()
	tx, err := impl.PurchaseTransaction(ctx, rec.ChosenRate.ProviderRateID, carrier.Credentials{APIKey: creds.APIKey})
	if err == nil && (tx == nil || tx.ID == "") {
		err = errors.New("integration returned no transaction")
	}
	if err != nil {
		c.metrics.RecordRequest("purchase", integration, "error", time.Since(start).Seconds())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Ctx(ctx).Error("Transaction purchase failed",
			zap.String("order_id", orderID),
			zap.String("merchant_id", merchantID),
			zap.String("rate_id", rec.ChosenRate.ProviderRateID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("purchase rate %s: %w", rec.ChosenRate.ProviderRateID, err)
	}
	c.metrics.RecordRequest("purchase", integration, "success", time.Since(start).Seconds())

	fields := shipping.TransactionFields{
		LabelURL:       tx.LabelURL,
		TrackingNumber: tx.TrackingNumber,
		TransactionID:  tx.ID,
	}
	if err := c.store.RecordTransaction(ctx, rec.ID, fields); err != nil {
		c.logger.Ctx(ctx).Error("Purchased transaction could not be recorded",
			zap.String("order_id", orderID),
			zap.String("transaction_id", tx.ID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("record transaction %s: %w", tx.ID, err)
	}

	rec.LabelURL = fields.LabelURL
	rec.TrackingNumber = fields.TrackingNumber
	rec.TransactionID = fields.TransactionID
	rec.TrackingStatus = ""
	rec.TrackingStatusDate = nil

	ev := events.NewEvent(shipping.EventShipmentConfirmed, merchantID, orderID, map[string]string{
		"shipment_id":     rec.ID,
		"transaction_id":  tx.ID,
		"tracking_number": tx.TrackingNumber,
		"label_url":       tx.LabelURL,
	})
	if err := c.sink.Emit(ctx, ev); err != nil {
		c.logger.Ctx(ctx).Warn("Failed to emit confirmation event", zap.String("order_id", orderID), zap.Error(err))
	}

	c.logger.Ctx(ctx).Info("Shipment confirmed",
		zap.String("order_id", orderID),
		zap.String("merchant_id", merchantID),
		zap.String("transaction_id", tx.ID),
		zap.String("tracking_number", tx.TrackingNumber),
	)
	return &rec, nil
}

func (c *Confirmer) selectedShipment(ctx context.Context, orderID, merchantID string) (shipping.ShipmentRecord, error) {
	records, err := c.store.ListShipments(ctx, orderID)
	if err != nil {
		return shipping.ShipmentRecord{}, fmt.Errorf("list shipments: %w", err)
	}
	for _, r := range records {
		if r.MerchantID == merchantID && r.ChosenRate != nil && r.ChosenRate.ProviderRateID != "" {
			return r, nil
		}
	}
	return shipping.ShipmentRecord{}, fmt.Errorf("%w: order %s merchant %s", shipping.ErrNoValidShippingMethod, orderID, merchantID)
}
