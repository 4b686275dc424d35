package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tournevent/cartship/internal/events"
	"github.com/tournevent/cartship/internal/shipping"
	"github.com/tournevent/cartship/internal/telemetry"
	"github.com/tournevent/cartship/pkg/carrier"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// TrackingSync refreshes the tracking status of purchased shipments.
type TrackingSync struct {
	store       Store
	registry    *carrier.Registry
	sink        events.Sink
	logger      *otelzap.Logger
	metrics     *telemetry.Metrics
	timeout     time.Duration
	concurrency int
}

// NewTrackingSync creates a TrackingSync querying at most concurrency
// shipments at once.
func NewTrackingSync(st Store, registry *carrier.Registry, sink events.Sink, logger *otelzap.Logger, metrics *telemetry.Metrics, timeout time.Duration, concurrency int) *TrackingSync {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	return &TrackingSync{
		store:       st,
		registry:    registry,
		sink:        sink,
		logger:      logger,
		metrics:     metrics,
		timeout:     timeout,
		concurrency: concurrency,
	}
}

// Sync refreshes the merchant's shipped, undelivered shipments, or only
// those of orderID when it is set. A failing shipment does not stop the
// others; all failures are returned joined.
func (s *TrackingSync) Sync(ctx context.Context, merchantID, orderID string) (bool, error) {
	records, err := s.eligible(ctx, merchantID, orderID)
	if err != nil {
		return false, err
	}
	if len(records) == 0 {
		return true, nil
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, rec := range records {
		g.Go(func() error {
			if err := s.syncOne(gctx, rec); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("shipment %s: %w", rec.ID, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(errs) > 0 {
		return false, errors.Join(errs...)
	}
	return true, nil
}

func (s *TrackingSync) eligible(ctx context.Context, merchantID, orderID string) ([]shipping.ShipmentRecord, error) {
	if orderID == "" {
		records, err := s.store.FindPendingShipments(ctx, merchantID)
		if err != nil {
			return nil, fmt.Errorf("find pending shipments: %w", err)
		}
		return records, nil
	}

	all, err := s.store.ListShipments(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("list shipments: %w", err)
	}
	var records []shipping.ShipmentRecord
	for _, r := range all {
		if merchantID != "" && r.MerchantID != merchantID {
			continue
		}
		if r.Shipped && !r.Delivered && r.TransactionID != "" {
			records = append(records, r)
		}
	}
	return records, nil
}

func (s *TrackingSync) syncOne(ctx context.Context, rec shipping.ShipmentRecord) error {
	if rec.ChosenRate == nil || rec.ChosenRate.Provider == "" {
		return fmt.Errorf("%w: no integration recorded", shipping.ErrNoValidShippingMethod)
	}
	integration := rec.ChosenRate.Provider
	impl, err := s.registry.Get(integration)
	if err != nil {
		return err
	}
	creds, err := s.store.GetCredentials(ctx, rec.MerchantID, integration)
	if err != nil {
		if errors.Is(err, shipping.ErrNotFound) {
			return fmt.Errorf("%w: merchant %s", shipping.ErrMissingCredentials, rec.MerchantID)
		}
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	start := time.Now()
	status, err := impl.GetTransactionStatus(callCtx, rec.TransactionID, carrier.Credentials{APIKey: creds.APIKey})
	cancel()
	if err != nil {
		s.metrics.RecordRequest("tracking", integration, "error", time.Since(start).Seconds())
		return fmt.Errorf("get transaction status: %w", err)
	}
	s.metrics.RecordRequest("tracking", integration, "success", time.Since(start).Seconds())

	newStatus := string(status.Status)
	changed := rec.TrackingStatusDate == nil || !rec.TrackingStatusDate.Equal(status.Date)
	deliver := status.Status == carrier.TrackingDelivered && !rec.Delivered
	if !changed && !deliver {
		return nil
	}

	if changed {
		if err := s.store.UpdateTrackingStatus(ctx, rec.ID, newStatus, status.Date, false); err != nil {
			return fmt.Errorf("update tracking status: %w", err)
		}
		s.metrics.RecordTrackingUpdate(newStatus)

		s.logger.Ctx(ctx).Info("Tracking status updated",
			zap.String("shipment_id", rec.ID),
			zap.String("order_id", rec.OrderID),
			zap.String("status", newStatus),
			zap.Time("status_date", status.Date),
		)
	}
	if !deliver {
		return nil
	}

	// The delivered flag is only set once the event is out, so a failed
	// emit is retried by the next sync.
	ev := events.NewEvent(shipping.EventShipmentDelivered, rec.MerchantID, rec.OrderID, map[string]string{
		"shipment_id":     rec.ID,
		"transaction_id":  rec.TransactionID,
		"tracking_number": rec.TrackingNumber,
	})
	if err := s.sink.Emit(ctx, ev); err != nil {
		return fmt.Errorf("emit delivered event: %w", err)
	}
	if err := s.store.UpdateTrackingStatus(ctx, rec.ID, newStatus, status.Date, true); err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}

// Run syncs every merchant in merchantIDs immediately and then every
// interval until ctx is done.
func (s *TrackingSync) Run(ctx context.Context, interval time.Duration, merchantIDs []string) error {
	if interval <= 0 {
		return fmt.Errorf("tracking interval must be positive, got %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		for _, m := range merchantIDs {
			if _, err := s.Sync(ctx, m, ""); err != nil && ctx.Err() == nil {
				s.logger.Ctx(ctx).Warn("Tracking sync failed", zap.String("merchant_id", m), zap.Error(err))
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
