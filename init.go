package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/tournevent/cartship/internal/auth"
	"github.com/tournevent/cartship/internal/config"
	"github.com/tournevent/cartship/internal/events"
	"github.com/tournevent/cartship/internal/fulfillment"
	"github.com/tournevent/cartship/internal/providers"
	"github.com/tournevent/cartship/internal/rates"
	"github.com/tournevent/cartship/internal/server"
	"github.com/tournevent/cartship/internal/store"
	"github.com/tournevent/cartship/internal/telemetry"
	"github.com/tournevent/cartship/pkg/carrier"
	"github.com/tournevent/cartship/pkg/carrier/freightcom"
	"github.com/tournevent/cartship/pkg/carrier/mock"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// app holds the wired services of one process.
type app struct {
	cfg        *config.Config
	logger     *otelzap.Logger
	registry   *carrier.Registry
	gate       auth.Gate
	aggregator *rates.Aggregator
	reconciler *providers.Reconciler
	confirmer  *fulfillment.Confirmer
	tracking   *fulfillment.TrackingSync

	closers []func(context.Context) error
}

func loadConfig() (*config.Config, error) {
	return config.Load()
}

func initLogger(cfg *config.Config) (*otelzap.Logger, error) {
	return telemetry.NewLogger(cfg.LogLevel, cfg.ServiceName)
}

func initTracer(ctx context.Context, cfg *config.Config) (trace.Tracer, func(context.Context) error, error) {
	if !cfg.OTELEnabled {
		return nil, func(context.Context) error { return nil }, nil
	}
	return telemetry.InitTracer(ctx, cfg.OTELEndpoint, cfg.ServiceName, cfg.Version)
}

func initStore(ctx context.Context, cfg *config.Config) (*store.GormStore, error) {
	db, err := store.Open(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		return nil, err
	}
	st := store.NewGormStore(db)
	if err := st.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	return st, nil
}

func initStateStore(ctx context.Context, cfg *config.Config, logger *otelzap.Logger) (rates.StateStore, func(context.Context) error, error) {
	if cfg.RedisURL == "" {
		logger.Info("Quote state kept in memory")
		return rates.NewMemoryStateStore(cfg.QuoteStateTTL), nil, nil
	}
	client, err := rates.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	return rates.NewRedisStateStore(client, cfg.QuoteStateTTL), func(context.Context) error { return client.Close() }, nil
}

func initRegistry(cfg *config.Config, logger *otelzap.Logger, tracer trace.Tracer) *carrier.Registry {
	registry := carrier.NewRegistry()

	if cfg.FreightcomEnabled {
		registry.Register(freightcom.New(freightcom.Config{
			BaseURL: cfg.FreightcomBaseURL,
			Timeout: cfg.FreightcomTimeout,
			UseMock: cfg.FreightcomUseMock,
		}, logger, tracer))
	}
	if cfg.MockEnabled {
		registry.Register(mock.New("mock"))
	}

	logger.Info("Carrier integrations registered", zap.Strings("integrations", registry.Names()))
	return registry
}

func initSink(cfg *config.Config, logger *otelzap.Logger) (events.Sink, func(context.Context) error) {
	if !cfg.KafkaEnabled() {
		return events.NewLogSink(logger), nil
	}
	p := events.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
	return p, func(context.Context) error { return p.Close() }
}

func newApp(ctx context.Context, cfg *config.Config, logger *otelzap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	tracer, shutdownTracer, err := initTracer(ctx, cfg)
	if err != nil {
		logger.Warn("Failed to initialize tracer", zap.Error(err))
	} else {
		a.closers = append(a.closers, shutdownTracer)
	}

	st, err := initStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	states, closeStates, err := initStateStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if closeStates != nil {
		a.closers = append(a.closers, closeStates)
	}

	sink, closeSink := initSink(cfg, logger)
	if closeSink != nil {
		a.closers = append(a.closers, closeSink)
	}

	metrics := telemetry.NewMetrics(nil)
	a.registry = initRegistry(cfg, logger, tracer)
	a.gate = auth.NewStoreGate(st, cfg.ServiceActor)
	a.aggregator = rates.NewAggregator(rates.Config{ProviderTimeout: cfg.ProviderTimeout}, st, a.registry, rates.NewCoordinator(states), logger, tracer, metrics)
	a.reconciler = providers.NewReconciler(st, a.registry, a.gate, logger, metrics, cfg.ProviderTimeout)
	a.confirmer = fulfillment.NewConfirmer(st, a.registry, a.gate, sink, logger, tracer, metrics, cfg.ConfirmTimeout)
	a.tracking = fulfillment.NewTrackingSync(st, a.registry, sink, logger, metrics, cfg.ProviderTimeout, cfg.TrackingConcurrency)
	return a, nil
}

func (a *app) server() *server.Server {
	return server.New(server.Config{Port: a.cfg.Port}, server.Services{
		Aggregator: a.aggregator,
		Reconciler: a.reconciler,
		Confirmer:  a.confirmer,
		Tracking:   a.tracking,
		Gate:       a.gate,
	}, a.logger)
}

// consumer reacts to configuration and order events published by the shop.
func (a *app) consumer() *events.Consumer {
	cfg := events.ConsumerConfig{
		MaxAttempts: a.cfg.ConsumerMaxAttempts,
		Backoff:     a.cfg.ConsumerRetryBackoff,
	}
	if a.cfg.KafkaDeadLetterTopic != "" {
		cfg.DeadLetter = events.NewDeadLetterWriter(a.cfg.KafkaBrokers, a.cfg.KafkaDeadLetterTopic)
	}
	c := events.NewConsumer(events.NewKafkaReader(a.cfg.KafkaBrokers, a.cfg.KafkaCommandsTopic, a.cfg.KafkaGroupID), a.logger, cfg)
	actor := a.cfg.ServiceActor

	c.Handle(events.TypeCarriersChanged, func(ctx context.Context, env events.Envelope) error {
		_, err := a.reconciler.Sync(ctx, actor, env.MerchantID, env.Integration)
		return err
	})
	c.Handle(events.TypeCredentialsRevoked, func(ctx context.Context, env events.Envelope) error {
		return a.reconciler.RevokeCredentials(ctx, actor, env.MerchantID, env.Integration)
	})
	c.Handle(events.TypePaymentCaptured, func(ctx context.Context, env events.Envelope) error {
		_, err := a.confirmer.Confirm(ctx, actor, env.OrderID, env.MerchantID)
		return err
	})
	return c
}

func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
