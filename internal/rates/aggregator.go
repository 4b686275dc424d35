package rates

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

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
	"golang.org/x/sync/errgroup"
)

const defaultBuyerEmail = "noreply@localhost"

// Store is the data the aggregator reads.
type Store interface {
	store.CartStore
	store.MerchantStore
	store.CredentialStore
	store.ProviderStore
}

// Config holds aggregator settings.
type Config struct {
	// ProviderTimeout bounds every integration call. A timeout is a transport failure.
	ProviderTimeout time.Duration
}

// Aggregator queries carrier integrations for the rates of a cart.
type Aggregator struct {
	cfg         Config
	store       Store
	registry    *carrier.Registry
	coordinator *Coordinator
	logger      *otelzap.Logger
	tracer      trace.Tracer
	metrics     *telemetry.Metrics
}

// NewAggregator creates an Aggregator. tracer and metrics may be nil.
func NewAggregator(cfg Config, st Store, registry *carrier.Registry, coordinator *Coordinator, logger *otelzap.Logger, tracer trace.Tracer, metrics *telemetry.Metrics) *Aggregator {
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 10 * time.Second
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("rates")
	}
	return &Aggregator{
		cfg:         cfg,
		store:       st,
		registry:    registry,
		coordinator: coordinator,
		logger:      logger,
		tracer:      tracer,
		metrics:     metrics,
	}
}

// QuoteResult is the merged outcome of a quote pass.
type QuoteResult struct {
	Quotes       []shipping.RateQuote     `json:"quotes"`
	Status       shipping.QueryStatus     `json:"status"`
	RetryTargets []shipping.RetryTarget   `json:"retry_targets,omitempty"`
	Errors       []shipping.ProviderError `json:"errors,omitempty"`
}

// RatesForCart queries one integration for the rates of the merchant's part
// of the cart.
//
// When retryTargets is non-empty and does not name the integration, nothing
// is queried and retryTargets is returned unchanged. A first transport
// failure, or an empty rate list, returns the integration as the only retry
// target together with an error wrapping shipping.ErrProviderTransport or
// shipping.ErrNoRatesAvailable. The same failure during a retry is terminal
// and wraps shipping.ErrProviderRetryExhausted.
func (a *Aggregator) RatesForCart(ctx context.Context, actor, cartID, merchantID, integration string, providers []shipping.ShippingProvider, retryTargets []shipping.RetryTarget) ([]shipping.RateQuote, []shipping.RetryTarget, error) {
	self := shipping.RetryTarget{ProviderName: integration, IntegrationKey: shipping.RatesIntegrationKey}
	retrying := len(retryTargets) > 0
	if retrying && !containsTarget(retryTargets, self) {
		return nil, retryTargets, nil
	}

	ctx, span := a.tracer.Start(ctx, "rates.RatesForCart", trace.WithAttributes(
		attribute.String("integration", integration),
		attribute.String("merchant_id", merchantID),
		attribute.Bool("retry", retrying),
	))
	defer span.End()

	impl, err := a.registry.Get(integration)
	if err != nil {
		return nil, nil, err
	}

	cart, err := a.authorizedCart(ctx, actor, cartID)
	if err != nil {
		return nil, nil, err
	}

	items := cart.ItemsFor(merchantID)
	if len(items) == 0 {
		return nil, nil, fmt.Errorf("%w: cart %s merchant %s", shipping.ErrEmptyCart, cartID, merchantID)
	}

	merchant, err := a.store.GetMerchant(ctx, merchantID)
	if err != nil {
		return nil, nil, fmt.Errorf("load merchant: %w", err)
	}

	parcel, err := EffectiveParcel(items, merchant)
	if err != nil {
		return nil, nil, err
	}

	creds, err := a.store.GetCredentials(ctx, merchantID, integration)
	if err != nil || creds.APIKey == "" {
		if err != nil && !errors.Is(err, shipping.ErrNotFound) {
			return nil, nil, fmt.Errorf("load credentials: %w", err)
		}
		return nil, nil, fmt.Errorf("%w: merchant %s has no %s api key", shipping.ErrMissingCredentials, merchantID, integration)
	}

	if cart.ShippingAddress == nil {
		return nil, nil, fmt.Errorf("%w: cart %s", shipping.ErrIncompleteShippingAddress, cartID)
	}
	if merchant.Address == nil {
		return nil, nil, fmt.Errorf("%w: merchant %s has no origin address", shipping.ErrIncompleteShippingAddress, merchantID)
	}
	destination := *cart.ShippingAddress
	if destination.Email == "" {
		destination.Email = buyerEmail(cart, merchant)
	}

	accounts, owners := enabledAccounts(providers, integration)
	req := &carrier.QuoteRequest{
		MerchantID:      merchantID,
		Origin:          *merchant.Address,
		Destination:     destination,
		Parcel:          parcel,
		CarrierAccounts: accounts,
	}

	var offers []carrier.RateOffer
	if len(accounts) > 0 {
		offers, err = a.createRateRequest(ctx, impl, req, carrier.Credentials{APIKey: creds.APIKey})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, context.Canceled) {
				return nil, nil, ctxErr
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if errors.Is(err, carrier.ErrAuthenticationFailed) {
				err = fmt.Errorf("%w: %s rejected the api key: %w", shipping.ErrMissingCredentials, integration, err)
			} else {
				err = fmt.Errorf("%w: %s: %w", shipping.ErrProviderTransport, integration, err)
			}
			return a.failOnce(ctx, self, retrying, err)
		}
	}

	if len(offers) == 0 {
		return a.failOnce(ctx, self, retrying, fmt.Errorf("%w: %s returned no rates for %d accounts", shipping.ErrNoRatesAvailable, integration, len(accounts)))
	}

	quotes, err := Normalize(integration, offers, owners)
	if err != nil {
		return nil, nil, err
	}

	a.logger.Ctx(ctx).Info("Rates received",
		zap.String("integration", integration),
		zap.String("merchant_id", merchantID),
		zap.Int("quotes", len(quotes)),
	)
	return quotes, nil, nil
}

// failOnce schedules self for one retry when err is retryable and this is
// not already the retry.
func (a *Aggregator) failOnce(ctx context.Context, self shipping.RetryTarget, retrying bool, err error) ([]shipping.RateQuote, []shipping.RetryTarget, error) {
	if !shipping.IsRetryable(err) {
		a.logger.Ctx(ctx).Warn("Provider query failed", zap.String("integration", self.ProviderName), zap.Error(err))
		return nil, nil, err
	}
	if retrying {
		a.logger.Ctx(ctx).Warn("Provider retry exhausted", zap.String("integration", self.ProviderName), zap.Error(err))
		return nil, nil, fmt.Errorf("%w: %w", shipping.ErrProviderRetryExhausted, err)
	}
	a.logger.Ctx(ctx).Warn("Provider query failed, scheduling retry", zap.String("integration", self.ProviderName), zap.Error(err))
	return nil, []shipping.RetryTarget{self}, err
}

func (a *Aggregator) createRateRequest(ctx context.Context, impl carrier.Integration, req *carrier.QuoteRequest, creds carrier.Credentials) ([]carrier.RateOffer, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.ProviderTimeout)
	defer cancel()

	start := time.Now()
	offers, err := impl.CreateRateRequest(ctx, req, creds)
	status := "success"
	if err != nil {
		status = "error"
		a.metrics.RecordError(impl.Name(), errorType(err))
	}
	a.metrics.RecordRequest("rates", impl.Name(), status, time.Since(start).Seconds())
	return offers, err
}

func (a *Aggregator) authorizedCart(ctx context.Context, actor, cartID string) (*shipping.Cart, error) {
	cart, err := a.store.GetCart(ctx, cartID)
	if err != nil {
		if errors.Is(err, shipping.ErrNotFound) {
			return nil, fmt.Errorf("%w: cart %s", shipping.ErrUnauthorized, cartID)
		}
		return nil, fmt.Errorf("load cart: %w", err)
	}
	if actor == "" || cart.UserID != actor {
		return nil, fmt.Errorf("%w: cart %s", shipping.ErrUnauthorized, cartID)
	}
	return cart, nil
}

// Quote runs a quote pass for the merchant's part of the cart across every
// registered integration the merchant has configured. Integrations that
// succeeded in the previous pass are not queried again while retry targets
// are outstanding; their quotes are carried over.
func (a *Aggregator) Quote(ctx context.Context, actor, cartID, merchantID string) (*QuoteResult, error) {
	if len(a.registry.Names()) == 0 {
		return nil, fmt.Errorf("%w: no integrations configured", shipping.ErrNoRatesAvailable)
	}
	if _, err := a.authorizedCart(ctx, actor, cartID); err != nil {
		return nil, err
	}

	providers, err := a.store.ListProviders(ctx, merchantID, "")
	if err != nil {
		return nil, fmt.Errorf("load providers: %w", err)
	}
	integrations, err := a.configured(ctx, merchantID, providers)
	if err != nil {
		return nil, err
	}
	if len(integrations) == 0 {
		return nil, fmt.Errorf("%w: merchant %s has no integration configured", shipping.ErrNoRatesAvailable, merchantID)
	}

	start := time.Now()
	ctx, span := a.tracer.Start(ctx, "rates.Quote", trace.WithAttributes(
		attribute.String("cart_id", cartID),
		attribute.String("merchant_id", merchantID),
	))
	defer span.End()

	pass, err := a.coordinator.Begin(ctx, cartID, merchantID)
	if err != nil {
		return nil, fmt.Errorf("begin quote pass: %w", err)
	}

	retryTargets := pass.Previous.RetryTargets
	outcomes := make(map[string]*outcome, len(integrations))
	var mu sync.Mutex
	var g errgroup.Group
	for _, name := range integrations {
		if len(retryTargets) > 0 && !containsTarget(retryTargets, shipping.RetryTarget{ProviderName: name, IntegrationKey: shipping.RatesIntegrationKey}) {
			mu.Lock()
			outcomes[name] = carriedOver(name, pass.Previous)
			mu.Unlock()
			continue
		}
		g.Go(func() error {
			quotes, next, err := a.RatesForCart(ctx, actor, cartID, merchantID, name, providers, retryTargets)
			mu.Lock()
			defer mu.Unlock()
			outcomes[name] = &outcome{quotes: quotes, next: next, err: err}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		a.coordinator.Abort(ctx, pass)
		return nil, err
	}

	result := merge(integrations, outcomes)
	state := State{
		Status:       result.Status,
		RetryTargets: result.RetryTargets,
		Quotes:       result.Quotes,
		Errors:       result.Errors,
	}
	if err := a.coordinator.Finish(ctx, pass, state); err != nil {
		return nil, err
	}

	a.metrics.RecordRequest("quote", shipping.AllProviders, string(result.Status.RequestStatus), time.Since(start).Seconds())
	a.logger.Ctx(ctx).Info("Quote pass finished",
		zap.String("cart_id", cartID),
		zap.String("merchant_id", merchantID),
		zap.String("status", string(result.Status.RequestStatus)),
		zap.String("failing_provider", result.Status.FailingProvider),
		zap.Int("quotes", len(result.Quotes)),
		zap.Int("retry_targets", len(result.RetryTargets)),
	)
	return result, nil
}

// configured returns the registered integrations, in name order, for which
// the merchant has provider rows or a stored api key.
func (a *Aggregator) configured(ctx context.Context, merchantID string, providers []shipping.ShippingProvider) ([]string, error) {
	var out []string
	for _, name := range a.registry.Names() {
		if slices.ContainsFunc(providers, func(p shipping.ShippingProvider) bool { return p.Integration == name }) {
			out = append(out, name)
			continue
		}
		creds, err := a.store.GetCredentials(ctx, merchantID, name)
		switch {
		case errors.Is(err, shipping.ErrNotFound):
		case err != nil:
			return nil, fmt.Errorf("load credentials: %w", err)
		case creds.APIKey != "":
			out = append(out, name)
		}
	}
	return out, nil
}

// Status returns the latest pass state for a cart owned by actor.
func (a *Aggregator) Status(ctx context.Context, actor, cartID, merchantID string) (State, error) {
	if _, err := a.authorizedCart(ctx, actor, cartID); err != nil {
		return State{}, err
	}
	return a.coordinator.State(ctx, cartID, merchantID)
}

type outcome struct {
	quotes []shipping.RateQuote
	next   []shipping.RetryTarget
	err    error
	// carried holds an error recorded by the previous pass.
	carried *shipping.ProviderError
}

func carriedOver(name string, prev State) *outcome {
	o := &outcome{}
	for _, q := range prev.Quotes {
		if q.Provider == name {
			o.quotes = append(o.quotes, q)
		}
	}
	for i := range prev.Errors {
		if prev.Errors[i].Provider == name {
			pe := prev.Errors[i]
			o.carried = &pe
			break
		}
	}
	return o
}

// merge combines per-integration outcomes in integration name order.
// FailingProvider is "all" only when every integration failed in this pass;
// errors carried over from the previous pass name their own provider.
func merge(integrations []string, outcomes map[string]*outcome) *QuoteResult {
	result := &QuoteResult{Quotes: []shipping.RateQuote{}}
	var failed []string
	failedNow := 0
	for _, name := range integrations {
		o := outcomes[name]
		if o == nil {
			continue
		}
		result.Quotes = append(result.Quotes, o.quotes...)
		for _, t := range o.next {
			if t.ProviderName == name {
				result.RetryTargets = append(result.RetryTargets, t)
			}
		}
		switch {
		case o.err != nil:
			failed = append(failed, name)
			failedNow++
			result.Errors = append(result.Errors, shipping.ProviderError{
				Provider:  name,
				Message:   o.err.Error(),
				Retryable: len(o.next) > 0,
				Err:       o.err,
			})
		case o.carried != nil:
			failed = append(failed, name)
			result.Errors = append(result.Errors, *o.carried)
		}
	}
	result.Quotes = Dedupe(result.Quotes)

	switch {
	case len(failed) == 0:
		result.Status = shipping.QueryStatus{RequestStatus: shipping.StatusSuccess}
	case failedNow == len(integrations):
		result.Status = shipping.QueryStatus{RequestStatus: shipping.StatusError, FailingProvider: shipping.AllProviders}
	default:
		sort.Strings(failed)
		result.Status = shipping.QueryStatus{RequestStatus: shipping.StatusError, FailingProvider: failed[0]}
	}
	return result
}

// EffectiveParcel picks the largest-volume parcel among the items and
// weighs it as the sum of every item's weight times quantity. Units come
// from the merchant, defaulting to kg and cm.
func EffectiveParcel(items []shipping.CartItem, merchant *shipping.Merchant) (carrier.Parcel, error) {
	var best *carrier.Parcel
	var weight float64
	for _, it := range items {
		if it.Parcel == nil {
			continue
		}
		qty := it.Quantity
		if qty < 1 {
			qty = 1
		}
		weight += it.Parcel.Weight * float64(qty)
		if it.Parcel.Volume() <= 0 {
			continue
		}
		if best == nil || it.Parcel.Volume() > best.Volume() {
			best = it.Parcel
		}
	}
	if best == nil {
		return carrier.Parcel{}, shipping.ErrNoParcelAvailable
	}

	parcel := *best
	parcel.Weight = weight
	parcel.MassUnit = carrier.MassKG
	parcel.DistanceUnit = carrier.DistanceCM
	if merchant != nil && merchant.MassUnit != "" {
		parcel.MassUnit = merchant.MassUnit
	}
	if merchant != nil && merchant.DistanceUnit != "" {
		parcel.DistanceUnit = merchant.DistanceUnit
	}
	return parcel, nil
}

func enabledAccounts(providers []shipping.ShippingProvider, integration string) ([]string, map[string]string) {
	var accounts []string
	owners := make(map[string]string)
	for _, p := range providers {
		if !p.Enabled || p.Integration != integration {
			continue
		}
		if _, dup := owners[p.CarrierAccountID]; dup {
			continue
		}
		accounts = append(accounts, p.CarrierAccountID)
		owners[p.CarrierAccountID] = p.MerchantID
	}
	return accounts, owners
}

func buyerEmail(cart *shipping.Cart, merchant *shipping.Merchant) string {
	switch {
	case cart.Email != "":
		return cart.Email
	case merchant.Email != "":
		return merchant.Email
	default:
		return defaultBuyerEmail
	}
}

func containsTarget(targets []shipping.RetryTarget, t shipping.RetryTarget) bool {
	for _, x := range targets {
		if x == t {
			return true
		}
	}
	return false
}

func errorType(err error) string {
	var cerr *carrier.Error
	if errors.As(err, &cerr) {
		return cerr.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "TIMEOUT"
	}
	return "UNKNOWN"
}
