package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tournevent/cartship/internal/auth"
	"github.com/tournevent/cartship/internal/fulfillment"
	"github.com/tournevent/cartship/internal/providers"
	"github.com/tournevent/cartship/internal/rates"
	"github.com/tournevent/cartship/internal/shipping"
	"github.com/tournevent/cartship/pkg/carrier"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

// ActorHeader carries the id of the authenticated caller.
const ActorHeader = "X-Actor-ID"

// Server is the HTTP server for the shipping service.
type Server struct {
	port   int
	svc    Services
	logger *otelzap.Logger
}

// Config holds server configuration.
type Config struct {
	Port int
}

// Services are the operations exposed over HTTP.
type Services struct {
	Aggregator *rates.Aggregator
	Reconciler *providers.Reconciler
	Confirmer  *fulfillment.Confirmer
	Tracking   *fulfillment.TrackingSync
	Gate       auth.Gate
}

// New creates a new server instance.
func New(cfg Config, svc Services, logger *otelzap.Logger) *Server {
	return &Server{
		port:   cfg.Port,
		svc:    svc,
		logger: logger,
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/carts/{cartID}/merchants/{merchantID}", func(r chi.Router) {
		r.Post("/quotes", s.handleQuote)
		r.Get("/status", s.handleQuoteStatus)
	})

	r.Route("/merchants/{merchantID}", func(r chi.Router) {
		r.Post("/integrations/{integration}/sync", s.handleSyncProviders)
		r.Put("/integrations/{integration}/credentials", s.handleUpdateCredentials)
		r.Delete("/integrations/{integration}/credentials", s.handleRevokeCredentials)
		r.Delete("/integrations/{integration}/providers", s.handleRemoveProviders)
		r.Post("/tracking/sync", s.handleTrackingSync)
	})

	r.Post("/orders/{orderID}/merchants/{merchantID}/confirm", s.handleConfirm)

	return r
}

// Run starts the HTTP server and blocks until context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting server", zap.Int("port", s.port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Ctx(r.Context()).Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Aggregator.Quote(r.Context(), actor(r), chi.URLParam(r, "cartID"), chi.URLParam(r, "merchantID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type statusResponse struct {
	Status       shipping.QueryStatus     `json:"status"`
	Pending      bool                     `json:"pending"`
	RetryTargets []shipping.RetryTarget   `json:"retry_targets,omitempty"`
	Quotes       []shipping.RateQuote     `json:"quotes"`
	Errors       []shipping.ProviderError `json:"errors,omitempty"`
}

func (s *Server) handleQuoteStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Aggregator.Status(r.Context(), actor(r), chi.URLParam(r, "cartID"), chi.URLParam(r, "merchantID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	quotes := st.Quotes
	if quotes == nil {
		quotes = []shipping.RateQuote{}
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status:       st.Status,
		Pending:      st.Status.RequestStatus == shipping.StatusPending,
		RetryTargets: st.RetryTargets,
		Quotes:       quotes,
		Errors:       st.Errors,
	})
}

func (s *Server) handleSyncProviders(w http.ResponseWriter, r *http.Request) {
	ok, err := s.svc.Reconciler.Sync(r.Context(), actor(r), chi.URLParam(r, "merchantID"), chi.URLParam(r, "integration"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"reconciled": ok})
}

type credentialsRequest struct {
	APIKey string `json:"api_key"`
}

func (s *Server) handleUpdateCredentials(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}
	ok, err := s.svc.Reconciler.UpdateCredentials(r.Context(), actor(r), chi.URLParam(r, "merchantID"), chi.URLParam(r, "integration"), req.APIKey)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"reconciled": ok})
}

func (s *Server) handleRevokeCredentials(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Reconciler.RevokeCredentials(r.Context(), actor(r), chi.URLParam(r, "merchantID"), chi.URLParam(r, "integration")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveProviders(w http.ResponseWriter, r *http.Request) {
	merchantID := chi.URLParam(r, "merchantID")
	if err := s.authorize(r, merchantID); err != nil {
		s.writeError(w, r, err)
		return
	}
	n, err := s.svc.Reconciler.RemoveAll(r.Context(), merchantID, chi.URLParam(r, "integration"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"removed": n})
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.Confirmer.Confirm(r.Context(), actor(r), chi.URLParam(r, "orderID"), chi.URLParam(r, "merchantID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type trackingResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (s *Server) handleTrackingSync(w http.ResponseWriter, r *http.Request) {
	merchantID := chi.URLParam(r, "merchantID")
	if err := s.authorize(r, merchantID); err != nil {
		s.writeError(w, r, err)
		return
	}
	ok, err := s.svc.Tracking.Sync(r.Context(), merchantID, r.URL.Query().Get("order_id"))
	resp := trackingResponse{OK: ok}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) authorize(r *http.Request, merchantID string) error {
	ok, err := s.svc.Gate.HasRole(r.Context(), actor(r), shipping.ShippingRoles, merchantID)
	if err != nil {
		return err
	}
	if !ok {
		return shipping.ErrUnauthorized
	}
	return nil
}

func actor(r *http.Request) string {
	return r.Header.Get(ActorHeader)
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Ctx(r.Context()).Error("Request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, shipping.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, shipping.ErrNotFound), errors.Is(err, carrier.ErrIntegrationNotFound):
		return http.StatusNotFound
	case errors.Is(err, shipping.ErrAlreadyConfirmed):
		return http.StatusConflict
	case errors.Is(err, shipping.ErrEmptyCart),
		errors.Is(err, shipping.ErrNoParcelAvailable),
		errors.Is(err, shipping.ErrMissingCredentials),
		errors.Is(err, shipping.ErrIncompleteShippingAddress),
		errors.Is(err, shipping.ErrNoValidShippingMethod):
		return http.StatusUnprocessableEntity
	case errors.Is(err, shipping.ErrNoRatesAvailable),
		errors.Is(err, shipping.ErrProviderTransport),
		errors.Is(err, shipping.ErrProviderRetryExhausted):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	var cerr *carrier.Error
	if errors.As(err, &cerr) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
