// Package api provides the billing HTTP API.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/kamilpajak/pagewise/internal/auth"
	"github.com/kamilpajak/pagewise/internal/billing"
	"github.com/kamilpajak/pagewise/internal/database"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// AccountStore defines the account operations used by the API.
type AccountStore interface {
	GetOrCreateAccount(ctx context.Context, externalID, email string) (*database.Account, error)
	GetAccountByExternalID(ctx context.Context, externalID string) (*database.Account, error)
}

// QuotaService answers quota checks and records consumption.
type QuotaService interface {
	Snapshot(ctx context.Context, accountID uuid.UUID) (*billing.Snapshot, error)
	CheckAndReserve(ctx context.Context, accountID uuid.UUID, requiredPages int) (*billing.Decision, error)
	Record(ctx context.Context, accountID uuid.UUID, pages int, sourceRef string) (*billing.Recording, error)
}

// CheckoutService starts Stripe checkout and portal sessions.
type CheckoutService interface {
	StartCheckout(ctx context.Context, req billing.CheckoutRequest) (string, error)
	PortalURL(ctx context.Context, accountID uuid.UUID, returnURL string) (string, error)
}

// Server is the API server.
type Server struct {
	accounts     AccountStore
	quota        QuotaService
	checkout     CheckoutService
	catalog      *billing.Catalog
	webhook      http.Handler
	verifier     auth.TokenVerifier
	serviceToken string
	limiters     *limiterSet
	gatherer     prometheus.Gatherer
	healthCheck  func(ctx context.Context) error
	log          logrus.FieldLogger
	mux          *http.ServeMux
}

// Config holds API server configuration.
type Config struct {
	Accounts     AccountStore
	Quota        QuotaService
	Checkout     CheckoutService
	Catalog      *billing.Catalog
	Webhook      http.Handler
	Verifier     auth.TokenVerifier
	ServiceToken string

	// QuotaRate limits quota calls per account per second. Zero disables it.
	QuotaRate  rate.Limit
	QuotaBurst int

	// Gatherer backs GET /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
	// HealthCheck reports storage reachability for GET /health.
	HealthCheck func(ctx context.Context) error
	Log         logrus.FieldLogger
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	s := &Server{
		accounts:     cfg.Accounts,
		quota:        cfg.Quota,
		checkout:     cfg.Checkout,
		catalog:      cfg.Catalog,
		webhook:      cfg.Webhook,
		verifier:     cfg.Verifier,
		serviceToken: cfg.ServiceToken,
		limiters:     newLimiterSet(defaultLimiterCacheSize, cfg.QuotaRate, cfg.QuotaBurst),
		gatherer:     cfg.Gatherer,
		healthCheck:  cfg.HealthCheck,
		log:          cfg.Log,
		mux:          http.NewServeMux(),
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	authMiddleware := auth.Middleware(s.verifier)
	serviceMiddleware := auth.ServiceMiddleware(s.serviceToken)

	// Public endpoints
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	s.mux.HandleFunc("GET /api/plans", s.handleListPlans)
	s.mux.Handle("POST /api/billing/webhook", s.webhook)

	// Authenticated endpoints
	s.mux.HandleFunc("POST /api/auth/sync", s.withMiddleware(authMiddleware, s.handleAuthSync))
	s.mux.HandleFunc("GET /api/me", s.withMiddleware(authMiddleware, s.handleGetMe))
	s.mux.HandleFunc("GET /api/usage", s.withMiddleware(authMiddleware, s.handleGetUsage))
	s.mux.HandleFunc("POST /api/billing/checkout", s.withMiddleware(authMiddleware, s.handleCreateCheckout))
	s.mux.HandleFunc("POST /api/billing/portal", s.withMiddleware(authMiddleware, s.handleCreatePortal))

	// Internal endpoints called by the document pipeline
	s.mux.HandleFunc("POST /internal/quota/check", s.withMiddleware(serviceMiddleware, s.handleQuotaCheck))
	s.mux.HandleFunc("POST /internal/usage", s.withMiddleware(serviceMiddleware, s.handleRecordUsage))
}

func (s *Server) withMiddleware(middleware func(http.Handler) http.Handler, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		middleware(http.HandlerFunc(handler)).ServeHTTP(w, r)
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Add CORS headers
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.healthCheck != nil {
		if err := s.healthCheck(r.Context()); err != nil {
			s.log.WithError(err).Warn("health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"plans": s.catalog.Plans()})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func readJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}
