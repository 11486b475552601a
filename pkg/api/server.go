package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/plateful/entitlements/pkg/httputil"
	"github.com/plateful/entitlements/pkg/middleware"
	"github.com/plateful/entitlements/pkg/observability"
)

// maxWebhookBody caps webhook and API request bodies at 1 MiB.
const maxWebhookBody = 1 << 20

// Server is the public HTTP surface: webhook intake plus the account-facing
// entitlement, authorization, usage, and job endpoints.
type Server struct {
	router          *mux.Router
	logger          *observability.Logger
	webhookHandlers *WebhookHandlers
	accountHandlers *AccountHandlers
	jobHandlers     *JobHandlers
	rateLimiter     *middleware.DistributedRateLimitMiddleware
}

// NewServer creates a new API server
func NewServer(
	logger *observability.Logger,
	webhookHandlers *WebhookHandlers,
	accountHandlers *AccountHandlers,
	jobHandlers *JobHandlers,
	rateLimiter *middleware.DistributedRateLimitMiddleware,
) *Server {
	s := &Server{
		router:          mux.NewRouter(),
		logger:          logger,
		webhookHandlers: webhookHandlers,
		accountHandlers: accountHandlers,
		jobHandlers:     jobHandlers,
		rateLimiter:     rateLimiter,
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	s.router.Use(httputil.RequestIDMiddleware)
	s.router.Use(httputil.LoggingMiddleware(s.logger))
	s.router.Use(httputil.RecoveryMiddleware(s.logger))
	s.router.Use(httputil.MaxBytesMiddleware(maxWebhookBody))
	if s.rateLimiter != nil {
		s.router.Use(s.rateLimiter.Handler)
	}

	s.webhookHandlers.RegisterRoutes(s.router)
	s.accountHandlers.RegisterRoutes(s.router)
	s.jobHandlers.RegisterRoutes(s.router)
}

// Handler returns the root handler wrapped with OpenTelemetry instrumentation.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "entitlements-api")
}

// Router exposes the bare mux, mainly for tests.
func (s *Server) Router() *mux.Router {
	return s.router
}
