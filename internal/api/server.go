// Package api exposes the authenticated request/response surface and the
// stream surface over one HTTP listener.
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apperrors "github.com/spintel/analytics-server/infrastructure/errors"
	"github.com/spintel/analytics-server/infrastructure/httputil"
	"github.com/spintel/analytics-server/infrastructure/logging"
	"github.com/spintel/analytics-server/infrastructure/metrics"
	"github.com/spintel/analytics-server/infrastructure/middleware"
	"github.com/spintel/analytics-server/internal/analytics"
	"github.com/spintel/analytics-server/internal/auth"
	"github.com/spintel/analytics-server/internal/broker"
	"github.com/spintel/analytics-server/internal/config"
	"github.com/spintel/analytics-server/internal/store"
)

// Server wires every component behind the HTTP surface.
type Server struct {
	cfg     *config.Config
	log     *logging.Logger
	creds   *auth.CredentialStore
	tokens  *auth.TokenService
	store   *store.Store
	engine  *analytics.Engine
	broker  *broker.Broker
	limiter *middleware.FixedWindowLimiter
	metrics *metrics.Metrics

	upgrader  websocket.Upgrader
	startTime time.Time
}

// Dependencies carries the constructed components into NewServer.
type Dependencies struct {
	Config  *config.Config
	Logger  *logging.Logger
	Creds   *auth.CredentialStore
	Tokens  *auth.TokenService
	Store   *store.Store
	Engine  *analytics.Engine
	Broker  *broker.Broker
	Metrics *metrics.Metrics
}

// NewServer builds the API server from its dependencies.
func NewServer(deps Dependencies) *Server {
	return &Server{
		cfg:     deps.Config,
		log:     deps.Logger,
		creds:   deps.Creds,
		tokens:  deps.Tokens,
		store:   deps.Store,
		engine:  deps.Engine,
		broker:  deps.Broker,
		limiter: middleware.NewFixedWindowLimiter(deps.Config.AuthRateLimit, deps.Config.AuthRateWindow, deps.Logger),
		metrics: deps.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Dashboards connect from arbitrary origins; auth happens via
			// bearer tokens, not cookies, so origin checks add nothing.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		startTime: time.Now(),
	}
}

// Limiter exposes the auth limiter for the background sweeper.
func (s *Server) Limiter() *middleware.FixedWindowLimiter {
	return s.limiter
}

// Handler returns the fully assembled HTTP handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	// The stream upgrade is matched inside the router so it shares the
	// outer middleware chain; the writer wrappers pass hijacking through.
	r.HandleFunc("/ws", s.handleStream)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/check", s.handleCheck).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(middleware.NewTimeoutMiddleware(s.cfg.RequestTimeout).Handler)

	api.Handle("/auth/register", s.limiter.Handler(http.HandlerFunc(s.handleRegister))).Methods(http.MethodPost)
	api.Handle("/auth/login", s.limiter.Handler(http.HandlerFunc(s.handleLogin))).Methods(http.MethodPost)
	api.Handle("/auth/verify", s.authenticated(s.handleVerify)).Methods(http.MethodGet)
	api.Handle("/auth/users", s.authenticated(s.requireAdmin(s.handleListUsers))).Methods(http.MethodGet)
	api.Handle("/auth/users/{username}", s.authenticated(s.requireAdmin(s.handleDeleteUser))).Methods(http.MethodDelete)

	api.Handle("/result", s.authenticated(s.handleSubmitResult)).Methods(http.MethodPost)
	api.Handle("/results", s.authenticated(s.handleListResults)).Methods(http.MethodGet)
	api.Handle("/statistics", s.authenticated(s.handleStatistics)).Methods(http.MethodGet)
	api.Handle("/analysis", s.authenticated(s.handleAnalysis)).Methods(http.MethodGet)
	api.Handle("/history", s.authenticated(s.handleListHistory)).Methods(http.MethodGet)
	api.Handle("/export", s.authenticated(s.handleExport)).Methods(http.MethodGet)
	api.Handle("/clear", s.authenticated(s.handleClear)).Methods(http.MethodPost)

	// Outer chain: recovery first so nothing escapes, then CORS (answers
	// preflight before routing), logging, and metrics.
	var handler http.Handler = r
	handler = s.metrics.Handler(handler)
	handler = middleware.LoggingMiddleware(s.log)(handler)
	handler = middleware.NewCORSMiddleware(middleware.CORSConfig{}).Handler(handler)
	handler = middleware.NewRecoveryMiddleware(s.log).Handler(handler)
	return handler
}

// authenticated enforces the bearer token and stores the caller's identity
// in the request context.
func (s *Server) authenticated(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearer(r)
		if token == "" {
			w.Header().Set("WWW-Authenticate", "Bearer")
			httputil.WriteServiceError(w, r, apperrors.Unauthorized("missing bearer token"))
			return
		}
		claims, err := s.tokens.Verify(token)
		if err != nil {
			httputil.WriteServiceError(w, r, err)
			return
		}

		ctx := logging.WithUser(r.Context(), claims.Username)
		ctx = logging.WithRole(ctx, claims.Role)
		next(w, r.WithContext(ctx))
	})
}

// requireAdmin gates admin-only handlers.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if logging.GetRole(r.Context()) != auth.RoleAdmin {
			httputil.WriteServiceError(w, r, apperrors.Forbidden("admin role required"))
			return
		}
		next(w, r)
	}
}

// extractBearer reads the standard Authorization header.
func extractBearer(r *http.Request) string {
	parts := strings.Fields(strings.TrimSpace(r.Header.Get("Authorization")))
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return parts[1]
	}
	return ""
}
