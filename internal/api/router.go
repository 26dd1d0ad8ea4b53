package api

import (
	"log/slog"
	"net/http"

	"github.com/onnwee/neuralrank/internal/auth"
	"github.com/onnwee/neuralrank/internal/middleware"
	"github.com/onnwee/neuralrank/internal/notify"
	"github.com/onnwee/neuralrank/internal/ranker"
)

// RateLimit pairs a store with the limit it enforces. A nil Store disables
// the tier. Tiers must not share a store, since keys are not namespaced by
// tier.
type RateLimit struct {
	Store  middleware.RateLimitStore
	Config middleware.RateLimitConfig
}

// RouterConfig wires the handlers and middleware of the rankd server.
type RouterConfig struct {
	Registry    *ranker.Registry
	Notices     *notify.Recorder
	Broadcaster *notify.Broadcaster
	Health      *HealthHandlers

	// Auth guards select, state and persist endpoints. Nil leaves them open.
	Auth *auth.JWTService

	Metrics        *middleware.Metrics
	MetricsHandler http.Handler
	Logger         *slog.Logger
	// TracingService enables request spans under this service name.
	TracingService string

	GlobalLimit RateLimit // every request, keyed by client IP
	TrainLimit  RateLimit // selections, keyed by token subject
	AdminLimit  RateLimit // state and persist, keyed by token subject

	// CheckOrigin filters WebSocket origins. Nil accepts all.
	CheckOrigin func(*http.Request) bool
}

// NewRouter builds the route table and wraps it in the middleware stack:
// request ID, tracing, logging, HTTP metrics and the global rate limit.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Auth == nil {
		logger.Warn("JWT secret not configured, mutating ranker endpoints are unauthenticated")
	}

	rankers := NewRankerHandlers(cfg.Registry, cfg.Notices)
	health := cfg.Health
	if health == nil {
		health = NewHealthHandlers(HealthHandlersConfig{Rankers: cfg.Registry})
	}

	guard := func(scope string, limit RateLimit, h http.HandlerFunc) http.Handler {
		var handler http.Handler = h
		if limit.Store != nil {
			handler = middleware.RateLimiter(limit.Store, limit.Config, middleware.SubjectKeyFunc(), cfg.Metrics)(handler)
		}
		if cfg.Auth != nil {
			handler = middleware.RequireAuth(cfg.Auth, scope, middleware.PathRanker, cfg.Metrics)(handler)
		}
		return handler
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", health.Health)
	mux.HandleFunc("/ready", health.Ready)
	if cfg.MetricsHandler != nil {
		mux.Handle("GET /metrics", cfg.MetricsHandler)
	}

	mux.HandleFunc("GET /v1/rankers", rankers.List)
	mux.HandleFunc("GET /v1/rankers/{name}", rankers.Get)
	mux.HandleFunc("POST /v1/rankers/{name}/score", rankers.Score)
	mux.HandleFunc("GET /v1/rankers/{name}/schema", rankers.Schema)
	mux.HandleFunc("GET /v1/rankers/{name}/notices", rankers.Notices)
	mux.Handle("POST /v1/rankers/{name}/select", guard(auth.ScopeTrain, cfg.TrainLimit, rankers.Select))
	mux.Handle("GET /v1/rankers/{name}/state", guard(auth.ScopeAdmin, cfg.AdminLimit, rankers.GetState))
	mux.Handle("PUT /v1/rankers/{name}/state", guard(auth.ScopeAdmin, cfg.AdminLimit, rankers.PutState))
	mux.Handle("POST /v1/rankers/{name}/persist", guard(auth.ScopeAdmin, cfg.AdminLimit, rankers.Persist))

	if cfg.Broadcaster != nil {
		notifications := NewNotificationHandlers(cfg.Registry, cfg.Broadcaster, cfg.CheckOrigin)
		mux.HandleFunc("GET /v1/notifications", notifications.Subscribe)
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r.Context(), http.StatusNotFound, ErrCodeNotFound, "The requested resource was not found")
	})

	var handler http.Handler = mux
	if cfg.GlobalLimit.Store != nil {
		handler = middleware.RateLimiter(cfg.GlobalLimit.Store, cfg.GlobalLimit.Config, middleware.IPKeyFunc(), cfg.Metrics)(handler)
	}
	handler = middleware.HTTPMetrics(cfg.Metrics)(handler)
	handler = middleware.Logging(logger)(handler)
	if cfg.TracingService != "" {
		handler = middleware.Tracing(cfg.TracingService)(handler)
	}
	return middleware.RequestID(handler)
}
