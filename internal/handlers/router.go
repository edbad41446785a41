package handlers

import (
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"workshop-backend/internal/infrastructure/observability"
	"workshop-backend/internal/middleware"
)

type RouterConfig struct {
	RequestTimeout time.Duration
	Tracing        bool
}

// NewRouter builds the HTTP surface. Mount registers additional route
// groups, such as product endpoints wrapped by the response optimizer.
func NewRouter(ops *OpsHandler, cfg RouterConfig, logger *zap.Logger, mount ...func(chi.Router)) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	if cfg.Tracing {
		r.Use(observability.TracingMiddleware())
	}
	r.Use(middleware.Recovery(logger))
	if cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(cfg.RequestTimeout, logger))
	}
	r.Use(middleware.Caller)
	r.Use(middleware.CircuitBreaker(middleware.DefaultCircuitBreakerConfig("http"), logger))

	ops.Routes(r)
	for _, m := range mount {
		m(r)
	}
	return r
}
