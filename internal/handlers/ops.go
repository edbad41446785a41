package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	cachestore "workshop-backend/internal/infrastructure/cache"
	"workshop-backend/internal/infrastructure/observability"
	"workshop-backend/internal/service/cache"
	"workshop-backend/internal/service/query"
	"workshop-backend/internal/service/response"
)

// OpsHandler serves the operational reports. Every route runs through the
// response optimizer with caching off, so reports are always live but still
// get the uniform headers, envelope and endpoint stats.
type OpsHandler struct {
	cache     *cache.Manager
	queries   *query.Optimizer
	responses *response.Optimizer
	monitor   *observability.Monitor
	collector *observability.Collector
	logger    *zap.Logger
	now       func() time.Time

	// MetricsPath is where the Prometheus scrape endpoint is mounted.
	MetricsPath string
}

func NewOpsHandler(
	manager *cache.Manager,
	queries *query.Optimizer,
	responses *response.Optimizer,
	monitor *observability.Monitor,
	collector *observability.Collector,
	logger *zap.Logger,
) *OpsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpsHandler{
		cache:     manager,
		queries:   queries,
		responses: responses,
		monitor:   monitor,
		collector: collector,
		logger:    logger,
		now:       time.Now,

		MetricsPath: "/metrics",
	}
}

// Routes mounts the ops endpoints on r.
func (h *OpsHandler) Routes(r chi.Router) {
	live := response.SkipCache()

	r.Get("/health", h.responses.HTTPHandler("health", h.Health, live))
	r.Route("/ops", func(r chi.Router) {
		r.Get("/performance", h.responses.HTTPHandler("ops.performance", h.Performance, live))
		r.Get("/performance/slow", h.responses.HTTPHandler("ops.performance.slow", h.SlowOperations, live))
		r.Get("/cache", h.responses.HTTPHandler("ops.cache", h.CacheStats, live))
		r.Post("/cache/clear", h.responses.HTTPHandler("ops.cache.clear", h.ClearCache, live))
		r.Get("/queries", h.responses.HTTPHandler("ops.queries", h.QueryStats, live))
		r.Get("/responses", h.responses.HTTPHandler("ops.responses", h.ResponseStats, live))
		r.Post("/stats/reset", h.responses.HTTPHandler("ops.stats.reset", h.ResetStats, live))
	})
	if h.collector != nil {
		r.Method(http.MethodGet, h.MetricsPath, h.collector.Handler())
	}
}

type HealthResponse struct {
	Status    string                     `json:"status"`
	Score     int                        `json:"score"`
	Cache     cachestore.ConnectionState `json:"cache"`
	Fallback  bool                       `json:"fallback"`
	Timestamp time.Time                  `json:"timestamp"`
}

// Health reports liveness with the last hour's health score. It answers 200
// even when degraded; the status field carries the verdict.
func (h *OpsHandler) Health(ctx context.Context, _ *response.Request) (any, error) {
	summary := h.monitor.Summary(defaultWindow)
	backend := h.cache.Stats(ctx).Backend
	return HealthResponse{
		Status:    summary.Health.Status,
		Score:     summary.Health.Overall,
		Cache:     backend.ConnectionState,
		Fallback:  backend.FallbackActive,
		Timestamp: h.now().UTC(),
	}, nil
}

func (h *OpsHandler) Performance(_ context.Context, req *response.Request) (any, error) {
	window, err := windowParam(req)
	if err != nil {
		return nil, err
	}
	return h.monitor.Summary(window), nil
}

func (h *OpsHandler) SlowOperations(_ context.Context, req *response.Request) (any, error) {
	window, err := windowParam(req)
	if err != nil {
		return nil, err
	}
	top, err := topParam(req)
	if err != nil {
		return nil, err
	}
	return h.monitor.SlowOperations(window, top), nil
}

type CacheStatsResponse struct {
	cache.Stats
	DefaultTTLSeconds float64            `json:"defaultTtlSeconds"`
	PolicySeconds     map[string]float64 `json:"policySeconds"`
}

func (h *OpsHandler) CacheStats(ctx context.Context, _ *response.Request) (any, error) {
	policy := h.cache.Policy()
	rules := policy.Rules()
	seconds := make(map[string]float64, len(rules))
	for prefix, ttl := range rules {
		seconds[prefix] = ttl.Seconds()
	}
	return CacheStatsResponse{
		Stats:             h.cache.Stats(ctx),
		DefaultTTLSeconds: policy.Default.Seconds(),
		PolicySeconds:     seconds,
	}, nil
}

func (h *OpsHandler) ClearCache(ctx context.Context, req *response.Request) (any, error) {
	if err := h.cache.Clear(ctx); err != nil {
		return nil, err
	}
	h.logger.Info("Cache cleared via ops endpoint", zap.String("caller", req.Caller))
	return map[string]any{"cleared": true, "timestamp": h.now().UTC()}, nil
}

func (h *OpsHandler) QueryStats(context.Context, *response.Request) (any, error) {
	return h.queries.PerformanceStats(), nil
}

func (h *OpsHandler) ResponseStats(context.Context, *response.Request) (any, error) {
	return map[string]any{"endpoints": h.responses.Stats()}, nil
}

// ResetStats zeroes the optimizer tables. Monitor records age out on their
// own retention schedule.
func (h *OpsHandler) ResetStats(context.Context, *response.Request) (any, error) {
	h.queries.ResetStats()
	h.responses.ResetStats()
	h.logger.Info("Optimizer statistics reset")
	return map[string]any{"reset": true}, nil
}
