// Package response wraps endpoint handlers with request sanitising, response
// caching, payload shaping and per-endpoint statistics.
package response

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	apperrors "workshop-backend/internal/errors"
	"workshop-backend/internal/infrastructure/observability"
	"workshop-backend/internal/service/cache"
	"workshop-backend/pkg/payload"
)

// Request is what a handler sees after preprocessing.
type Request struct {
	Method string
	Path   string
	// Endpoint names the route for stats and TTL policy; defaults to
	// "<Method> <Path>".
	Endpoint string
	Query    url.Values
	Body     []byte
	// Payload is the parsed Body, null when there was none.
	Payload payload.Value
	Caller  string
}

// HandlerFunc produces the result for a request. The result must be
// encodable as JSON.
type HandlerFunc func(ctx context.Context, req *Request) (any, error)

// Response is a finished request. Body always holds JSON: the shaped result
// or an error envelope.
type Response struct {
	Status      int
	Body        []byte
	Header      http.Header
	FromCache   bool
	Elapsed     time.Duration
	Key         string
	Truncations []payload.Truncation
	Pagination  *Pagination
	Err         error
}

type Optimizer struct {
	cache     *cache.Manager
	cfg       Config
	ttlPolicy atomic.Pointer[cache.Policy]
	stats     *observability.StatTable

	monitor   *observability.Monitor
	alerter   *observability.Alerter
	collector *observability.Collector
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

type Option func(*Optimizer)

func WithMonitor(m *observability.Monitor) Option {
	return func(o *Optimizer) { o.monitor = m }
}

func WithAlerter(a *observability.Alerter) Option {
	return func(o *Optimizer) { o.alerter = a }
}

func WithCollector(c *observability.Collector) Option {
	return func(o *Optimizer) { o.collector = c }
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *Optimizer) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithTTLPolicy sets the endpoint-prefix TTL table. Endpoints it does not
// match get a TTL from their payload size.
func WithTTLPolicy(p *cache.Policy) Option {
	return func(o *Optimizer) { o.ttlPolicy.Store(p) }
}

func NewOptimizer(manager *cache.Manager, cfg Config, opts ...Option) *Optimizer {
	o := &Optimizer{
		cache:  manager,
		cfg:    cfg.withDefaults(),
		stats:  observability.NewStatTable(),
		logger: zap.NewNop(),
		tracer: observability.Tracer(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Optimizer) SetTTLPolicy(p *cache.Policy) {
	o.ttlPolicy.Store(p)
}

// Handle runs handler behind the response cache. It never returns nil and
// never panics; failures become an error envelope with the matching status.
func (o *Optimizer) Handle(ctx context.Context, req *Request, handler HandlerFunc, opts ...HandleOption) *Response {
	start := o.now()
	if req.Endpoint == "" {
		req.Endpoint = req.Method + " " + req.Path
	}
	ho := resolve(opts)

	ctx, span := o.tracer.Start(ctx, "response.Handle", trace.WithAttributes(
		attribute.String("http.route", req.Endpoint),
		attribute.String("http.method", req.Method),
	))
	timer := o.monitor.StartTimer(observability.CategoryAPI, req.Endpoint)

	resp := o.handle(ctx, req, handler, ho, start)

	resp.Elapsed = o.now().Sub(start)
	o.decorate(req, resp)

	o.stats.Record(req.Endpoint, observability.Sample{
		Duration: resp.Elapsed,
		CacheHit: resp.FromCache,
		Failed:   resp.Err != nil,
	})
	o.monitor.EndTimer(timer, observability.OutcomeSuccess, resp.Err, observability.WithCacheHit(resp.FromCache))
	o.collector.RecordResponse(req.Endpoint, resp.FromCache, resp.Status, resp.Elapsed)

	span.SetAttributes(
		attribute.Bool("response.from_cache", resp.FromCache),
		attribute.Int("http.status_code", resp.Status),
	)
	observability.EndSpan(span, resp.Err)
	return resp
}

func (o *Optimizer) handle(ctx context.Context, req *Request, handler HandlerFunc, ho handleOptions, start time.Time) *Response {
	req.Query = o.cfg.sanitizeQuery(req.Query)
	req.Payload = payload.NullValue()
	if len(req.Body) > 0 {
		v, err := payload.Parse(req.Body)
		if err != nil {
			return o.failure(apperrors.Validation("INVALID_BODY", "Request body is not valid JSON").
				WithOperation("response.handle").
				WithResource(req.Endpoint).
				WithCause(err).
				Build(), start)
		}
		req.Payload = v
	}

	key := o.cacheKey(req)
	useCache := !ho.skipCache

	if useCache {
		if raw, ok := o.cache.GetRaw(ctx, key); ok {
			return &Response{Status: http.StatusOK, Body: raw, FromCache: true, Key: key}
		}
	}

	handlerStart := o.now()
	result, err := invoke(ctx, handler, req)
	o.alertIfSlow(req.Endpoint, o.now().Sub(handlerStart))
	if err != nil {
		return o.failure(err, start)
	}

	v, err := payload.From(result)
	if err != nil {
		return o.failure(apperrors.Internal("RESPONSE_ENCODE_FAILED", "handler result cannot be encoded as JSON").
			WithResource(req.Endpoint).
			WithCause(err).
			Build(), start)
	}
	shaped, truncations, page := o.cfg.shape(v, req.Query)
	body, err := shaped.MarshalJSON()
	if err != nil {
		return o.failure(apperrors.Internal("RESPONSE_ENCODE_FAILED", "shaped result cannot be encoded").
			WithResource(req.Endpoint).
			WithCause(err).
			Build(), start)
	}

	if useCache {
		_ = o.cache.SetRaw(ctx, key, body, o.ttlFor(req.Endpoint, len(body), ho))
	}
	return &Response{
		Status:      http.StatusOK,
		Body:        body,
		Key:         key,
		Truncations: truncations,
		Pagination:  page,
	}
}

func invoke(ctx context.Context, handler HandlerFunc, req *Request) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.Internal("HANDLER_PANIC", fmt.Sprintf("handler panicked: %v", r)).
				WithResource(req.Endpoint).
				Build()
		}
	}()
	return handler(ctx, req)
}

func (o *Optimizer) failure(err error, start time.Time) *Response {
	now := o.now()
	body, _ := json.Marshal(apperrors.NewEnvelope(err, now.Sub(start), now))
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		o.logger.Error("Request failed", zap.Int("status", status), zap.Error(err))
	}
	return &Response{Status: status, Body: body, Err: err}
}

// cacheKey hashes the normalized query, canonical body and caller under the
// method and path.
func (o *Optimizer) cacheKey(req *Request) string {
	body, _ := req.Payload.MarshalJSON()
	return "response:" + req.Method + ":" + req.Path + ":" +
		cache.HashParams([]byte(normalizeQuery(req.Query)), body, []byte(req.Caller))
}

func (o *Optimizer) ttlFor(endpoint string, size int, ho handleOptions) time.Duration {
	if ho.ttl > 0 {
		return ho.ttl
	}
	if ttl, ok := o.ttlPolicy.Load().Match(endpoint); ok {
		return min(ttl, o.cfg.MaxTTL)
	}
	return sizeTTL(size, o.cfg.MaxTTL)
}

func (o *Optimizer) alertIfSlow(endpoint string, d time.Duration) {
	severity, slow := observability.SeverityFor(d, o.cfg.SlowAfter, o.cfg.CriticalAfter)
	if !slow {
		return
	}
	o.logger.Warn("Slow endpoint handler",
		zap.String("endpoint", endpoint),
		zap.Duration("duration", d),
		zap.String("severity", string(severity)))

	threshold := o.cfg.SlowAfter
	if severity == observability.SeverityCritical {
		threshold = o.cfg.CriticalAfter
	}
	o.alerter.Notify(observability.Alert{
		Severity:    severity,
		Category:    observability.CategoryAPI,
		Label:       endpoint,
		DurationMs:  float64(d) / float64(time.Millisecond),
		ThresholdMs: float64(threshold) / float64(time.Millisecond),
		OccurredAt:  o.now(),
	})
}

// decorate sets the transport-independent response headers.
func (o *Optimizer) decorate(req *Request, resp *Response) {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	h.Set("X-Response-Time", fmt.Sprintf("%.2fms", float64(resp.Elapsed.Microseconds())/1000))
	if resp.FromCache {
		h.Set("X-Cache", "HIT")
	} else {
		h.Set("X-Cache", "MISS")
	}
	if resp.Err != nil {
		h.Set("Cache-Control", "no-store")
	} else {
		h.Set("Cache-Control", cacheControl(req.Method, req.Endpoint))
	}
	if len(resp.Body) > o.cfg.CompressAbove {
		h.Set("X-Compression", "gzip")
	}
	resp.Header = h
}

// Stats returns per-endpoint statistics.
func (o *Optimizer) Stats() map[string]observability.AggregateStat {
	return o.stats.Snapshot()
}

func (o *Optimizer) ResetStats() { o.stats.Reset() }
