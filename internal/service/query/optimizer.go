// Package query wraps data-store fetches with caching, retries, timing and
// slow-query alerting, one call at a time or in batches.
package query

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	apperrors "workshop-backend/internal/errors"
	"workshop-backend/internal/infrastructure/observability"
	"workshop-backend/internal/service/cache"
)

// BatchLabel is the stat label of whole-batch samples.
const BatchLabel = "__batch__"

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

// WithTTLPolicy sets the label-prefix TTL table. Its Default is not used;
// unmatched labels get a TTL derived from their observed latency.
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
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SetTTLPolicy swaps the label-prefix TTL table.
func (o *Optimizer) SetTTLPolicy(p *cache.Policy) {
	o.ttlPolicy.Store(p)
}

// CacheKey is the key a query result is stored under.
func CacheKey(label string, params ...any) string {
	return "query:" + label + ":" + cache.HashParams(params...)
}

// Result is a successful Run.
type Result[T any] struct {
	Value     T
	FromCache bool
	// Duration covers the lookup on a hit and every attempt on a miss.
	Duration time.Duration
	Attempts int
	Key      string
}

// Run returns the cached result for label, or fetches it with retries and
// caches it when it is worth caching. Errors are returned once retries are
// exhausted, annotated with the label and attempt count.
func Run[T any](ctx context.Context, o *Optimizer, label string, fetch func(context.Context) (T, error), opts ...RunOption) (*Result[T], error) {
	ro := o.cfg.resolve(opts)
	key := CacheKey(label, ro.params...)

	ctx, span := o.tracer.Start(ctx, "query.Run", trace.WithAttributes(
		attribute.String("query.label", label),
		attribute.Bool("query.skip_cache", ro.skipCache),
	))

	if !ro.skipCache {
		start := time.Now()
		var cached T
		if o.cache.Get(ctx, key, &cached) {
			d := time.Since(start)
			o.stats.Record(label, observability.Sample{Duration: d, CacheHit: true})
			span.SetAttributes(attribute.Bool("query.from_cache", true))
			observability.EndSpan(span, nil)
			return &Result[T]{Value: cached, FromCache: true, Duration: d, Key: key}, nil
		}
	}

	value, attempts, elapsed, err := execute(ctx, o, label, key, fetch, ro)
	span.SetAttributes(attribute.Int("query.attempts", attempts))
	observability.EndSpan(span, err)
	if err != nil {
		return nil, err
	}
	return &Result[T]{Value: value, Duration: elapsed, Attempts: attempts, Key: key}, nil
}

// execute is the miss path shared by Run and RunBatch: fetch with retries,
// record the sample, raise slow alerts and cache the result.
func execute[T any](ctx context.Context, o *Optimizer, label, key string, fetch func(context.Context) (T, error), ro runOptions) (T, int, time.Duration, error) {
	timer := o.monitor.StartTimer(observability.CategoryDatabase, label)
	start := time.Now()
	value, attempts, err := fetchWithRetry(ctx, o, label, fetch, ro)
	elapsed := time.Since(start)
	o.monitor.EndTimer(timer, observability.OutcomeSuccess, err)

	if err != nil {
		o.stats.Record(label, observability.Sample{Duration: elapsed, Failed: true})
		o.logger.Warn("Query failed",
			zap.String("label", label),
			zap.Int("attempts", attempts),
			zap.Duration("duration", elapsed),
			zap.Error(err))
		return value, attempts, elapsed, apperrors.Annotate(err, "query.run", label, attempts)
	}

	stat := o.stats.Record(label, observability.Sample{Duration: elapsed})
	o.alertIfSlow(label, elapsed)
	o.store(ctx, label, key, value, elapsed, stat, ro)
	return value, attempts, elapsed, nil
}

func fetchWithRetry[T any](ctx context.Context, o *Optimizer, label string, fetch func(context.Context) (T, error), ro runOptions) (T, int, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = ro.maxWait

	attempts := 0
	value, err := backoff.Retry(ctx, func() (T, error) {
		attempts++
		v, err := attempt(ctx, fetch, ro.timeout)
		if err != nil && !apperrors.IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(o.cfg.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			o.collector.IncQueryRetry(label)
			o.logger.Debug("Retrying query",
				zap.String("label", label),
				zap.Int("attempt", attempts),
				zap.Duration("retry_in", next),
				zap.Error(err))
		}),
	)

	// Retry hands back the wrapper when the last permitted attempt was permanent.
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	return value, attempts, err
}

// attempt runs fetch once. With a timeout, fetch runs in its own goroutine so
// an unresponsive fetch cannot hold the caller past the deadline.
func attempt[T any](ctx context.Context, fetch func(context.Context) (T, error), timeout time.Duration) (T, error) {
	if timeout <= 0 {
		return safeFetch(ctx, fetch)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := safeFetch(attemptCtx, fetch)
		done <- outcome{v, err}
	}()

	select {
	case out := <-done:
		return out.value, out.err
	case <-attemptCtx.Done():
		var zero T
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, apperrors.TransientIO("QUERY_TIMEOUT", fmt.Sprintf("attempt exceeded %s", timeout)).
			WithCause(attemptCtx.Err()).
			Build()
	}
}

func safeFetch[T any](ctx context.Context, fetch func(context.Context) (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.Internal("QUERY_PANIC", fmt.Sprintf("fetch panicked: %v", r)).Build()
		}
	}()
	return fetch(ctx)
}

func (o *Optimizer) alertIfSlow(label string, elapsed time.Duration) {
	severity, slow := observability.SeverityFor(elapsed, o.cfg.WarnAfter, o.cfg.CriticalAfter)
	if !slow {
		return
	}
	threshold := o.cfg.WarnAfter
	if severity == observability.SeverityCritical {
		threshold = o.cfg.CriticalAfter
	}
	o.alerter.Notify(observability.Alert{
		Severity:    severity,
		Category:    observability.CategoryDatabase,
		Label:       label,
		DurationMs:  float64(elapsed) / float64(time.Millisecond),
		ThresholdMs: float64(threshold) / float64(time.Millisecond),
		OccurredAt:  time.Now(),
	})
}

var emptyJSON = [][]byte{[]byte("null"), []byte("[]"), []byte("{}"), []byte(`""`)}

func (o *Optimizer) store(ctx context.Context, label, key string, value any, elapsed time.Duration, stat observability.AggregateStat, ro runOptions) {
	if elapsed <= o.cfg.CacheAfter && !o.cfg.alwaysCached(label) {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		o.logger.Warn("Query result is not cacheable", zap.String("label", label), zap.Error(err))
		return
	}
	for _, empty := range emptyJSON {
		if bytes.Equal(data, empty) {
			return
		}
	}
	_ = o.cache.SetRaw(ctx, key, data, o.ttlFor(label, stat, ro))
}

// ttlFor picks the explicit TTL, then the label policy, then twice the
// label's average latency read as seconds, clamped to [MinTTL, MaxTTL].
func (o *Optimizer) ttlFor(label string, stat observability.AggregateStat, ro runOptions) time.Duration {
	if ro.ttl > 0 {
		return ro.ttl
	}
	if ttl, ok := o.ttlPolicy.Load().Match(label); ok {
		return ttl
	}
	derived := time.Duration(math.Round(2*stat.AvgDurationMs)) * time.Second
	return min(max(derived, o.cfg.MinTTL), o.cfg.MaxTTL)
}

// Stats summarises every label the optimizer has seen.
type Stats struct {
	Queries       map[string]observability.AggregateStat `json:"queries"`
	TotalQueries  int64                                  `json:"totalQueries"`
	CacheHits     int64                                  `json:"cacheHits"`
	Errors        int64                                  `json:"errors"`
	HitRatePct    float64                                `json:"hitRatePct"`
	AvgDurationMs float64                                `json:"avgDurationMs"`
}

// PerformanceStats snapshots the per-label stats. Totals leave out the
// whole-batch samples.
func (o *Optimizer) PerformanceStats() Stats {
	s := Stats{Queries: o.stats.Snapshot()}
	var totalMs float64
	var timed int64
	for label, stat := range s.Queries {
		if label == BatchLabel {
			continue
		}
		s.TotalQueries += stat.Count
		s.CacheHits += stat.CacheHitCount
		s.Errors += stat.ErrorCount
		totalMs += stat.TotalDurationMs
		timed += stat.Count - stat.CacheHitCount
	}
	if s.TotalQueries > 0 {
		s.HitRatePct = float64(s.CacheHits) / float64(s.TotalQueries) * 100
	}
	if timed > 0 {
		s.AvgDurationMs = totalMs / float64(timed)
	}
	return s
}

// ResetStats clears the per-label stats.
func (o *Optimizer) ResetStats() { o.stats.Reset() }
