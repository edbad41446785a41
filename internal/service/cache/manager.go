// Package cache is the application-facing cache: JSON values over a byte
// Store, namespace TTL policy, hit/miss accounting and compute-if-absent.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	apperrors "workshop-backend/internal/errors"
	cachestore "workshop-backend/internal/infrastructure/cache"
	"workshop-backend/internal/infrastructure/observability"
)

// maxParallelLookups bounds GetMany and SetMany fan-out.
const maxParallelLookups = 16

// Manager is safe for concurrent use.
type Manager struct {
	store     cachestore.Store
	policy    atomic.Pointer[Policy]
	monitor   *observability.Monitor
	collector *observability.Collector
	logger    *zap.Logger
	flight    *singleflight.Group

	hits   atomic.Int64
	misses atomic.Int64
}

// Option configures a Manager.
type Option func(*Manager)

func WithMonitor(m *observability.Monitor) Option {
	return func(mgr *Manager) { mgr.monitor = m }
}

func WithCollector(c *observability.Collector) Option {
	return func(mgr *Manager) { mgr.collector = c }
}

func WithLogger(logger *zap.Logger) Option {
	return func(mgr *Manager) {
		if logger != nil {
			mgr.logger = logger
		}
	}
}

// WithPolicy replaces DefaultPolicy.
func WithPolicy(p *Policy) Option {
	return func(mgr *Manager) {
		if p != nil {
			mgr.policy.Store(p)
		}
	}
}

// WithSingleFlight makes concurrent Cached misses for one key share a single
// compute call.
func WithSingleFlight() Option {
	return func(mgr *Manager) { mgr.flight = &singleflight.Group{} }
}

func NewManager(store cachestore.Store, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		logger: zap.NewNop(),
	}
	m.policy.Store(DefaultPolicy())
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Policy returns the TTL policy in effect.
func (m *Manager) Policy() *Policy { return m.policy.Load() }

// SetPolicy swaps the TTL policy for subsequent writes.
func (m *Manager) SetPolicy(p *Policy) {
	if p == nil {
		return
	}
	m.policy.Store(p)
	m.logger.Info("Cache TTL policy updated",
		zap.Duration("default", p.Default),
		zap.Int("rules", len(p.rules)))
}

// TTLFor resolves the TTL a write of key would get.
func (m *Manager) TTLFor(key string, ttl ...time.Duration) time.Duration {
	if len(ttl) > 0 && ttl[0] > 0 {
		return ttl[0]
	}
	return m.policy.Load().TTLFor(key)
}

// Get decodes the entry for key into dest. Missing, expired and undecodable
// entries all report false.
func (m *Manager) Get(ctx context.Context, key string, dest any) bool {
	return m.lookup(ctx, key, func(data []byte) error {
		return json.Unmarshal(data, dest)
	})
}

// GetRaw returns the stored JSON without decoding it.
func (m *Manager) GetRaw(ctx context.Context, key string) (json.RawMessage, bool) {
	var raw json.RawMessage
	found := m.lookup(ctx, key, func(data []byte) error {
		if !json.Valid(data) {
			return apperrors.Validation("CACHE_ENTRY_CORRUPT", "cached entry is not valid JSON").Build()
		}
		raw = data
		return nil
	})
	return raw, found
}

func (m *Manager) lookup(ctx context.Context, key string, decode func([]byte) error) bool {
	namespace := Namespace(key)
	id := m.monitor.StartTimer(observability.CategoryCache, namespace)

	data, found, err := m.store.Get(ctx, key)
	if err != nil {
		m.logger.Warn("Cache read failed", zap.String("key", key), zap.Error(err))
		found = false
	}
	if found {
		if err := decode(data); err != nil {
			m.logger.Warn("Discarding undecodable cache entry", zap.String("key", key), zap.Error(err))
			_ = m.store.Delete(ctx, key)
			found = false
		}
	}

	m.monitor.EndTimer(id, observability.OutcomeSuccess, nil, observability.WithCacheHit(found))
	m.collector.RecordCacheLookup(namespace, found)
	if found {
		m.hits.Add(1)
	} else {
		m.misses.Add(1)
	}
	return found
}

// Set encodes value as JSON and stores it. Without an explicit ttl the
// policy picks one from the key's prefix. A value that cannot be encoded is
// not stored and the validation error is returned; backend failures are
// logged and swallowed.
func (m *Manager) Set(ctx context.Context, key string, value any, ttl ...time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		m.logger.Warn("Refusing to cache unserializable value", zap.String("key", key), zap.Error(err))
		return apperrors.Validation("CACHE_VALUE_UNSERIALIZABLE", "value cannot be encoded as JSON").
			WithOperation("cache.set").
			WithResource(key).
			WithCause(err).
			Build()
	}
	m.write(ctx, key, data, m.TTLFor(key, ttl...))
	return nil
}

// SetRaw stores already-encoded JSON.
func (m *Manager) SetRaw(ctx context.Context, key string, data json.RawMessage, ttl ...time.Duration) error {
	if !json.Valid(data) {
		return apperrors.Validation("CACHE_VALUE_INVALID", "raw cache value is not valid JSON").
			WithOperation("cache.set").
			WithResource(key).
			Build()
	}
	m.write(ctx, key, data, m.TTLFor(key, ttl...))
	return nil
}

func (m *Manager) write(ctx context.Context, key string, data []byte, ttl time.Duration) {
	if err := m.store.Set(ctx, key, data, ttl); err != nil {
		m.logger.Warn("Cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func (m *Manager) Delete(ctx context.Context, key string) error {
	if err := m.store.Delete(ctx, key); err != nil {
		m.logger.Warn("Cache delete failed", zap.String("key", key), zap.Error(err))
	}
	return nil
}

// Clear empties the store and resets the hit/miss counters.
func (m *Manager) Clear(ctx context.Context) error {
	err := m.store.Clear(ctx)
	m.hits.Store(0)
	m.misses.Store(0)
	if err != nil {
		m.logger.Warn("Cache clear failed", zap.Error(err))
	}
	return err
}

// GetMany looks keys up concurrently and returns the hits.
func (m *Manager) GetMany(ctx context.Context, keys []string) map[string]json.RawMessage {
	var (
		mu  sync.Mutex
		out = make(map[string]json.RawMessage, len(keys))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelLookups)
	for _, key := range keys {
		g.Go(func() error {
			if raw, ok := m.GetRaw(gctx, key); ok {
				mu.Lock()
				out[key] = raw
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// SetMany writes entries concurrently. Every entry is attempted; the first
// encoding error is returned.
func (m *Manager) SetMany(ctx context.Context, entries map[string]any, ttl ...time.Duration) error {
	var g errgroup.Group
	g.SetLimit(maxParallelLookups)
	for key, value := range entries {
		g.Go(func() error {
			return m.Set(ctx, key, value, ttl...)
		})
	}
	return g.Wait()
}

// Stats is a point-in-time view of the manager.
type Stats struct {
	Hits            int64                   `json:"hits"`
	Misses          int64                   `json:"misses"`
	HitRatioPercent float64                 `json:"hitRatioPercent"`
	Backend         cachestore.BackendStats `json:"backend"`
}

func (m *Manager) Stats(ctx context.Context) Stats {
	hits, misses := m.hits.Load(), m.misses.Load()
	s := Stats{
		Hits:    hits,
		Misses:  misses,
		Backend: m.store.Stats(ctx),
	}
	if total := hits + misses; total > 0 {
		s.HitRatioPercent = float64(hits) / float64(total) * 100
	}
	return s
}

// GetOr returns the cached value for key or def.
func GetOr[T any](ctx context.Context, m *Manager, key string, def T) T {
	var v T
	if m.Get(ctx, key, &v) {
		return v
	}
	return def
}

// Cached returns the cached value for key, or computes, stores and returns
// it. Without WithSingleFlight, concurrent misses for one key each call
// compute. Compute errors are returned and nothing is stored.
func Cached[T any](ctx context.Context, m *Manager, key string, compute func(context.Context) (T, error), ttl ...time.Duration) (T, error) {
	var v T
	if m.Get(ctx, key, &v) {
		return v, nil
	}

	fill := func() (T, error) {
		v, err := compute(ctx)
		if err != nil {
			return v, err
		}
		_ = m.Set(ctx, key, v, ttl...)
		return v, nil
	}

	if m.flight == nil {
		return fill()
	}
	res, err, _ := m.flight.Do(key, func() (any, error) {
		return fill()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return res.(T), nil
}
