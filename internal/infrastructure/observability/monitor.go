package observability

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Category string

const (
	CategoryAPI      Category = "api"
	CategoryDatabase Category = "database"
	CategoryCache    Category = "cache"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
)

// TimerID identifies one running timer.
type TimerID uuid.UUID

func (id TimerID) String() string { return uuid.UUID(id).String() }

func (id TimerID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }

// ParseTimerID parses the string form of a TimerID. Malformed input yields
// the zero ID, which no timer ever has.
func ParseTimerID(s string) TimerID {
	id, err := uuid.Parse(s)
	if err != nil {
		return TimerID{}
	}
	return TimerID(id)
}

// TimerRecord is one timed operation. Records returned by the monitor are
// copies; a finished record never changes.
type TimerRecord struct {
	ID           TimerID   `json:"id"`
	Category     Category  `json:"category"`
	Label        string    `json:"label"`
	StartedAt    time.Time `json:"startedAt"`
	FinishedAt   time.Time `json:"finishedAt,omitempty"`
	DurationMs   float64   `json:"durationMs"`
	Outcome      Outcome   `json:"outcome,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	CacheHit     bool      `json:"cacheHit,omitempty"`
	IsSlow       bool      `json:"isSlow"`
}

// Finished reports whether EndTimer was called for the record.
func (r TimerRecord) Finished() bool { return !r.FinishedAt.IsZero() }

// EndOption adjusts how a timer is finalised.
type EndOption func(*TimerRecord)

// WithCacheHit marks the timed operation as served from cache.
func WithCacheHit(hit bool) EndOption {
	return func(r *TimerRecord) { r.CacheHit = hit }
}

// MonitorConfig holds thresholds and retention for the monitor.
type MonitorConfig struct {
	APIThreshold      time.Duration
	DatabaseThreshold time.Duration
	CacheThreshold    time.Duration
	Retention         time.Duration
	CleanupInterval   time.Duration
	AnalysisInterval  time.Duration
	// MaxRecords bounds the finished-record buffer between cleanups.
	MaxRecords int
}

func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		APIThreshold:      100 * time.Millisecond,
		DatabaseThreshold: 50 * time.Millisecond,
		CacheThreshold:    10 * time.Millisecond,
		Retention:         24 * time.Hour,
		CleanupInterval:   time.Hour,
		AnalysisInterval:  5 * time.Minute,
		MaxRecords:        100_000,
	}
}

// Monitor owns the timer registry shared by every optimizer.
type Monitor struct {
	mu       sync.RWMutex
	running  map[TimerID]TimerRecord
	finished []TimerRecord

	cfg       MonitorConfig
	logger    *zap.Logger
	collector *Collector
	now       func() time.Time
}

type MonitorOption func(*Monitor)

func WithMonitorLogger(logger *zap.Logger) MonitorOption {
	return func(m *Monitor) { m.logger = logger }
}

func WithMonitorCollector(c *Collector) MonitorOption {
	return func(m *Monitor) { m.collector = c }
}

func WithClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) { m.now = now }
}

func NewMonitor(cfg MonitorConfig, opts ...MonitorOption) *Monitor {
	defaults := DefaultMonitorConfig()
	if cfg.Retention <= 0 {
		cfg.Retention = defaults.Retention
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaults.CleanupInterval
	}
	if cfg.AnalysisInterval <= 0 {
		cfg.AnalysisInterval = defaults.AnalysisInterval
	}
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = defaults.MaxRecords
	}

	m := &Monitor{
		running: make(map[TimerID]TimerRecord),
		cfg:     cfg,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Monitor) threshold(c Category) time.Duration {
	switch c {
	case CategoryAPI:
		return m.cfg.APIThreshold
	case CategoryDatabase:
		return m.cfg.DatabaseThreshold
	case CategoryCache:
		return m.cfg.CacheThreshold
	}
	return 0
}

// StartTimer registers a running timer. A nil Monitor returns the zero ID.
func (m *Monitor) StartTimer(category Category, label string) TimerID {
	if m == nil {
		return TimerID{}
	}
	id := TimerID(uuid.New())
	rec := TimerRecord{
		ID:        id,
		Category:  category,
		Label:     label,
		StartedAt: m.now(),
	}

	m.mu.Lock()
	m.running[id] = rec
	m.mu.Unlock()
	return id
}

// EndTimer finalises a timer exactly once. Unknown or already finished IDs
// return nil.
func (m *Monitor) EndTimer(id TimerID, outcome Outcome, err error, opts ...EndOption) *TimerRecord {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	finishedAt := m.now()
	rec, ok := m.running[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.running, id)

	rec.FinishedAt = finishedAt
	d := finishedAt.Sub(rec.StartedAt)
	rec.DurationMs = durationMs(d)
	rec.Outcome = outcome
	if err != nil {
		rec.Outcome = OutcomeError
		rec.ErrorMessage = err.Error()
	}
	for _, opt := range opts {
		opt(&rec)
	}
	if threshold := m.threshold(rec.Category); threshold > 0 {
		rec.IsSlow = d > threshold
	}

	m.finished = append(m.finished, rec)
	if over := len(m.finished) - m.cfg.MaxRecords; over > 0 {
		m.finished = append(m.finished[:0:0], m.finished[over:]...)
	}
	m.mu.Unlock()

	m.collector.ObserveOperation(rec.Category, rec.Outcome, d)
	return &rec
}

// Track times fn and returns its error unchanged.
func (m *Monitor) Track(ctx context.Context, category Category, label string, fn func(context.Context) error) error {
	id := m.StartTimer(category, label)
	err := fn(ctx)
	m.EndTimer(id, outcomeOf(err), err)
	return err
}

// TrackValue is Track for functions that return a value.
func TrackValue[T any](ctx context.Context, m *Monitor, category Category, label string, fn func(context.Context) (T, error)) (T, error) {
	id := m.StartTimer(category, label)
	v, err := fn(ctx)
	m.EndTimer(id, outcomeOf(err), err)
	return v, err
}

func outcomeOf(err error) Outcome {
	if err != nil {
		return OutcomeError
	}
	return OutcomeSuccess
}

// CategorySummary aggregates the finished records of one category.
type CategorySummary struct {
	Count         int                      `json:"count"`
	ErrorCount    int                      `json:"errorCount"`
	CacheHitCount int                      `json:"cacheHitCount"`
	SlowCount     int                      `json:"slowCount"`
	AvgMs         float64                  `json:"avgMs"`
	MaxMs         float64                  `json:"maxMs"`
	MinMs         float64                  `json:"minMs"`
	P50Ms         float64                  `json:"p50Ms"`
	P95Ms         float64                  `json:"p95Ms"`
	P99Ms         float64                  `json:"p99Ms"`
	ErrorRatePct  float64                  `json:"errorRatePct"`
	SlowPct       float64                  `json:"slowPct"`
	HitRatePct    float64                  `json:"hitRatePct"`
	Operations    map[string]AggregateStat `json:"operations"`
}

// Summary is the monitor's report over a recent window.
type Summary struct {
	Window      time.Duration   `json:"window"`
	GeneratedAt time.Time       `json:"generatedAt"`
	API         CategorySummary `json:"api"`
	Database    CategorySummary `json:"database"`
	Cache       CategorySummary `json:"cache"`
	Health      HealthReport    `json:"health"`
}

// Summary aggregates records finished within window.
func (m *Monitor) Summary(window time.Duration) Summary {
	now := m.now()
	records := m.recent(now.Add(-window))

	byCategory := map[Category][]TimerRecord{}
	for _, r := range records {
		byCategory[r.Category] = append(byCategory[r.Category], r)
	}

	s := Summary{
		Window:      window,
		GeneratedAt: now,
		API:         summarize(byCategory[CategoryAPI], true),
		Database:    summarize(byCategory[CategoryDatabase], true),
		Cache:       summarize(byCategory[CategoryCache], false),
	}
	s.Health = Health(s.API, s.Database, s.Cache)
	return s
}

// summarize aggregates one category. With latencyExcludesHits, cache-hit
// samples are counted but left out of the latency figures, as in
// AggregateStat.
func summarize(records []TimerRecord, latencyExcludesHits bool) CategorySummary {
	s := CategorySummary{Operations: map[string]AggregateStat{}}
	if len(records) == 0 {
		return s
	}

	durations := make([]float64, 0, len(records))
	var total float64
	for _, r := range records {
		s.Count++
		if r.Outcome == OutcomeError {
			s.ErrorCount++
		}
		if r.CacheHit {
			s.CacheHitCount++
		}
		if r.IsSlow {
			s.SlowCount++
		}

		op := s.Operations[r.Label]
		op.add(Sample{
			Duration: time.Duration(r.DurationMs * float64(time.Millisecond)),
			CacheHit: r.CacheHit,
			Failed:   r.Outcome == OutcomeError,
		}, r.FinishedAt)
		s.Operations[r.Label] = op

		if r.CacheHit && latencyExcludesHits {
			continue
		}
		durations = append(durations, r.DurationMs)
		total += r.DurationMs
	}

	n := float64(s.Count)
	s.ErrorRatePct = float64(s.ErrorCount) / n * 100
	s.SlowPct = float64(s.SlowCount) / n * 100
	s.HitRatePct = float64(s.CacheHitCount) / n * 100

	if len(durations) == 0 {
		return s
	}
	sort.Float64s(durations)
	s.MinMs = durations[0]
	s.MaxMs = durations[len(durations)-1]
	s.AvgMs = total / float64(len(durations))
	s.P50Ms = percentileSorted(durations, 50)
	s.P95Ms = percentileSorted(durations, 95)
	s.P99Ms = percentileSorted(durations, 99)
	return s
}

// Percentile returns the nearest-rank percentile of samples, 0 when empty.
func Percentile(samples []float64, p float64) float64 {
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	return percentileSorted(sorted, p)
}

func percentileSorted(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(n))) - 1
	idx = max(0, min(idx, n-1))
	return sorted[idx]
}

// SlowReport lists the slowest recent API and database operations.
type SlowReport struct {
	SlowAPI      []TimerRecord `json:"slowApi"`
	SlowDatabase []TimerRecord `json:"slowDatabase"`
}

// SlowOperations returns up to topN slow records per category, slowest first.
func (m *Monitor) SlowOperations(window time.Duration, topN int) SlowReport {
	records := m.recent(m.now().Add(-window))

	report := SlowReport{SlowAPI: []TimerRecord{}, SlowDatabase: []TimerRecord{}}
	for _, r := range records {
		if !r.IsSlow {
			continue
		}
		switch r.Category {
		case CategoryAPI:
			report.SlowAPI = append(report.SlowAPI, r)
		case CategoryDatabase:
			report.SlowDatabase = append(report.SlowDatabase, r)
		}
	}

	report.SlowAPI = slowest(report.SlowAPI, topN)
	report.SlowDatabase = slowest(report.SlowDatabase, topN)
	return report
}

func slowest(records []TimerRecord, topN int) []TimerRecord {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].DurationMs > records[j].DurationMs
	})
	if topN > 0 && len(records) > topN {
		records = records[:topN]
	}
	return records
}

func (m *Monitor) recent(since time.Time) []TimerRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// finished is ordered by completion time
	i := sort.Search(len(m.finished), func(i int) bool {
		return !m.finished[i].FinishedAt.Before(since)
	})
	return append([]TimerRecord(nil), m.finished[i:]...)
}

// Cleanup drops finished records older than retention and abandoned running
// timers started before the same cutoff. It returns how many were removed.
func (m *Monitor) Cleanup(retention time.Duration) int {
	cutoff := m.now().Add(-retention)

	m.mu.Lock()
	defer m.mu.Unlock()

	i := sort.Search(len(m.finished), func(i int) bool {
		return !m.finished[i].FinishedAt.Before(cutoff)
	})
	removed := i
	m.finished = append(m.finished[:0:0], m.finished[i:]...)

	for id, rec := range m.running {
		if rec.StartedAt.Before(cutoff) {
			delete(m.running, id)
			removed++
		}
	}
	return removed
}

// Running returns the number of timers that have not been ended.
func (m *Monitor) Running() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.running)
}

// Run performs periodic cleanup and health analysis until ctx is done. Each
// task recovers from its own panics.
func (m *Monitor) Run(ctx context.Context) {
	cleanup := time.NewTicker(m.cfg.CleanupInterval)
	defer cleanup.Stop()
	analysis := time.NewTicker(m.cfg.AnalysisInterval)
	defer analysis.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cleanup.C:
			m.safely("cleanup", func() {
				removed := m.Cleanup(m.cfg.Retention)
				m.logger.Debug("Performance records cleaned up", zap.Int("removed", removed))
			})
		case <-analysis.C:
			m.safely("analysis", m.analyze)
		}
	}
}

func (m *Monitor) analyze() {
	summary := m.Summary(time.Hour)
	health := summary.Health

	fields := []zap.Field{
		zap.Int("overall", health.Overall),
		zap.Float64("api", health.API),
		zap.Float64("database", health.Database),
		zap.Float64("cache", health.Cache),
		zap.String("status", health.Status),
	}
	if health.Overall < 75 {
		m.logger.Warn("Performance health degraded",
			append(fields, zap.Strings("recommendations", health.Recommendations))...)
		return
	}
	m.logger.Info("Performance health", fields...)
}

func (m *Monitor) safely(task string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Performance monitor task panicked",
				zap.String("task", task),
				zap.Any("panic", r))
		}
	}()
	fn()
}
