package observability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// timed records one finished timer that took d.
func timed(m *Monitor, clock *fakeClock, category Category, label string, d time.Duration, err error, opts ...EndOption) *TimerRecord {
	id := m.StartTimer(category, label)
	clock.Advance(d)
	return m.EndTimer(id, outcomeOf(err), err, opts...)
}

func TestPercentile(t *testing.T) {
	tests := []struct {
		name    string
		samples []float64
		p       float64
		want    float64
	}{
		{"p95 of five", []float64{10, 20, 30, 40, 50}, 95, 50},
		{"p50 of five", []float64{50, 10, 40, 20, 30}, 50, 30},
		{"p99 of one", []float64{7}, 99, 7},
		{"empty", nil, 95, 0},
		{"p0 clamps to first", []float64{3, 1, 2}, 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Percentile(tt.samples, tt.p))
		})
	}
}

func TestMonitor_TimerLifecycle(t *testing.T) {
	clock := newFakeClock()
	m := NewMonitor(DefaultMonitorConfig(), WithClock(clock.Now))

	t.Run("Should finalise a timer exactly once", func(t *testing.T) {
		id := m.StartTimer(CategoryDatabase, "workshop:byId")
		clock.Advance(80 * time.Millisecond)

		rec := m.EndTimer(id, OutcomeSuccess, nil)
		require.NotNil(t, rec)
		assert.Equal(t, 80.0, rec.DurationMs)
		assert.True(t, rec.IsSlow, "database threshold is 50ms")
		assert.True(t, rec.Finished())
		assert.Equal(t, OutcomeSuccess, rec.Outcome)

		assert.Nil(t, m.EndTimer(id, OutcomeSuccess, nil))
	})

	t.Run("Should treat unknown and malformed ids as no-ops", func(t *testing.T) {
		assert.Nil(t, m.EndTimer(ParseTimerID("not-a-uuid"), OutcomeSuccess, nil))
		assert.Nil(t, m.EndTimer(TimerID{}, OutcomeError, nil))
	})

	t.Run("Should record errors and cache hits", func(t *testing.T) {
		rec := timed(m, clock, CategoryAPI, "GET /workshops", 5*time.Millisecond, errors.New("boom"))
		assert.Equal(t, OutcomeError, rec.Outcome)
		assert.Equal(t, "boom", rec.ErrorMessage)
		assert.False(t, rec.IsSlow)

		rec = timed(m, clock, CategoryCache, "workshop", time.Millisecond, nil, WithCacheHit(true))
		assert.True(t, rec.CacheHit)
	})
}

func TestMonitor_TrackValue(t *testing.T) {
	clock := newFakeClock()
	m := NewMonitor(DefaultMonitorConfig(), WithClock(clock.Now))

	v, err := TrackValue(context.Background(), m, CategoryDatabase, "customer:list", func(context.Context) (int, error) {
		clock.Advance(10 * time.Millisecond)
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	failure := errors.New("constraint violation")
	err = m.Track(context.Background(), CategoryDatabase, "customer:save", func(context.Context) error {
		return failure
	})
	assert.ErrorIs(t, err, failure)

	summary := m.Summary(time.Hour)
	assert.Equal(t, 2, summary.Database.Count)
	assert.Equal(t, 1, summary.Database.ErrorCount)
	assert.Equal(t, 50.0, summary.Database.ErrorRatePct)
	assert.Equal(t, 0, m.Running())
}

func TestMonitor_Summary(t *testing.T) {
	clock := newFakeClock()
	m := NewMonitor(DefaultMonitorConfig(), WithClock(clock.Now))

	for _, ms := range []int{10, 20, 30, 40, 50} {
		timed(m, clock, CategoryAPI, "GET /vehicles", time.Duration(ms)*time.Millisecond, nil)
	}

	s := m.Summary(time.Hour)

	assert.Equal(t, 5, s.API.Count)
	assert.Equal(t, 30.0, s.API.AvgMs)
	assert.Equal(t, 50.0, s.API.MaxMs)
	assert.Equal(t, 10.0, s.API.MinMs)
	assert.Equal(t, 50.0, s.API.P95Ms)
	assert.Equal(t, 30.0, s.API.P50Ms)
	assert.Equal(t, int64(5), s.API.Operations["GET /vehicles"].Count)

	assert.Equal(t, 0, s.Database.Count)
	assert.Equal(t, 100, s.Health.Overall)
	assert.Empty(t, s.Health.Recommendations)
}

func TestMonitor_SummaryLatencyExcludesCacheHits(t *testing.T) {
	clock := newFakeClock()
	m := NewMonitor(DefaultMonitorConfig(), WithClock(clock.Now))

	timed(m, clock, CategoryDatabase, "workshop.list", 80*time.Millisecond, nil)
	timed(m, clock, CategoryDatabase, "workshop.list", 40*time.Millisecond, nil)
	timed(m, clock, CategoryDatabase, "workshop.list", time.Millisecond, nil, WithCacheHit(true))
	timed(m, clock, CategoryCache, "workshop", 2*time.Millisecond, nil, WithCacheHit(true))
	timed(m, clock, CategoryCache, "workshop", 4*time.Millisecond, nil)

	s := m.Summary(time.Hour)

	t.Run("Should leave hits out of database latency", func(t *testing.T) {
		assert.Equal(t, 3, s.Database.Count)
		assert.Equal(t, 1, s.Database.CacheHitCount)
		assert.Equal(t, 60.0, s.Database.AvgMs)
		assert.Equal(t, 40.0, s.Database.MinMs)
		assert.Equal(t, 80.0, s.Database.P95Ms)
		assert.Equal(t, s.Database.AvgMs, s.Database.Operations["workshop.list"].AvgDurationMs)
	})

	t.Run("Should keep hits in cache latency", func(t *testing.T) {
		assert.Equal(t, 2, s.Cache.Count)
		assert.Equal(t, 3.0, s.Cache.AvgMs)
		assert.Equal(t, 50.0, s.Cache.HitRatePct)
	})

	t.Run("Should report zero latency when every sample was a hit", func(t *testing.T) {
		m := NewMonitor(DefaultMonitorConfig(), WithClock(clock.Now))
		timed(m, clock, CategoryAPI, "GET /jobs", 5*time.Millisecond, nil, WithCacheHit(true))

		api := m.Summary(time.Hour).API
		assert.Equal(t, 1, api.Count)
		assert.Zero(t, api.AvgMs)
		assert.Zero(t, api.MinMs)
	})
}

func TestMonitor_SummaryWindow(t *testing.T) {
	clock := newFakeClock()
	m := NewMonitor(DefaultMonitorConfig(), WithClock(clock.Now))

	timed(m, clock, CategoryAPI, "old", time.Millisecond, nil)
	clock.Advance(2 * time.Hour)
	timed(m, clock, CategoryAPI, "new", time.Millisecond, nil)

	s := m.Summary(time.Hour)
	assert.Equal(t, 1, s.API.Count)
	assert.Contains(t, s.API.Operations, "new")
	assert.NotContains(t, s.API.Operations, "old")
}

func TestMonitor_SlowOperations(t *testing.T) {
	clock := newFakeClock()
	m := NewMonitor(DefaultMonitorConfig(), WithClock(clock.Now))

	timed(m, clock, CategoryAPI, "fast", 20*time.Millisecond, nil)
	timed(m, clock, CategoryAPI, "slow", 300*time.Millisecond, nil)
	timed(m, clock, CategoryAPI, "slower", 900*time.Millisecond, nil)
	timed(m, clock, CategoryDatabase, "db-slow", 75*time.Millisecond, nil)
	timed(m, clock, CategoryCache, "cache-slow", 75*time.Millisecond, nil)

	report := m.SlowOperations(time.Hour, 1)

	require.Len(t, report.SlowAPI, 1)
	assert.Equal(t, "slower", report.SlowAPI[0].Label)
	require.Len(t, report.SlowDatabase, 1)
	assert.Equal(t, "db-slow", report.SlowDatabase[0].Label)
}

func TestMonitor_Cleanup(t *testing.T) {
	clock := newFakeClock()
	m := NewMonitor(DefaultMonitorConfig(), WithClock(clock.Now))

	timed(m, clock, CategoryAPI, "a", time.Millisecond, nil)
	m.StartTimer(CategoryAPI, "abandoned")
	clock.Advance(25 * time.Hour)
	timed(m, clock, CategoryAPI, "b", time.Millisecond, nil)

	removed := m.Cleanup(24 * time.Hour)

	assert.Equal(t, 2, removed)
	assert.Equal(t, 0, m.Running())
	assert.Equal(t, 1, m.Summary(48*time.Hour).API.Count)
}

func TestMonitor_RunStopsWithContext(t *testing.T) {
	cfg := DefaultMonitorConfig()
	cfg.CleanupInterval = time.Millisecond
	cfg.AnalysisInterval = time.Millisecond
	m := NewMonitor(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
