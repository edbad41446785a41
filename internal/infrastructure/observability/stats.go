package observability

import (
	"sync"
	"time"
)

// Sample is one observation fed into a StatTable.
type Sample struct {
	Duration time.Duration
	CacheHit bool
	Failed   bool
	// Items is the number of units the sample covered; zero counts as one.
	Items int
}

// AggregateStat summarises every sample recorded under one label. Duration
// figures only cover samples that were not served from cache.
type AggregateStat struct {
	Count           int64     `json:"count"`
	CacheHitCount   int64     `json:"cacheHitCount"`
	ErrorCount      int64     `json:"errorCount"`
	ItemCount       int64     `json:"itemCount"`
	TotalDurationMs float64   `json:"totalDurationMs"`
	AvgDurationMs   float64   `json:"avgDurationMs"`
	MaxDurationMs   float64   `json:"maxDurationMs"`
	MinDurationMs   float64   `json:"minDurationMs"`
	LastSeen        time.Time `json:"lastSeen"`
}

// HitRatePct is the share of samples served from cache, 0..100.
func (s AggregateStat) HitRatePct() float64 {
	if s.Count == 0 {
		return 0
	}
	return float64(s.CacheHitCount) / float64(s.Count) * 100
}

func (s *AggregateStat) add(sample Sample, now time.Time) {
	s.Count++
	s.LastSeen = now
	if sample.Items > 0 {
		s.ItemCount += int64(sample.Items)
	} else {
		s.ItemCount++
	}
	if sample.Failed {
		s.ErrorCount++
	}
	if sample.CacheHit {
		s.CacheHitCount++
		return
	}

	ms := durationMs(sample.Duration)
	timed := s.Count - s.CacheHitCount
	if timed == 1 {
		s.MinDurationMs = ms
		s.MaxDurationMs = ms
	} else {
		s.MinDurationMs = min(s.MinDurationMs, ms)
		s.MaxDurationMs = max(s.MaxDurationMs, ms)
	}
	s.TotalDurationMs += ms
	s.AvgDurationMs = s.TotalDurationMs / float64(timed)
}

// StatTable is a concurrency-safe map of label to AggregateStat shared by
// the query and response optimizers.
type StatTable struct {
	mu    sync.Mutex
	stats map[string]*AggregateStat
	now   func() time.Time
}

func NewStatTable() *StatTable {
	return &StatTable{stats: make(map[string]*AggregateStat), now: time.Now}
}

func (t *StatTable) Record(label string, sample Sample) AggregateStat {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.stats[label]
	if !ok {
		s = &AggregateStat{}
		t.stats[label] = s
	}
	s.add(sample, t.now())
	return *s
}

func (t *StatTable) Get(label string) (AggregateStat, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.stats[label]
	if !ok {
		return AggregateStat{}, false
	}
	return *s, true
}

// Snapshot copies the table.
func (t *StatTable) Snapshot() map[string]AggregateStat {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]AggregateStat, len(t.stats))
	for label, s := range t.stats {
		out[label] = *s
	}
	return out
}

func (t *StatTable) Reset() {
	t.mu.Lock()
	t.stats = make(map[string]*AggregateStat)
	t.mu.Unlock()
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
