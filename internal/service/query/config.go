package query

import (
	"strings"
	"time"
)

// Config tunes the optimizer. Zero fields take the DefaultConfig value.
type Config struct {
	MaxAttempts int
	// BaseDelay is the first retry delay; each later retry doubles it.
	BaseDelay time.Duration
	// MaxWait caps a single retry delay.
	MaxWait time.Duration

	// CacheAfter is the fetch duration above which results are cached.
	CacheAfter time.Duration
	// AlwaysCache lists label prefixes whose results are cached regardless
	// of how fast they were.
	AlwaysCache []string
	MinTTL      time.Duration
	MaxTTL      time.Duration

	WarnAfter     time.Duration
	CriticalAfter time.Duration

	BatchConcurrency int
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:      3,
		BaseDelay:        100 * time.Millisecond,
		MaxWait:          2 * time.Second,
		CacheAfter:       50 * time.Millisecond,
		AlwaysCache:      []string{"workshop", "customer", "vehicle", "service"},
		MinTTL:           60 * time.Second,
		MaxTTL:           900 * time.Second,
		WarnAfter:        200 * time.Millisecond,
		CriticalAfter:    500 * time.Millisecond,
		BatchConcurrency: 8,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxWait <= 0 {
		c.MaxWait = d.MaxWait
	}
	if c.CacheAfter <= 0 {
		c.CacheAfter = d.CacheAfter
	}
	if c.AlwaysCache == nil {
		c.AlwaysCache = d.AlwaysCache
	}
	if c.MinTTL <= 0 {
		c.MinTTL = d.MinTTL
	}
	if c.MaxTTL < c.MinTTL {
		c.MaxTTL = max(d.MaxTTL, c.MinTTL)
	}
	if c.WarnAfter <= 0 {
		c.WarnAfter = d.WarnAfter
	}
	if c.CriticalAfter <= c.WarnAfter {
		c.CriticalAfter = max(d.CriticalAfter, c.WarnAfter)
	}
	if c.BatchConcurrency <= 0 {
		c.BatchConcurrency = d.BatchConcurrency
	}
	return c
}

func (c Config) alwaysCached(label string) bool {
	for _, prefix := range c.AlwaysCache {
		if strings.HasPrefix(label, prefix) {
			return true
		}
	}
	return false
}

// Priority orders the fetch phase of a batch.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

type runOptions struct {
	skipCache bool
	ttl       time.Duration
	priority  Priority
	params    []any
	timeout   time.Duration
	maxWait   time.Duration
}

// RunOption adjusts a single Run or batch entry.
type RunOption func(*runOptions)

// SkipCache bypasses the lookup. The fresh result is still written back.
func SkipCache() RunOption {
	return func(o *runOptions) { o.skipCache = true }
}

// WithTTL overrides the computed cache TTL.
func WithTTL(ttl time.Duration) RunOption {
	return func(o *runOptions) { o.ttl = ttl }
}

func WithPriority(p Priority) RunOption {
	return func(o *runOptions) { o.priority = p }
}

// WithParams adds values that distinguish otherwise identical labels, such as
// filters or a tenant ID. They are hashed into the cache key.
func WithParams(params ...any) RunOption {
	return func(o *runOptions) { o.params = append(o.params, params...) }
}

// WithTimeout bounds each attempt. An attempt that runs out of time counts
// as a transient failure.
func WithTimeout(d time.Duration) RunOption {
	return func(o *runOptions) { o.timeout = d }
}

// WithMaxWait caps the delay between attempts.
func WithMaxWait(d time.Duration) RunOption {
	return func(o *runOptions) { o.maxWait = d }
}

func (c Config) resolve(opts []RunOption) runOptions {
	ro := runOptions{priority: PriorityNormal, maxWait: c.MaxWait}
	for _, opt := range opts {
		opt(&ro)
	}
	if ro.maxWait <= 0 {
		ro.maxWait = c.MaxWait
	}
	return ro
}
