package response

import "time"

// Config tunes the optimizer. Zero fields take the DefaultConfig value.
type Config struct {
	// MaxStringLength is the rune count above which string fields are cut.
	MaxStringLength int
	// PaginateAbove is the collection size above which results are paged.
	PaginateAbove int
	DefaultLimit  int
	MaxLimit      int

	// Query parameter sanitising.
	MaxParamLength int
	NumericBound   float64

	// MaxBodyBytes bounds request bodies read by HTTPHandler.
	MaxBodyBytes int64

	SlowAfter     time.Duration
	CriticalAfter time.Duration

	// CompressAbove is the payload size that earns the compression indicator.
	CompressAbove int
	MaxTTL        time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxStringLength: 1000,
		PaginateAbove:   100,
		DefaultLimit:    50,
		MaxLimit:        100,
		MaxParamLength:  200,
		NumericBound:    1e6,
		MaxBodyBytes:    1 << 20,
		SlowAfter:       150 * time.Millisecond,
		CriticalAfter:   time.Second,
		CompressAbove:   1024,
		MaxTTL:          600 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxStringLength <= 0 {
		c.MaxStringLength = d.MaxStringLength
	}
	if c.PaginateAbove <= 0 {
		c.PaginateAbove = d.PaginateAbove
	}
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = d.DefaultLimit
	}
	if c.MaxLimit <= 0 {
		c.MaxLimit = d.MaxLimit
	}
	if c.MaxParamLength <= 0 {
		c.MaxParamLength = d.MaxParamLength
	}
	if c.NumericBound <= 0 {
		c.NumericBound = d.NumericBound
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = d.MaxBodyBytes
	}
	if c.SlowAfter <= 0 {
		c.SlowAfter = d.SlowAfter
	}
	if c.CriticalAfter <= c.SlowAfter {
		c.CriticalAfter = max(d.CriticalAfter, c.SlowAfter)
	}
	if c.CompressAbove <= 0 {
		c.CompressAbove = d.CompressAbove
	}
	if c.MaxTTL <= 0 {
		c.MaxTTL = d.MaxTTL
	}
	return c
}

type handleOptions struct {
	skipCache bool
	ttl       time.Duration
}

// HandleOption adjusts a single Handle call.
type HandleOption func(*handleOptions)

// SkipCache bypasses the response cache entirely. Every method is cached
// otherwise; the key covers the body hash, so handlers with side effects
// must pass it.
func SkipCache() HandleOption {
	return func(o *handleOptions) { o.skipCache = true }
}

// WithTTL overrides the computed response TTL.
func WithTTL(ttl time.Duration) HandleOption {
	return func(o *handleOptions) { o.ttl = ttl }
}

func resolve(opts []HandleOption) handleOptions {
	var o handleOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
