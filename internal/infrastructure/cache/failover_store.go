package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	apperrors "workshop-backend/internal/errors"
)

// FailoverConfig tunes the failover store.
type FailoverConfig struct {
	// OperationTimeout bounds each call to the remote backend.
	OperationTimeout time.Duration
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration
	// ProbeInterval is how often a connected backend is pinged and its key
	// count refreshed.
	ProbeInterval time.Duration
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32
}

func DefaultFailoverConfig() FailoverConfig {
	return FailoverConfig{
		OperationTimeout:    250 * time.Millisecond,
		ReconnectMin:        500 * time.Millisecond,
		ReconnectMax:        30 * time.Second,
		ProbeInterval:       15 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// FailoverStore serves from a remote backend while it is healthy and from an
// in-process MemoryStore otherwise. Callers never see backend errors.
//
// Writes go to both stores so the local copy is warm when a failover
// happens. While disconnected, a background goroutine reconnects with capped
// exponential backoff.
type FailoverStore struct {
	remote RemoteStore
	local  *MemoryStore
	cfg    FailoverConfig
	logger *zap.Logger

	breaker    atomic.Pointer[gobreaker.CircuitBreaker]
	connected  atomic.Bool
	remoteKeys atomic.Int64
	checkedAt  atomic.Int64

	disconnects chan struct{}
	onState     func(connected bool)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// FailoverOption configures a FailoverStore.
type FailoverOption func(*FailoverStore)

// OnStateChange registers a callback run whenever connectivity flips.
func OnStateChange(fn func(connected bool)) FailoverOption {
	return func(s *FailoverStore) { s.onState = fn }
}

// NewFailoverStore probes remote once and starts the background connectivity
// loop. A nil remote yields a memory-only store. Close stops the loop.
func NewFailoverStore(ctx context.Context, remote RemoteStore, local *MemoryStore, cfg FailoverConfig, logger *zap.Logger, opts ...FailoverOption) *FailoverStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultFailoverConfig()
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = defaults.OperationTimeout
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = defaults.ReconnectMin
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = max(defaults.ReconnectMax, cfg.ReconnectMin)
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = defaults.ProbeInterval
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = defaults.ConsecutiveFailures
	}

	s := &FailoverStore{
		remote:      remote,
		local:       local,
		cfg:         cfg,
		logger:      logger,
		disconnects: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if remote == nil {
		return s
	}

	s.breaker.Store(s.newBreaker())

	pingCtx, cancel := context.WithTimeout(ctx, cfg.OperationTimeout*4)
	err := remote.Ping(pingCtx)
	cancel()
	if err != nil {
		logger.Warn("Cache backend unreachable at startup, serving from memory",
			zap.String("backend", string(remote.Kind())),
			zap.Error(err))
		s.setConnected(false)
	} else {
		s.setConnected(true)
	}

	loopCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = stop
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.maintain(loopCtx)
	}()
	return s
}

func (s *FailoverStore) newBreaker() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "cache-" + string(s.remote.Kind()),
		MaxRequests: 1,
		Timeout:     s.cfg.ReconnectMin,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Info("Cache breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			if to == gobreaker.StateOpen {
				s.markDisconnected()
			}
		},
	})
}

// Connected reports the last known state of the remote backend.
func (s *FailoverStore) Connected() bool {
	return s.remote != nil && s.connected.Load()
}

func (s *FailoverStore) setConnected(connected bool) {
	prev := s.connected.Swap(connected)
	first := s.checkedAt.Swap(time.Now().UnixNano()) == 0
	if (first || prev != connected) && s.onState != nil {
		s.onState(connected)
	}
}

func (s *FailoverStore) markDisconnected() {
	if !s.connected.CompareAndSwap(true, false) {
		return
	}
	s.checkedAt.Store(time.Now().UnixNano())
	if s.onState != nil {
		s.onState(false)
	}
	s.logger.Warn("Cache backend disconnected, serving from memory",
		zap.String("backend", string(s.remote.Kind())))
	select {
	case s.disconnects <- struct{}{}:
	default:
	}
}

// callRemote runs fn against the remote backend through the breaker. ok is
// false when the call was not attempted or failed.
func (s *FailoverStore) callRemote(ctx context.Context, op string, fn func(ctx context.Context) (any, error)) (any, bool) {
	if !s.Connected() {
		return nil, false
	}

	res, err := s.breaker.Load().Execute(func() (any, error) {
		opCtx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
		defer cancel()
		return fn(opCtx)
	})
	if err == nil {
		return res, true
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, false
	}
	unavailable := apperrors.CacheUnavailable("CACHE_REMOTE_FAILED", "cache backend call failed").
		WithOperation(op).
		WithResource(string(s.remote.Kind())).
		WithCause(err).
		Build()
	s.logger.Debug("Cache backend call failed, using memory", zap.Error(unavailable))
	return nil, false
}

func (s *FailoverStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	type result struct {
		value []byte
		found bool
	}
	res, ok := s.callRemote(ctx, "get", func(ctx context.Context) (any, error) {
		v, found, err := s.remote.Get(ctx, key)
		return result{v, found}, err
	})
	if ok {
		r := res.(result)
		return r.value, r.found, nil
	}
	return s.local.Get(ctx, key)
}

func (s *FailoverStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.callRemote(ctx, "set", func(ctx context.Context) (any, error) {
		return nil, s.remote.Set(ctx, key, value, ttl)
	})
	return s.local.Set(ctx, key, value, ttl)
}

func (s *FailoverStore) Delete(ctx context.Context, key string) error {
	s.callRemote(ctx, "delete", func(ctx context.Context) (any, error) {
		return nil, s.remote.Delete(ctx, key)
	})
	return s.local.Delete(ctx, key)
}

func (s *FailoverStore) Clear(ctx context.Context) error {
	if s.Connected() {
		// Clear scans the keyspace, so it gets a longer budget than point calls
		// and bypasses the breaker.
		clearCtx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout*40)
		if err := s.remote.Clear(clearCtx); err != nil {
			s.logger.Warn("Failed to clear cache backend", zap.Error(err))
		}
		cancel()
	}
	return s.local.Clear(ctx)
}

// Stats never touches the network.
func (s *FailoverStore) Stats(ctx context.Context) BackendStats {
	if s.remote == nil {
		return s.local.Stats(ctx)
	}

	stats := BackendStats{
		BackendKind:     s.remote.Kind(),
		ConnectionState: StateConnected,
		ApproxKeyCount:  s.remoteKeys.Load(),
	}
	if at := s.checkedAt.Load(); at != 0 {
		stats.CheckedAt = time.Unix(0, at)
	}

	switch {
	case !s.connected.Load():
		stats.ConnectionState = StateDisconnected
		stats.FallbackActive = true
		stats.ApproxKeyCount = int64(s.local.Len())
	default:
		cb := s.breaker.Load()
		if cb.State() != gobreaker.StateClosed || cb.Counts().ConsecutiveFailures > 0 {
			stats.ConnectionState = StateDegraded
		}
	}
	return stats
}

// Close stops the background loop and closes the remote client.
func (s *FailoverStore) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	if s.remote != nil {
		return s.remote.Close()
	}
	return nil
}

func (s *FailoverStore) maintain(ctx context.Context) {
	probe := time.NewTicker(s.cfg.ProbeInterval)
	defer probe.Stop()

	if s.connected.Load() {
		s.refreshStats(ctx)
	}

	for {
		if !s.connected.Load() {
			if err := s.reconnect(ctx); err != nil {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-s.disconnects:
		case <-probe.C:
			s.probe(ctx)
		}
	}
}

func (s *FailoverStore) probe(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout*4)
	err := s.remote.Ping(pingCtx)
	cancel()
	if err != nil {
		s.markDisconnected()
		return
	}
	s.refreshStats(ctx)
}

func (s *FailoverStore) refreshStats(ctx context.Context) {
	statsCtx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout*4)
	defer cancel()
	if stats := s.remote.Stats(statsCtx); stats.ConnectionState == StateConnected {
		s.remoteKeys.Store(stats.ApproxKeyCount)
		s.checkedAt.Store(time.Now().UnixNano())
	}
}

// reconnect pings the remote with capped exponential backoff until it
// answers or ctx ends.
func (s *FailoverStore) reconnect(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.ReconnectMin
	b.MaxInterval = s.cfg.ReconnectMax
	b.Multiplier = 2

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		pingCtx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout*4)
		defer cancel()
		return struct{}{}, s.remote.Ping(pingCtx)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.logger.Debug("Cache backend still unreachable",
				zap.String("backend", string(s.remote.Kind())),
				zap.Duration("retry_in", next),
				zap.Error(err))
		}),
	)
	if err != nil {
		return err
	}

	s.breaker.Store(s.newBreaker())
	s.setConnected(true)
	s.refreshStats(ctx)
	s.logger.Info("Cache backend reconnected", zap.String("backend", string(s.remote.Kind())))
	return nil
}
