// Package app wires the performance layer together from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"workshop-backend/internal/config"
	"workshop-backend/internal/handlers"
	cachestore "workshop-backend/internal/infrastructure/cache"
	"workshop-backend/internal/infrastructure/events"
	"workshop-backend/internal/infrastructure/observability"
	"workshop-backend/internal/service/cache"
	"workshop-backend/internal/service/query"
	"workshop-backend/internal/service/response"
)

// Container holds every long-lived component. Build it with New and release
// it with Shutdown.
type Container struct {
	Config *config.Config
	Logger *zap.Logger

	Collector *observability.Collector
	Monitor   *observability.Monitor
	Alerter   *observability.Alerter
	Events    *events.EventBridgePublisher

	Store     *cachestore.FailoverStore
	Cache     *cache.Manager
	Queries   *query.Optimizer
	Responses *response.Optimizer

	Ops    *handlers.OpsHandler
	Router *chi.Mux

	local   *cachestore.MemoryStore
	backend string
	tracer  *observability.TracerProvider
	watcher *config.PolicyWatcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds the container and starts its background loops. ctx bounds
// construction only; the loops run until Shutdown. mount adds route groups
// next to the ops endpoints.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, mount ...func(chi.Router)) (*Container, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	bgCtx, cancel := context.WithCancel(context.Background())
	c := &Container{Config: cfg, Logger: logger, cancel: cancel}

	if err := c.initObservability(ctx); err != nil {
		cancel()
		return nil, err
	}
	if err := c.initCache(ctx, bgCtx); err != nil {
		_ = c.shutdownTracing(ctx)
		cancel()
		return nil, err
	}
	c.initOptimizers()
	if err := c.initPolicyWatcher(); err != nil {
		_ = c.Shutdown(ctx)
		return nil, err
	}

	c.Ops = handlers.NewOpsHandler(c.Cache, c.Queries, c.Responses, c.Monitor, c.Collector, logger)
	if cfg.Metrics.Path != "" {
		c.Ops.MetricsPath = cfg.Metrics.Path
	}
	c.Router = handlers.NewRouter(c.Ops, handlers.RouterConfig{
		RequestTimeout: cfg.Server.RequestTimeout,
		Tracing:        cfg.Tracing.Enabled,
	}, logger, mount...)

	c.goBackground(func() { c.Monitor.Run(bgCtx) })
	c.goBackground(func() { c.local.RunSweeper(bgCtx, cfg.Cache.Memory.SweepInterval) })

	logger.Info("Performance layer initialised",
		zap.String("cache_backend", c.backend),
		zap.Bool("alerts_to_eventbridge", c.Events != nil),
		zap.Bool("tracing", cfg.Tracing.Enabled),
		zap.Strings("config_sources", cfg.LoadedFrom))
	return c, nil
}

func (c *Container) initObservability(ctx context.Context) error {
	cfg := c.Config

	if cfg.Metrics.Enabled {
		c.Collector = observability.NewCollector(cfg.Metrics.Namespace)
	}

	c.Monitor = observability.NewMonitor(observability.MonitorConfig{
		APIThreshold:      cfg.Monitor.APIThreshold,
		DatabaseThreshold: cfg.Monitor.DatabaseThreshold,
		CacheThreshold:    cfg.Monitor.CacheThreshold,
		Retention:         cfg.Monitor.Retention,
		CleanupInterval:   cfg.Monitor.CleanupInterval,
		AnalysisInterval:  cfg.Monitor.AnalysisInterval,
		MaxRecords:        cfg.Monitor.MaxRecords,
	},
		observability.WithMonitorLogger(c.Logger),
		observability.WithMonitorCollector(c.Collector),
	)

	sinks := []observability.AlertSink{observability.LogSink{Logger: c.Logger}}
	if cfg.Alerts.Enabled {
		publisher, err := events.NewEventBridgePublisherFromConfig(ctx, cfg.Alerts.Region, cfg.Alerts.EventBusName, cfg.Alerts.Source)
		if err != nil {
			return fmt.Errorf("failed to create alert publisher: %w", err)
		}
		c.Events = publisher
		sinks = append(sinks, publisher)
	}
	c.Alerter = observability.NewAlerter(c.Logger, c.Collector, sinks...)

	if cfg.Tracing.Enabled {
		tp, err := observability.InitTracing(ctx, observability.TracingConfig{
			ServiceName: cfg.ServiceName,
			Environment: string(cfg.Environment),
			Endpoint:    cfg.Tracing.Endpoint,
			Insecure:    cfg.Tracing.Insecure,
			SampleRate:  cfg.Tracing.SampleRate,
		})
		if err != nil {
			return fmt.Errorf("failed to initialise tracing: %w", err)
		}
		c.tracer = tp
	}
	return nil
}

// initCache builds the memory store and, unless the backend is memory, the
// networked store behind the failover wrapper. Neither an unreachable backend
// nor a missing connection setting is an error: the service then runs on the
// memory store alone.
func (c *Container) initCache(ctx, bgCtx context.Context) error {
	cfg := c.Config.Cache
	c.local = cachestore.NewMemoryStore(cfg.Memory.MaxItems, cfg.Memory.MaxMemoryBytes, c.Logger)

	backend, reason := cfg.ResolvedBackend()
	if reason != "" {
		c.Logger.Warn("Cache backend not configured, using in-process cache only",
			zap.String("configured_backend", cfg.Backend),
			zap.String("reason", reason))
	}
	c.backend = backend

	var remote cachestore.RemoteStore
	switch backend {
	case "redis":
		store, err := cachestore.NewRedisStore(cfg.Redis.URL, cachestore.RedisOptions{
			KeyPrefix:    cfg.KeyPrefix,
			PoolSize:     cfg.Redis.PoolSize,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		}, c.Logger)
		if err != nil {
			return err
		}
		remote = store
	case "dynamodb":
		store, err := cachestore.NewDynamoStoreFromConfig(ctx, cfg.DynamoDB.Region, cfg.DynamoDB.Table, cfg.KeyPrefix, c.Logger)
		if err != nil {
			return err
		}
		remote = store
	}

	c.Store = cachestore.NewFailoverStore(bgCtx, remote, c.local, cachestore.FailoverConfig{
		OperationTimeout:    cfg.Failover.OperationTimeout,
		ReconnectMin:        cfg.Failover.ReconnectMin,
		ReconnectMax:        cfg.Failover.ReconnectMax,
		ProbeInterval:       cfg.Failover.ProbeInterval,
		ConsecutiveFailures: cfg.Failover.ConsecutiveFailures,
	}, c.Logger, cachestore.OnStateChange(c.backendStateChanged))

	opts := []cache.Option{
		cache.WithMonitor(c.Monitor),
		cache.WithCollector(c.Collector),
		cache.WithLogger(c.Logger),
		cache.WithPolicy(cachePolicy(c.Config.TTLPolicy.Cache)),
	}
	if cfg.SingleFlight {
		opts = append(opts, cache.WithSingleFlight())
	}
	c.Cache = cache.NewManager(c.Store, opts...)
	return nil
}

func (c *Container) backendStateChanged(connected bool) {
	c.Collector.SetBackendConnected(connected)
	if c.Events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Events.BackendStateChanged(ctx, c.backend, connected); err != nil {
		c.Logger.Warn("Failed to publish cache backend state", zap.Error(err))
	}
}

func (c *Container) initOptimizers() {
	q := c.Config.Query
	policies := c.Config.TTLPolicy.PolicySet

	c.Queries = query.NewOptimizer(c.Cache, query.Config{
		MaxAttempts:      q.MaxAttempts,
		BaseDelay:        q.BaseDelay,
		MaxWait:          q.MaxWait,
		CacheAfter:       q.CacheAfter,
		AlwaysCache:      q.AlwaysCache,
		MinTTL:           q.MinTTL,
		MaxTTL:           q.MaxTTL,
		WarnAfter:        q.WarnAfter,
		CriticalAfter:    q.CriticalAfter,
		BatchConcurrency: q.BatchConcurrency,
	},
		query.WithMonitor(c.Monitor),
		query.WithAlerter(c.Alerter),
		query.WithCollector(c.Collector),
		query.WithLogger(c.Logger),
		query.WithTTLPolicy(prefixPolicy(policies.Queries)),
	)

	r := c.Config.Response
	c.Responses = response.NewOptimizer(c.Cache, response.Config{
		MaxStringLength: r.MaxStringLength,
		PaginateAbove:   r.PaginateAbove,
		DefaultLimit:    r.DefaultLimit,
		MaxLimit:        r.MaxLimit,
		MaxParamLength:  r.MaxParamLength,
		NumericBound:    r.NumericBound,
		MaxBodyBytes:    r.MaxBodyBytes,
		SlowAfter:       r.SlowAfter,
		CriticalAfter:   r.CriticalAfter,
		CompressAbove:   r.CompressAbove,
		MaxTTL:          r.MaxTTL,
	},
		response.WithMonitor(c.Monitor),
		response.WithAlerter(c.Alerter),
		response.WithCollector(c.Collector),
		response.WithLogger(c.Logger),
		response.WithTTLPolicy(prefixPolicy(policies.Endpoints)),
	)
}

func (c *Container) initPolicyWatcher() error {
	p := c.Config.TTLPolicy
	if !p.Watch || p.File == "" {
		return nil
	}
	w, err := config.NewPolicyWatcher(p.File, p.PolicySet, c.Logger)
	if err != nil {
		return err
	}
	w.OnChange(c.ApplyPolicies)
	c.watcher = w
	return nil
}

// ApplyPolicies swaps all three TTL tables at runtime.
func (c *Container) ApplyPolicies(set config.PolicySet) {
	c.Cache.SetPolicy(cachePolicy(set.Cache))
	c.Queries.SetTTLPolicy(prefixPolicy(set.Queries))
	c.Responses.SetTTLPolicy(prefixPolicy(set.Endpoints))
}

func cachePolicy(t config.PolicyTable) *cache.Policy {
	def := t.Default
	if def <= 0 {
		def = cache.DefaultPolicy().Default
	}
	return cache.NewPolicy(def, t.Prefixes)
}

// prefixPolicy builds a table consulted by Match only; its Default is unused.
func prefixPolicy(t config.PolicyTable) *cache.Policy {
	return cache.NewPolicy(0, t.Prefixes)
}

func (c *Container) goBackground(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

// Shutdown stops the background loops and flushes traces.
func (c *Container) Shutdown(ctx context.Context) error {
	if c.watcher != nil {
		c.watcher.Stop()
	}
	c.cancel()

	var errs []error
	if c.Store != nil {
		if err := c.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("cache store: %w", err))
		}
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}

	if err := c.shutdownTracing(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Container) shutdownTracing(ctx context.Context) error {
	if c.tracer == nil {
		return nil
	}
	if err := c.tracer.Shutdown(ctx); err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	return nil
}
