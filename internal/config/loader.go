package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader layers configuration sources. From lowest to highest priority:
// defaults, base.yaml, <environment>.yaml, local.yaml (development only),
// environment variables. A configured TTL policy file then replaces the
// policy tables wholesale.
type Loader struct {
	basePath    string
	environment Environment
	sources     []string
	lookupEnv   func(string) (string, bool)
}

func NewLoader(basePath string, env Environment) *Loader {
	if basePath == "" {
		basePath = "config"
	}
	return &Loader{
		basePath:    basePath,
		environment: env,
		lookupEnv:   os.LookupEnv,
	}
}

func (l *Loader) Load() (*Config, error) {
	l.sources = l.sources[:0]
	cfg := Defaults(l.environment)
	l.sources = append(l.sources, "defaults")

	if err := l.loadFile("base", cfg); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load base config: %w", err)
	}
	envFile := strings.ToLower(string(l.environment))
	if err := l.loadFile(envFile, cfg); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load %s config: %w", envFile, err)
	}
	if l.environment == Development {
		if err := l.loadFile("local", cfg); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load local config: %w", err)
		}
	}
	// the files may not switch environments behind the loader's back
	cfg.Environment = l.environment

	l.loadEnvironmentVariables(cfg)
	l.sources = append(l.sources, "environment")

	if cfg.TTLPolicy.File != "" {
		set, err := LoadPolicyFile(cfg.TTLPolicy.File)
		if err != nil {
			return nil, err
		}
		cfg.TTLPolicy.PolicySet = set
		l.sources = append(l.sources, cfg.TTLPolicy.File)
	}

	cfg.LoadedFrom = append([]string(nil), l.sources...)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// loadFile overlays <basePath>/<name>.yaml or .yml onto cfg.
func (l *Loader) loadFile(name string, cfg *Config) error {
	for _, ext := range []string{"yaml", "yml"} {
		path := filepath.Join(l.basePath, name+"."+ext)
		f, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		err = decodeYAML(f, cfg)
		f.Close()
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
		l.sources = append(l.sources, path)
		return nil
	}
	return os.ErrNotExist
}

func decodeYAML(r io.Reader, target any) error {
	err := yaml.NewDecoder(r).Decode(target)
	if err == io.EOF {
		return nil
	}
	return err
}

// LoadPolicyFile reads a TTL policy file.
func LoadPolicyFile(path string) (PolicySet, error) {
	f, err := os.Open(path)
	if err != nil {
		return PolicySet{}, fmt.Errorf("failed to open ttl policy %s: %w", path, err)
	}
	defer f.Close()

	var set PolicySet
	if err := decodeYAML(f, &set); err != nil {
		return PolicySet{}, fmt.Errorf("failed to parse ttl policy %s: %w", path, err)
	}
	if err := set.validate(); err != nil {
		return PolicySet{}, fmt.Errorf("invalid ttl policy %s: %w", path, err)
	}
	return set, nil
}

func (s PolicySet) validate() error {
	for name, table := range map[string]PolicyTable{"cache": s.Cache, "queries": s.Queries, "endpoints": s.Endpoints} {
		if table.Default < 0 {
			return fmt.Errorf("%s.default: must not be negative", name)
		}
		for prefix, ttl := range table.Prefixes {
			if prefix == "" || ttl <= 0 {
				return fmt.Errorf("%s.prefixes[%q]: ttl must be positive", name, prefix)
			}
		}
	}
	return nil
}

func (l *Loader) loadEnvironmentVariables(cfg *Config) {
	l.envStr("SERVICE_NAME", &cfg.ServiceName)
	l.envStr("SERVER_HOST", &cfg.Server.Host)
	l.envInt("SERVER_PORT", &cfg.Server.Port)
	l.envDuration("REQUEST_TIMEOUT", &cfg.Server.RequestTimeout)

	l.envStr("CACHE_BACKEND", &cfg.Cache.Backend)
	l.envStr("CACHE_KEY_PREFIX", &cfg.Cache.KeyPrefix)
	l.envStr("REDIS_URL", &cfg.Cache.Redis.URL)
	l.envStr("CACHE_TABLE", &cfg.Cache.DynamoDB.Table)
	l.envStr("AWS_REGION", &cfg.Cache.DynamoDB.Region)
	l.envStr("AWS_REGION", &cfg.Alerts.Region)
	l.envInt("CACHE_MAX_ITEMS", &cfg.Cache.Memory.MaxItems)
	l.envBool("CACHE_SINGLE_FLIGHT", &cfg.Cache.SingleFlight)

	l.envStr("TTL_POLICY_FILE", &cfg.TTLPolicy.File)
	l.envBool("TTL_POLICY_WATCH", &cfg.TTLPolicy.Watch)

	l.envBool("ALERTS_ENABLED", &cfg.Alerts.Enabled)
	l.envStr("ALERT_EVENT_BUS", &cfg.Alerts.EventBusName)
	l.envStr("ALERT_SOURCE", &cfg.Alerts.Source)

	l.envBool("TRACING_ENABLED", &cfg.Tracing.Enabled)
	l.envStr("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.Tracing.Endpoint)
	l.envBool("ENABLE_METRICS", &cfg.Metrics.Enabled)

	l.envStr("LOG_LEVEL", &cfg.Logging.Level)
	l.envStr("LOG_FORMAT", &cfg.Logging.Format)
}

func (l *Loader) envStr(name string, dst *string) {
	if v, ok := l.lookupEnv(name); ok && v != "" {
		*dst = v
	}
}

func (l *Loader) envInt(name string, dst *int) {
	if v, ok := l.lookupEnv(name); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func (l *Loader) envBool(name string, dst *bool) {
	if v, ok := l.lookupEnv(name); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func (l *Loader) envDuration(name string, dst *time.Duration) {
	if v, ok := l.lookupEnv(name); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// Defaults is the configuration used when no file or variable overrides it.
func Defaults(env Environment) *Config {
	cfg := &Config{
		Environment: env,
		ServiceName: "workshop-backend",
		Server: Server{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RequestTimeout:  30 * time.Second,
		},
		Cache: Cache{
			Backend:   "memory",
			KeyPrefix: "workshop:",
			Redis:     Redis{PoolSize: 10},
			DynamoDB:  DynamoDB{Region: "us-east-1"},
			Memory: Memory{
				MaxItems:       10000,
				MaxMemoryBytes: 64 << 20,
				SweepInterval:  time.Minute,
			},
			Failover: Failover{
				OperationTimeout:    250 * time.Millisecond,
				ReconnectMin:        500 * time.Millisecond,
				ReconnectMax:        30 * time.Second,
				ProbeInterval:       15 * time.Second,
				ConsecutiveFailures: 5,
			},
		},
		TTLPolicy: TTLPolicy{
			PolicySet: PolicySet{
				Cache: PolicyTable{
					Default: 300 * time.Second,
					Prefixes: map[string]time.Duration{
						"workshop:":  600 * time.Second,
						"analytics:": 300 * time.Second,
						"session:":   86400 * time.Second,
					},
				},
			},
		},
		Query: Query{
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
		},
		Response: Response{
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
		},
		Monitor: Monitor{
			APIThreshold:      100 * time.Millisecond,
			DatabaseThreshold: 50 * time.Millisecond,
			CacheThreshold:    10 * time.Millisecond,
			Retention:         24 * time.Hour,
			CleanupInterval:   time.Hour,
			AnalysisInterval:  5 * time.Minute,
			MaxRecords:        100000,
		},
		Alerts: Alerts{
			EventBusName: "default",
			Source:       "workshop.performance",
			Region:       "us-east-1",
		},
		Tracing: Tracing{
			Endpoint:   "localhost:4317",
			Insecure:   true,
			SampleRate: 0.1,
		},
		Metrics: Metrics{
			Enabled:   true,
			Namespace: "workshop",
			Path:      "/metrics",
		},
		Logging: Logging{
			Level:  "info",
			Format: "json",
		},
	}
	if env == Development {
		cfg.Logging.Level = "debug"
		cfg.Logging.Format = "console"
		cfg.Tracing.SampleRate = 1
	}
	return cfg
}

// LoadWithLoader loads from CONFIG_DIR (default "config") for the
// environment named by ENVIRONMENT.
func LoadWithLoader() (*Config, error) {
	return NewLoader(os.Getenv("CONFIG_DIR"), getEnvironment()).Load()
}

// MustLoadWithLoader is LoadWithLoader for main.
func MustLoadWithLoader() *Config {
	cfg, err := LoadWithLoader()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}
