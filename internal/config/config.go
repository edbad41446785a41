// Package config loads the service configuration from defaults, YAML files
// and environment variables, and hot reloads the TTL policy file.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Environment is the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

type Config struct {
	Environment Environment `yaml:"environment" validate:"required,oneof=development staging production"`
	ServiceName string      `yaml:"service_name" validate:"required"`

	Server    Server    `yaml:"server"`
	Cache     Cache     `yaml:"cache"`
	TTLPolicy TTLPolicy `yaml:"ttl_policy"`
	Query     Query     `yaml:"query"`
	Response  Response  `yaml:"response"`
	Monitor   Monitor   `yaml:"monitor"`
	Alerts    Alerts    `yaml:"alerts"`
	Tracing   Tracing   `yaml:"tracing"`
	Metrics   Metrics   `yaml:"metrics"`
	Logging   Logging   `yaml:"logging"`

	// LoadedFrom lists the sources applied, lowest priority first.
	LoadedFrom []string `yaml:"-"`
}

type Server struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gt=0"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
	RequestTimeout  time.Duration `yaml:"request_timeout" validate:"gt=0"`
}

// Addr is the listen address.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type Cache struct {
	// Backend selects the shared store; memory runs without one.
	Backend   string   `yaml:"backend" validate:"oneof=memory redis dynamodb"`
	KeyPrefix string   `yaml:"key_prefix"`
	Redis     Redis    `yaml:"redis"`
	DynamoDB  DynamoDB `yaml:"dynamodb"`
	Memory    Memory   `yaml:"memory"`
	Failover  Failover `yaml:"failover"`
	// SingleFlight collapses concurrent misses for one key in Cached.
	SingleFlight bool `yaml:"single_flight"`
}

type Redis struct {
	URL          string        `yaml:"url"`
	PoolSize     int           `yaml:"pool_size" validate:"gte=0"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type DynamoDB struct {
	Table  string `yaml:"table"`
	Region string `yaml:"region"`
}

type Memory struct {
	MaxItems       int           `yaml:"max_items" validate:"min=1"`
	MaxMemoryBytes int64         `yaml:"max_memory_bytes" validate:"min=1"`
	SweepInterval  time.Duration `yaml:"sweep_interval" validate:"gt=0"`
}

type Failover struct {
	OperationTimeout    time.Duration `yaml:"operation_timeout" validate:"gt=0"`
	ReconnectMin        time.Duration `yaml:"reconnect_min" validate:"gt=0"`
	ReconnectMax        time.Duration `yaml:"reconnect_max" validate:"gt=0"`
	ProbeInterval       time.Duration `yaml:"probe_interval" validate:"gt=0"`
	ConsecutiveFailures uint32        `yaml:"consecutive_failures" validate:"min=1"`
}

// TTLPolicy holds the three prefix tables. When File is set its contents
// replace the tables at startup and on every change.
type TTLPolicy struct {
	File string `yaml:"file"`
	// Watch enables hot reload of File.
	Watch bool `yaml:"watch"`
	PolicySet `yaml:",inline"`
}

// PolicySet is the shape of the TTL policy file.
type PolicySet struct {
	// Cache is matched against cache keys; Default applies to unmatched keys.
	Cache PolicyTable `yaml:"cache"`
	// Queries is matched against query labels.
	Queries PolicyTable `yaml:"queries"`
	// Endpoints is matched against endpoint names.
	Endpoints PolicyTable `yaml:"endpoints"`
}

type PolicyTable struct {
	Default  time.Duration            `yaml:"default" validate:"gte=0"`
	Prefixes map[string]time.Duration `yaml:"prefixes" validate:"dive,gt=0"`
}

type Query struct {
	MaxAttempts      int           `yaml:"max_attempts" validate:"min=1,max=10"`
	BaseDelay        time.Duration `yaml:"base_delay" validate:"gt=0"`
	MaxWait          time.Duration `yaml:"max_wait" validate:"gt=0"`
	CacheAfter       time.Duration `yaml:"cache_after" validate:"gt=0"`
	AlwaysCache      []string      `yaml:"always_cache"`
	MinTTL           time.Duration `yaml:"min_ttl" validate:"gt=0"`
	MaxTTL           time.Duration `yaml:"max_ttl" validate:"gt=0"`
	WarnAfter        time.Duration `yaml:"warn_after" validate:"gt=0"`
	CriticalAfter    time.Duration `yaml:"critical_after" validate:"gt=0"`
	BatchConcurrency int           `yaml:"batch_concurrency" validate:"min=1"`
}

type Response struct {
	MaxStringLength int           `yaml:"max_string_length" validate:"min=1"`
	PaginateAbove   int           `yaml:"paginate_above" validate:"min=1"`
	DefaultLimit    int           `yaml:"default_limit" validate:"min=1"`
	MaxLimit        int           `yaml:"max_limit" validate:"min=1"`
	MaxParamLength  int           `yaml:"max_param_length" validate:"min=1"`
	NumericBound    float64       `yaml:"numeric_bound" validate:"gt=0"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" validate:"min=1"`
	SlowAfter       time.Duration `yaml:"slow_after" validate:"gt=0"`
	CriticalAfter   time.Duration `yaml:"critical_after" validate:"gt=0"`
	CompressAbove   int           `yaml:"compress_above" validate:"min=0"`
	MaxTTL          time.Duration `yaml:"max_ttl" validate:"gt=0"`
}

type Monitor struct {
	APIThreshold      time.Duration `yaml:"api_threshold" validate:"gt=0"`
	DatabaseThreshold time.Duration `yaml:"database_threshold" validate:"gt=0"`
	CacheThreshold    time.Duration `yaml:"cache_threshold" validate:"gt=0"`
	Retention         time.Duration `yaml:"retention" validate:"gt=0"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval" validate:"gt=0"`
	AnalysisInterval  time.Duration `yaml:"analysis_interval" validate:"gt=0"`
	MaxRecords        int           `yaml:"max_records" validate:"min=1"`
}

type Alerts struct {
	// EventBridge publishing is off unless Enabled is set.
	Enabled      bool   `yaml:"enabled"`
	EventBusName string `yaml:"event_bus_name"`
	Source       string `yaml:"source"`
	Region       string `yaml:"region"`
}

type Tracing struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`
	Insecure   bool    `yaml:"insecure"`
	SampleRate float64 `yaml:"sample_rate" validate:"gte=0,lte=1"`
}

type Metrics struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace" validate:"required"`
	Path      string `yaml:"path" validate:"required,startswith=/"`
}

type Logging struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

// IsProduction reports whether the config targets production.
// ResolvedBackend is the backend the service actually runs. A networked
// backend without its connection setting resolves to "memory"; reason says
// which setting was missing and is empty otherwise.
func (c Cache) ResolvedBackend() (backend, reason string) {
	switch {
	case c.Backend == "redis" && c.Redis.URL == "":
		return "memory", "cache.redis.url is empty"
	case c.Backend == "dynamodb" && c.DynamoDB.Table == "":
		return "memory", "cache.dynamodb.table is empty"
	}
	return c.Backend, ""
}

func (c *Config) IsProduction() bool {
	return c.Environment == Production
}

// Validate checks field constraints and the rules that span fields.
func (c *Config) Validate() error {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	var problems []string
	if err := v.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !asValidationErrors(err, &fieldErrs) {
			return err
		}
		for _, fe := range fieldErrs {
			problems = append(problems, fmt.Sprintf("%s: failed %s%s", fieldPath(fe.Namespace()), fe.Tag(), param(fe.Param())))
		}
	}

	if c.Cache.Failover.ReconnectMin > c.Cache.Failover.ReconnectMax {
		problems = append(problems, "cache.failover.reconnect_min: must not exceed reconnect_max")
	}
	if c.Query.MinTTL > c.Query.MaxTTL {
		problems = append(problems, "query.min_ttl: must not exceed max_ttl")
	}
	if c.Response.DefaultLimit > c.Response.MaxLimit {
		problems = append(problems, "response.default_limit: must not exceed max_limit")
	}
	if c.Alerts.Enabled && c.Alerts.EventBusName == "" {
		problems = append(problems, "alerts.event_bus_name: required when alerts are enabled")
	}
	if c.TTLPolicy.Watch && c.TTLPolicy.File == "" {
		problems = append(problems, "ttl_policy.file: required when watch is set")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	fieldErrs, ok := err.(validator.ValidationErrors)
	if ok {
		*target = fieldErrs
	}
	return ok
}

// fieldPath drops the root struct name: "Config.cache.redis.url" becomes
// "cache.redis.url".
func fieldPath(namespace string) string {
	if _, rest, ok := strings.Cut(namespace, "."); ok {
		return rest
	}
	return namespace
}

func param(p string) string {
	if p == "" {
		return ""
	}
	return "=" + p
}

func getEnvironment() Environment {
	switch Environment(strings.ToLower(os.Getenv("ENVIRONMENT"))) {
	case Production:
		return Production
	case Staging:
		return Staging
	default:
		return Development
	}
}
