package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"workshop-backend/internal/config"
)

func testConfig() *config.Config {
	cfg := config.Defaults(config.Development)
	cfg.Metrics.Namespace = "apptest"
	return cfg
}

func TestNew(t *testing.T) {
	t.Run("Should serve health from a memory backed container", func(t *testing.T) {
		c, err := New(context.Background(), testConfig(), zap.NewNop())
		require.NoError(t, err)
		defer c.Shutdown(context.Background())

		w := httptest.NewRecorder()
		c.Router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

		require.Equal(t, http.StatusOK, w.Code)
		var body map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "excellent", body["status"])
		assert.Equal(t, "connected", body["cache"])
	})

	t.Run("Should mount extra routes and the configured metrics path", func(t *testing.T) {
		cfg := testConfig()
		cfg.Metrics.Path = "/internal/metrics"

		c, err := New(context.Background(), cfg, nil, func(r chi.Router) {
			r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
		})
		require.NoError(t, err)
		defer c.Shutdown(context.Background())

		w := httptest.NewRecorder()
		c.Router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
		assert.Equal(t, http.StatusNoContent, w.Code)

		w = httptest.NewRecorder()
		c.Router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/internal/metrics", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("Should fail on an unparseable redis url", func(t *testing.T) {
		cfg := testConfig()
		cfg.Cache.Backend = "redis"
		cfg.Cache.Redis.URL = "not a url"

		_, err := New(context.Background(), cfg, zap.NewNop())
		assert.Error(t, err)
	})

	t.Run("Should fall back to memory when the backend has no connection setting", func(t *testing.T) {
		for _, backend := range []string{"redis", "dynamodb"} {
			cfg := testConfig()
			cfg.Cache.Backend = backend
			require.NoError(t, cfg.Validate(), backend)

			c, err := New(context.Background(), cfg, zap.NewNop())
			require.NoError(t, err, backend)

			stats := c.Cache.Stats(context.Background())
			assert.Equal(t, "memory", string(stats.Backend.BackendKind), backend)
			assert.False(t, stats.Backend.FallbackActive, backend)
			require.NoError(t, c.Cache.Set(context.Background(), "workshop:1", "North"), backend)
			assert.True(t, c.Cache.Get(context.Background(), "workshop:1", new(string)), backend)
			require.NoError(t, c.Shutdown(context.Background()))
		}
	})

	t.Run("Should fail when the watched policy file is missing", func(t *testing.T) {
		cfg := testConfig()
		cfg.TTLPolicy.Watch = true
		cfg.TTLPolicy.File = filepath.Join(t.TempDir(), "missing", "ttl.yaml")

		_, err := New(context.Background(), cfg, zap.NewNop())
		assert.Error(t, err)
	})
}

func TestApplyPolicies(t *testing.T) {
	c, err := New(context.Background(), testConfig(), zap.NewNop())
	require.NoError(t, err)
	defer c.Shutdown(context.Background())

	c.ApplyPolicies(config.PolicySet{
		Cache: config.PolicyTable{
			Default:  90 * time.Second,
			Prefixes: map[string]time.Duration{"vehicle:": time.Hour},
		},
	})

	policy := c.Cache.Policy()
	assert.Equal(t, 90*time.Second, policy.Default)
	assert.Equal(t, time.Hour, policy.TTLFor("vehicle:7"))
	assert.Equal(t, 90*time.Second, policy.TTLFor("workshop:1"))

	t.Run("Should fall back to the built-in default for a zero default", func(t *testing.T) {
		c.ApplyPolicies(config.PolicySet{})
		assert.Equal(t, 300*time.Second, c.Cache.Policy().Default)
	})
}

func TestWatchedPolicyReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ttl.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cache:\n  default: 120s\n"), 0o600))

	cfg := testConfig()
	cfg.TTLPolicy.Watch = true
	cfg.TTLPolicy.File = path
	policies, err := config.LoadPolicyFile(path)
	require.NoError(t, err)
	cfg.TTLPolicy.PolicySet = policies

	c, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer c.Shutdown(context.Background())
	require.Equal(t, 120*time.Second, c.Cache.Policy().Default)

	require.NoError(t, os.WriteFile(path, []byte("cache:\n  default: 45s\n  prefixes:\n    session: 1h\n"), 0o600))

	assert.Eventually(t, func() bool {
		return c.Cache.Policy().Default == 45*time.Second
	}, 5*time.Second, 50*time.Millisecond)
	assert.Equal(t, time.Hour, c.Cache.Policy().TTLFor("session:abc"))
}

func TestShutdown(t *testing.T) {
	c, err := New(context.Background(), testConfig(), zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, c.Shutdown(ctx))
}
