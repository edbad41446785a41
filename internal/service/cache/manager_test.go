package cache

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "workshop-backend/internal/errors"
	cachestore "workshop-backend/internal/infrastructure/cache"
	"workshop-backend/internal/infrastructure/observability"
)

// ttlRecorder remembers the TTL of every write.
type ttlRecorder struct {
	*cachestore.MemoryStore
	mu   sync.Mutex
	ttls map[string][]time.Duration
}

func newTTLRecorder() *ttlRecorder {
	return &ttlRecorder{
		MemoryStore: cachestore.NewMemoryStore(1000, 0, nil),
		ttls:        map[string][]time.Duration{},
	}
}

func (r *ttlRecorder) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	r.mu.Lock()
	r.ttls[key] = append(r.ttls[key], ttl)
	r.mu.Unlock()
	return r.MemoryStore.Set(ctx, key, value, ttl)
}

func TestPolicy(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		key  string
		want time.Duration
	}{
		{"workshop:42", 600 * time.Second},
		{"analytics:daily", 300 * time.Second},
		{"session:abc", 86400 * time.Second},
		{"vehicle:9", 300 * time.Second},
		{"", 300 * time.Second},
	}
	for _, tt := range tests {
		t.Run("Should resolve "+tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, p.TTLFor(tt.key))
		})
	}

	t.Run("Should prefer the longest prefix", func(t *testing.T) {
		p := NewPolicy(time.Minute, map[string]time.Duration{
			"query:":           2 * time.Minute,
			"query:workshops:": 10 * time.Minute,
			"ignored:":         0,
		})
		assert.Equal(t, 10*time.Minute, p.TTLFor("query:workshops:list"))
		assert.Equal(t, 2*time.Minute, p.TTLFor("query:jobs"))
		assert.Equal(t, time.Minute, p.TTLFor("ignored:x"))
		assert.Len(t, p.Rules(), 2)
	})
}

func TestKey(t *testing.T) {
	t.Run("Should ignore map ordering", func(t *testing.T) {
		a := Key("query", "jobs", map[string]any{"b": 2, "a": 1})
		b := Key("query", "jobs", map[string]any{"a": 1, "b": 2})
		assert.Equal(t, a, b)
	})

	t.Run("Should differ when a parameter differs", func(t *testing.T) {
		a := Key("query", "jobs", map[string]any{"x": 1})
		b := Key("query", "jobs", map[string]any{"x": 2})
		assert.NotEqual(t, a, b)
	})

	t.Run("Should omit the hash without params", func(t *testing.T) {
		assert.Equal(t, "workshop:42", Key("workshop", "42"))
	})

	t.Run("Should extract the namespace", func(t *testing.T) {
		assert.Equal(t, "workshop", Namespace("workshop:42"))
		assert.Equal(t, "default", Namespace("plain"))
	})
}

func TestManager_TTLDeterminism(t *testing.T) {
	ctx := context.Background()
	store := newTTLRecorder()
	m := NewManager(store)

	for i := 0; i < 5; i++ {
		require.NoError(t, m.Set(ctx, "workshop:7", map[string]int{"i": i}))
	}
	require.NoError(t, m.Set(ctx, "workshop:8", "x", 30*time.Second))

	for _, ttl := range store.ttls["workshop:7"] {
		assert.Equal(t, 600*time.Second, ttl)
	}
	assert.Len(t, store.ttls["workshop:7"], 5)
	assert.Equal(t, []time.Duration{30 * time.Second}, store.ttls["workshop:8"])
}

func TestManager_RoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewManager(cachestore.NewMemoryStore(100, 0, nil))

	values := map[string]any{
		"string": "hello",
		"number": 12.5,
		"bool":   true,
		"array":  []any{1.0, "two", nil},
		"object": map[string]any{"nested": map[string]any{"k": "v"}, "n": nil},
	}
	for name, v := range values {
		t.Run("Should round trip "+name, func(t *testing.T) {
			key := "test:" + name
			require.NoError(t, m.Set(ctx, key, v, time.Minute))

			var got any
			require.True(t, m.Get(ctx, key, &got))
			assert.Equal(t, v, got)
		})
	}

	t.Run("Should decode into typed structs", func(t *testing.T) {
		type job struct {
			ID    string `json:"id"`
			Hours int    `json:"hours"`
		}
		require.NoError(t, m.Set(ctx, "job:1", job{ID: "1", Hours: 3}))
		got := GetOr(ctx, m, "job:1", job{})
		assert.Equal(t, job{ID: "1", Hours: 3}, got)
		assert.Equal(t, job{ID: "none"}, GetOr(ctx, m, "job:2", job{ID: "none"}))
	})
}

func TestManager_CorruptAndUnserializable(t *testing.T) {
	ctx := context.Background()
	store := cachestore.NewMemoryStore(100, 0, nil)
	m := NewManager(store)

	t.Run("Should treat undecodable bytes as a miss", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "workshop:1", []byte("{not json"), time.Minute))

		var v map[string]any
		assert.False(t, m.Get(ctx, "workshop:1", &v))
		_, ok := m.GetRaw(ctx, "workshop:1")
		assert.False(t, ok)
		assert.Equal(t, 0, store.Len(), "corrupt entry should be dropped")
	})

	t.Run("Should reject values that cannot be encoded", func(t *testing.T) {
		err := m.Set(ctx, "workshop:2", make(chan int))
		require.Error(t, err)
		assert.True(t, apperrors.IsValidation(err))

		_, ok := m.GetRaw(ctx, "workshop:2")
		assert.False(t, ok)
	})

	t.Run("Should reject invalid raw JSON", func(t *testing.T) {
		assert.Error(t, m.SetRaw(ctx, "workshop:3", json.RawMessage("{")))
	})
}

func TestManager_StatsAndClear(t *testing.T) {
	ctx := context.Background()
	collector := observability.NewCollector("test")
	monitor := observability.NewMonitor(observability.DefaultMonitorConfig())
	m := NewManager(cachestore.NewMemoryStore(100, 0, nil), WithCollector(collector), WithMonitor(monitor))

	require.NoError(t, m.Set(ctx, "workshop:1", 1))
	var v int
	m.Get(ctx, "workshop:1", &v)
	m.Get(ctx, "workshop:1", &v)
	m.Get(ctx, "workshop:404", &v)

	stats := m.Stats(ctx)
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 66.67, stats.HitRatioPercent, 0.01)
	assert.Equal(t, cachestore.BackendMemory, stats.Backend.BackendKind)
	assert.Equal(t, int64(1), stats.Backend.ApproxKeyCount)

	summary := monitor.Summary(time.Hour)
	assert.Equal(t, 3, summary.Cache.Count)
	assert.Equal(t, 2, summary.Cache.CacheHitCount)

	require.NoError(t, m.Clear(ctx))
	stats = m.Stats(ctx)
	assert.Zero(t, stats.Hits)
	assert.Zero(t, stats.Misses)
	assert.Zero(t, stats.HitRatioPercent)
	assert.Zero(t, stats.Backend.ApproxKeyCount)
}

func TestManager_Batch(t *testing.T) {
	ctx := context.Background()
	m := NewManager(cachestore.NewMemoryStore(100, 0, nil))

	require.NoError(t, m.SetMany(ctx, map[string]any{
		"workshop:1": map[string]any{"name": "north"},
		"workshop:2": map[string]any{"name": "south"},
	}))

	got := m.GetMany(ctx, []string{"workshop:1", "workshop:2", "workshop:3"})
	assert.Len(t, got, 2)
	assert.JSONEq(t, `{"name":"north"}`, string(got["workshop:1"]))
	assert.NotContains(t, got, "workshop:3")

	err := m.SetMany(ctx, map[string]any{"bad:1": func() {}})
	assert.Error(t, err)
}

func TestCached(t *testing.T) {
	ctx := context.Background()

	t.Run("Should compute once and then serve from cache", func(t *testing.T) {
		m := NewManager(cachestore.NewMemoryStore(100, 0, nil))
		var calls atomic.Int32
		compute := func(context.Context) (string, error) {
			calls.Add(1)
			return "value", nil
		}

		for i := 0; i < 3; i++ {
			v, err := Cached(ctx, m, "workshop:9", compute)
			require.NoError(t, err)
			assert.Equal(t, "value", v)
		}
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("Should not store failed computations", func(t *testing.T) {
		m := NewManager(cachestore.NewMemoryStore(100, 0, nil))
		boom := apperrors.PermanentIO("BOOM", "fetch failed").Build()

		_, err := Cached(ctx, m, "workshop:10", func(context.Context) (int, error) { return 0, boom })
		assert.ErrorIs(t, err, boom)
		_, ok := m.GetRaw(ctx, "workshop:10")
		assert.False(t, ok)
	})

	t.Run("Should share one computation with single flight", func(t *testing.T) {
		m := NewManager(cachestore.NewMemoryStore(100, 0, nil), WithSingleFlight())
		var calls atomic.Int32
		release := make(chan struct{})
		compute := func(context.Context) (int, error) {
			calls.Add(1)
			<-release
			return 42, nil
		}

		var wg sync.WaitGroup
		results := make([]int, 8)
		for i := range results {
			wg.Add(1)
			go func() {
				defer wg.Done()
				v, err := Cached(ctx, m, "analytics:shared", compute)
				assert.NoError(t, err)
				results[i] = v
			}()
		}
		// let every goroutine reach the flight before releasing it
		time.Sleep(50 * time.Millisecond)
		close(release)
		wg.Wait()

		assert.Equal(t, int32(1), calls.Load())
		for _, v := range results {
			assert.Equal(t, 42, v)
		}
	})
}
