package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRemote is an in-memory RemoteStore whose availability can be toggled.
type fakeRemote struct {
	mu     sync.Mutex
	data   map[string][]byte
	down   atomic.Bool
	calls  atomic.Int64
	closed atomic.Bool
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{data: map[string][]byte{}}
}

var errRemoteDown = errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")

func (f *fakeRemote) Kind() BackendKind { return BackendRedis }

func (f *fakeRemote) Ping(context.Context) error {
	if f.down.Load() {
		return errRemoteDown
	}
	return nil
}

func (f *fakeRemote) Close() error {
	f.closed.Store(true)
	return nil
}

func (f *fakeRemote) Get(_ context.Context, key string) ([]byte, bool, error) {
	f.calls.Add(1)
	if f.down.Load() {
		return nil, false, errRemoteDown
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *fakeRemote) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	f.calls.Add(1)
	if f.down.Load() {
		return errRemoteDown
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value
	return nil
}

func (f *fakeRemote) Delete(_ context.Context, key string) error {
	if f.down.Load() {
		return errRemoteDown
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return nil
}

func (f *fakeRemote) Clear(context.Context) error {
	if f.down.Load() {
		return errRemoteDown
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = map[string][]byte{}
	return nil
}

func (f *fakeRemote) Stats(context.Context) BackendStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return BackendStats{BackendKind: BackendRedis, ConnectionState: StateConnected, ApproxKeyCount: int64(len(f.data))}
}

func testFailoverConfig() FailoverConfig {
	return FailoverConfig{
		OperationTimeout:    50 * time.Millisecond,
		ReconnectMin:        5 * time.Millisecond,
		ReconnectMax:        20 * time.Millisecond,
		ProbeInterval:       10 * time.Millisecond,
		ConsecutiveFailures: 2,
	}
}

func TestFailoverStore_UnreachableAtStartup(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.down.Store(true)

	var states []bool
	var mu sync.Mutex
	store := NewFailoverStore(ctx, remote, NewMemoryStore(100, 0, nil), testFailoverConfig(), nil,
		OnStateChange(func(connected bool) {
			mu.Lock()
			states = append(states, connected)
			mu.Unlock()
		}))
	defer store.Close()

	require.NoError(t, store.Set(ctx, "workshop:1", []byte("v"), time.Minute))
	v, ok, err := store.Get(ctx, "workshop:1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", string(v))

	stats := store.Stats(ctx)
	assert.Equal(t, StateDisconnected, stats.ConnectionState)
	assert.True(t, stats.FallbackActive)
	assert.Equal(t, int64(1), stats.ApproxKeyCount)

	mu.Lock()
	assert.Equal(t, []bool{false}, states)
	mu.Unlock()
}

func TestFailoverStore_RuntimeFailureAndReconnect(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	store := NewFailoverStore(ctx, remote, NewMemoryStore(100, 0, nil), testFailoverConfig(), nil)
	defer store.Close()

	require.True(t, store.Connected())
	require.NoError(t, store.Set(ctx, "k", []byte("remote"), time.Minute))
	assert.Equal(t, StateConnected, store.Stats(ctx).ConnectionState)

	remote.down.Store(true)

	// Every call still succeeds through the local copy.
	for i := 0; i < 3; i++ {
		v, ok, err := store.Get(ctx, "k")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "remote", string(v))
	}

	assert.Eventually(t, func() bool {
		return store.Stats(ctx).ConnectionState == StateDisconnected
	}, time.Second, 5*time.Millisecond)

	callsWhileDown := remote.calls.Load()
	_, _, _ = store.Get(ctx, "k")
	assert.Equal(t, callsWhileDown, remote.calls.Load(), "disconnected store must not call the backend")

	remote.down.Store(false)
	assert.Eventually(t, store.Connected, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateConnected, store.Stats(ctx).ConnectionState)
}

func TestFailoverStore_MemoryOnly(t *testing.T) {
	ctx := context.Background()
	store := NewFailoverStore(ctx, nil, NewMemoryStore(10, 0, nil), FailoverConfig{}, nil)
	defer store.Close()

	require.NoError(t, store.Set(ctx, "a", []byte("1"), time.Minute))
	v, ok, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1", string(v))

	stats := store.Stats(ctx)
	assert.Equal(t, BackendMemory, stats.BackendKind)
	assert.False(t, store.Connected())
}

func TestFailoverStore_UnreachableRedis(t *testing.T) {
	ctx := context.Background()
	remote, err := NewRedisStore("redis://127.0.0.1:1/0", RedisOptions{
		KeyPrefix:   "test:",
		DialTimeout: 50 * time.Millisecond,
	}, nil)
	require.NoError(t, err)

	store := NewFailoverStore(ctx, remote, NewMemoryStore(10, 0, nil), testFailoverConfig(), nil)
	defer store.Close()

	start := time.Now()
	stats := store.Stats(ctx)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, StateDisconnected, stats.ConnectionState)
	assert.Equal(t, BackendRedis, stats.BackendKind)

	require.NoError(t, store.Set(ctx, "vehicle:9", []byte(`{"plate":"X"}`), time.Minute))
	v, ok, err := store.Get(ctx, "vehicle:9")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"plate":"X"}`, string(v))
}

func TestNewRedisStore_InvalidURL(t *testing.T) {
	_, err := NewRedisStore("not a url", RedisOptions{}, nil)
	assert.Error(t, err)
}
