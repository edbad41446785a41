// Package cache provides the key/value stores behind the cache manager: an
// in-process LRU, Redis and DynamoDB backends, and a failover store that keeps
// serving from memory whenever the networked backend is unreachable.
package cache

import (
	"context"
	"time"
)

// Store is the contract every backend implements. Values are opaque bytes.
// A missing or expired key is reported as (nil, false, nil).
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Stats(ctx context.Context) BackendStats
}

// RemoteStore is a networked backend that can be health-checked.
type RemoteStore interface {
	Store
	Kind() BackendKind
	Ping(ctx context.Context) error
	Close() error
}

type BackendKind string

const (
	BackendMemory   BackendKind = "memory"
	BackendRedis    BackendKind = "redis"
	BackendDynamoDB BackendKind = "dynamodb"
)

type ConnectionState string

const (
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	// StateDegraded means the backend answers pings but recent calls failed.
	StateDegraded ConnectionState = "degraded"
)

// BackendStats describes a store without touching the network.
type BackendStats struct {
	BackendKind     BackendKind     `json:"backendKind"`
	ApproxKeyCount  int64           `json:"approxKeyCount"`
	ConnectionState ConnectionState `json:"connectionState"`
	FallbackActive  bool            `json:"fallbackActive"`
	CheckedAt       time.Time       `json:"checkedAt,omitempty"`
}
