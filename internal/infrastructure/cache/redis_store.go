package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisOptions tunes the Redis client beyond what the connection URL carries.
type RedisOptions struct {
	KeyPrefix    string
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisStore is the distributed backend. All keys are written under
// KeyPrefix so Clear only touches this service's entries.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisStore parses a redis:// or rediss:// URL. It does not dial; the
// first command or Ping establishes the connection.
func NewRedisStore(url string, opts RedisOptions, logger *zap.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if opts.PoolSize > 0 {
		options.PoolSize = opts.PoolSize
	}
	if opts.DialTimeout > 0 {
		options.DialTimeout = opts.DialTimeout
	}
	if opts.ReadTimeout > 0 {
		options.ReadTimeout = opts.ReadTimeout
	}
	if opts.WriteTimeout > 0 {
		options.WriteTimeout = opts.WriteTimeout
	}
	// the failover store owns retry policy
	options.MaxRetries = -1

	return &RedisStore{
		client: redis.NewClient(options),
		prefix: opts.KeyPrefix,
		logger: logger,
	}, nil
}

func (s *RedisStore) Kind() BackendKind { return BackendRedis }

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return s.Delete(ctx, key)
	}
	return s.client.Set(ctx, s.prefix+key, value, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}

// Clear deletes every key under the prefix with SCAN, never KEYS or FLUSHDB.
func (s *RedisStore) Clear(ctx context.Context) error {
	const batch = 500

	iter := s.client.Scan(ctx, 0, s.prefix+"*", batch).Iterator()
	keys := make([]string, 0, batch)
	deleted := 0
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) == batch {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
			deleted += len(keys)
			keys = keys[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) > 0 {
		if err := s.client.Del(ctx, keys...).Err(); err != nil {
			return err
		}
		deleted += len(keys)
	}

	s.logger.Info("Cleared redis cache", zap.String("prefix", s.prefix), zap.Int("count", deleted))
	return nil
}

// Stats queries DBSIZE, which counts the whole logical database.
func (s *RedisStore) Stats(ctx context.Context) BackendStats {
	stats := BackendStats{BackendKind: BackendRedis, ConnectionState: StateConnected, CheckedAt: time.Now()}
	n, err := s.client.DBSize(ctx).Result()
	if err != nil {
		stats.ConnectionState = StateDisconnected
		return stats
	}
	stats.ApproxKeyCount = n
	return stats
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
