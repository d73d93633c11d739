package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yourusername/quotafence/core"
)

const defaultPrefix = "quotafence:"

// RedisStore provides Redis-backed storage for bucket states, so a restarted
// limiter resumes from the last persisted token count instead of a full burst.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration // How long to keep bucket state in Redis
}

// Ensure RedisStore implements Store interface
var _ Store = (*RedisStore)(nil)

// RedisConfig for creating a Redis store
type RedisConfig struct {
	Addr     string        // Redis address (e.g., "localhost:6379")
	Password string        // Redis password (empty for no auth)
	DB       int           // Redis database number
	TTL      time.Duration // TTL for bucket states (0 selects the 24 hour default)
	Prefix   string        // Key prefix (default: "quotafence:")
}

// NewRedisStore creates a new Redis-backed store
func NewRedisStore(config RedisConfig) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	return NewRedisStoreWithClient(client, config)
}

// NewRedisStoreWithClient wraps an existing client. Addr, Password and DB in
// config are ignored.
func NewRedisStoreWithClient(client redis.UniversalClient, config RedisConfig) *RedisStore {
	ttl := config.TTL
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	prefix := config.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}

	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (s *RedisStore) redisKey(key string) string {
	return s.prefix + key
}

// Get retrieves the bucket state for a given key
func (s *RedisStore) Get(ctx context.Context, key string) (*core.BucketState, error) {
	val, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %w", ErrStoreFailed, key, err)
	}

	var state core.BucketState
	if err := json.Unmarshal(val, &state); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", ErrStoreFailed, key, err)
	}

	return &state, nil
}

// Set stores the bucket state for a given key
func (s *RedisStore) Set(ctx context.Context, key string, state *core.BucketState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %w", ErrStoreFailed, key, err)
	}

	if err := s.client.Set(ctx, s.redisKey(key), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("%w: set %s: %w", ErrStoreFailed, key, err)
	}
	return nil
}

// Delete removes the bucket state for a given key
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("%w: delete %s: %w", ErrStoreFailed, key, err)
	}
	return nil
}

// Clear removes all keys under the store's prefix
func (s *RedisStore) Clear(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("%w: clear: %w", ErrStoreFailed, err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("%w: clear: %w", ErrStoreFailed, err)
	}
	return nil
}

// Ping checks if Redis connection is alive
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}
