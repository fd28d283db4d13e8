package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/layer-3/tollgate/ports"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces every key written by RedisStore.
const DefaultRedisPrefix = "tollgate:session:"

// RedisStore is a Redis implementation of the Persistence interface
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a new Redis store. An empty prefix selects DefaultRedisPrefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

var _ ports.Persistence = (*RedisStore)(nil)

// Read fetches the value stored under key
func (s *RedisStore) Read(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read %q: %w", key, err)
	}
	return value, true, nil
}

// Write stores value under key without expiration
func (s *RedisStore) Write(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.prefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("failed to write %q: %w", key, err)
	}
	return nil
}

// Delete removes key from Redis
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete %q: %w", key, err)
	}
	return nil
}
