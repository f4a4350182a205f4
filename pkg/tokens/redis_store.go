package tokens

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisReplayStore implements ReplayStore for multi-node deployments using
// Redis SETNX-with-TTL as the atomic set-if-absent primitive.
type RedisReplayStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisReplayStore constructs a store backed by a Redis client.
func NewRedisReplayStore(addr, password string, db int) *RedisReplayStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisReplayStore{client: rdb, keyPrefix: "agentrt:token:consumed:"}
}

// CheckAndSet implements ReplayStore via SET key value NX EX ttl.
func (s *RedisReplayStore) CheckAndSet(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.keyPrefix+key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis replay store error: %w", err)
	}
	return ok, nil
}

// Close releases the underlying Redis connection.
func (s *RedisReplayStore) Close() error {
	return s.client.Close()
}
