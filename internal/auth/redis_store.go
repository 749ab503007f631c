package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore shares bearers between processes through Redis
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisClient connects to Redis and checks the connection
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// NewRedisStore creates a store writing keys under prefix. Keys live for
// ttl, shortened to expire before the bearer exp claim when it has one.
func NewRedisStore(rdb *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix, ttl: ttl}
}

// key hashes the identity key so the long-lived token never appears in Redis
func (s *RedisStore) key(key string) string {
	sum := sha256.Sum256([]byte(key))
	return s.prefix + hex.EncodeToString(sum[:])
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	token, err := s.rdb.Get(ctx, s.key(key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get bearer from Redis: %w", err)
	}
	return token, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, token string) error {
	ttl, keep := entryTTL(token, s.ttl, time.Now())
	if !keep {
		return nil
	}
	if err := s.rdb.Set(ctx, s.key(key), token, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store bearer in Redis: %w", err)
	}
	return nil
}
