package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "wa:session:"

// RedisStore keeps one string key per tenant
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed parsing redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed connecting to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Load(ctx context.Context, tenantID string) ([]byte, error) {
	data, err := s.client.Get(ctx, redisKeyPrefix+tenantID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", tenantID, err)
	}
	return data, nil
}

func (s *RedisStore) Save(ctx context.Context, tenantID string, data []byte) error {
	return s.client.Set(ctx, redisKeyPrefix+tenantID, data, 0).Err()
}

func (s *RedisStore) Delete(ctx context.Context, tenantID string) error {
	return s.client.Del(ctx, redisKeyPrefix+tenantID).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
