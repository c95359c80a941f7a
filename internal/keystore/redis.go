package keystore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the list holding the secrets.
const DefaultRedisKey = "keypool:keys"

const defaultQueryTimeout = 2 * time.Second

// RedisStore keeps the secrets in a Redis list, in pool order. Unlike the
// cache layers it does not degrade silently: a failed save is reported to
// the caller.
type RedisStore struct {
	client       *redis.Client
	key          string
	queryTimeout time.Duration
}

// NewRedisStore wraps an existing client. The caller owns the client
// lifecycle. An empty key selects DefaultRedisKey.
func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{client: client, key: key, queryTimeout: defaultQueryTimeout}
}

// Load returns the stored list; a missing key yields an empty list.
func (s *RedisStore) Load(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	secrets, err := s.client.LRange(ctx, s.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("keystore: LRANGE %s: %w", s.key, err)
	}
	return secrets, nil
}

// Save atomically replaces the list.
func (s *RedisStore) Save(ctx context.Context, secrets []string) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key)
	if len(secrets) > 0 {
		vals := make([]any, len(secrets))
		for i, v := range secrets {
			vals[i] = v
		}
		pipe.RPush(ctx, s.key, vals...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("keystore: save %s: %w", s.key, err)
	}
	return nil
}
