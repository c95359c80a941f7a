package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultSnapshotKey is the Redis key holding the last discovered list.
	DefaultSnapshotKey = "keypool:models"

	defaultSnapshotTTL = 24 * time.Hour
	snapshotTimeout    = 500 * time.Millisecond
)

// SnapshotStore keeps the last good model list across restarts.
type SnapshotStore interface {
	Load(ctx context.Context) ([]string, error)
	Save(ctx context.Context, list []string) error
}

// RedisSnapshot stores the list as a JSON array with a TTL. A missing key
// loads as an empty list.
type RedisSnapshot struct {
	client  *redis.Client
	key     string
	ttl     time.Duration
	timeout time.Duration
}

// NewRedisSnapshot wraps an existing client. The caller owns the client.
func NewRedisSnapshot(client *redis.Client, key string, ttl time.Duration) *RedisSnapshot {
	if key == "" {
		key = DefaultSnapshotKey
	}
	if ttl <= 0 {
		ttl = defaultSnapshotTTL
	}
	return &RedisSnapshot{client: client, key: key, ttl: ttl, timeout: snapshotTimeout}
}

func (s *RedisSnapshot) Load(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	raw, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("models: GET %s: %w", s.key, err)
	}

	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("models: decode snapshot: %w", err)
	}
	return list, nil
}

func (s *RedisSnapshot) Save(ctx context.Context, list []string) error {
	raw, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("models: encode snapshot: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.client.Set(ctx, s.key, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("models: SET %s: %w", s.key, err)
	}
	return nil
}
