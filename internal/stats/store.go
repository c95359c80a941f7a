package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
)

// FileStore keeps the summary as a JSON document, history.json by default.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load returns nil, nil when the file does not exist yet.
func (s *FileStore) Load(_ context.Context) (*Summary, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stats: read %s: %w", s.path, err)
	}
	var sum Summary
	if err := json.Unmarshal(data, &sum); err != nil {
		return nil, fmt.Errorf("stats: decode %s: %w", s.path, err)
	}
	return &sum, nil
}

func (s *FileStore) Save(_ context.Context, sum *Summary) error {
	data, err := json.MarshalIndent(sum, "", "  ")
	if err != nil {
		return fmt.Errorf("stats: encode: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("stats: mkdir %s: %w", dir, err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("stats: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("stats: rename %s: %w", tmp, err)
	}
	return nil
}

// DefaultRedisKey holds the JSON-encoded summary.
const DefaultRedisKey = "keypool:stats"

const defaultQueryTimeout = 2 * time.Second

// RedisStore keeps the summary under a single Redis string key so several
// gateway processes can share history.
type RedisStore struct {
	client       *redis.Client
	key          string
	queryTimeout time.Duration
}

// NewRedisStore wraps an existing client. The caller owns the client.
func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{client: client, key: key, queryTimeout: defaultQueryTimeout}
}

// Load returns nil, nil when nothing was saved yet.
func (s *RedisStore) Load(ctx context.Context) (*Summary, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stats: GET %s: %w", s.key, err)
	}
	var sum Summary
	if err := json.Unmarshal(data, &sum); err != nil {
		return nil, fmt.Errorf("stats: decode %s: %w", s.key, err)
	}
	return &sum, nil
}

func (s *RedisStore) Save(ctx context.Context, sum *Summary) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	data, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("stats: encode: %w", err)
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("stats: SET %s: %w", s.key, err)
	}
	return nil
}
