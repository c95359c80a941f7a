// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file. A .env file, when present, is loaded
// into the process environment first.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example KEY_COOLDOWN becomes
// key_cooldown in YAML.
//
// No credential is required to start: keys can be added at runtime through
// the management API.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Store kinds accepted by KEY_STORE and STATS_STORE.
const (
	StoreNone  = "none"
	StoreFile  = "file"
	StoreRedis = "redis"
)

// Backend names accepted by BACKEND.
const (
	BackendGemini    = "gemini"
	BackendOpenAI    = "openai"
	BackendAnthropic = "anthropic"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 13337.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	Backend BackendConfig
	Keys    KeysConfig
	Models  ModelsConfig
	Stats   StatsConfig

	// Redis holds the connection URL shared by every Redis-backed component.
	Redis RedisConfig

	// RateLimit controls the global inbound request budget.
	RateLimit RateLimitConfig

	HTTP HTTPConfig
}

// BackendConfig selects and tunes the upstream generative backend.
type BackendConfig struct {
	// Name is one of gemini, openai, anthropic. Default: gemini.
	Name string

	// BaseURL overrides the backend's default API endpoint.
	// Useful for local mocks and development.
	BaseURL string

	// Timeout bounds one non-streaming attempt. 0 disables it. Default: 120s.
	Timeout time.Duration
}

// KeysConfig controls the key pool.
type KeysConfig struct {
	// Secrets are merged into the pool at startup, after the stored list.
	Secrets []string

	// Store is file or redis. Default: file.
	Store string

	// File is the JSON array of secrets used by the file store.
	// Default: keys.json.
	File string

	// Cooldown is how long a key stays out of rotation after a quota error.
	// Default: 60s.
	Cooldown time.Duration

	// RetryDelay is the pause before the next key after a quota error.
	// Default: 200ms.
	RetryDelay time.Duration
}

// ModelsConfig controls model discovery.
type ModelsConfig struct {
	RefreshInterval time.Duration
	InitialDelay    time.Duration

	// Fallback is served when discovery fails and nothing is known yet.
	Fallback []string

	// ExcludeExact and ExcludePatterns hide models from every listing.
	// Patterns are Go regular expressions.
	ExcludeExact    []string
	ExcludePatterns []string
}

// StatsConfig controls the usage statistics snapshot.
type StatsConfig struct {
	// Store is none, file or redis. Default: file.
	Store string

	// File is the snapshot path used by the file store. Default: history.json.
	File string

	// SaveInterval debounces persistence. Default: 10s.
	SaveInterval time.Duration
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute allowed globally.
	// 0 disables rate limiting. Default: 0.
	RPMLimit int
}

// HTTPConfig tunes the HTTP server.
type HTTPConfig struct {
	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default).
	CORSOrigins []string

	// MaxBodySize is the inbound body limit in bytes. Default: 50MB.
	MaxBodySize int

	// WriteTimeout must cover the longest stream. Default: 10m.
	WriteTimeout time.Duration
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 13337)
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("BACKEND", BackendGemini)
	v.SetDefault("BACKEND_TIMEOUT", "120s")

	v.SetDefault("KEY_STORE", StoreFile)
	v.SetDefault("KEY_FILE", "keys.json")
	v.SetDefault("KEY_COOLDOWN", "60s")
	v.SetDefault("RETRY_DELAY", "200ms")

	v.SetDefault("MODEL_REFRESH_INTERVAL", "1h")
	v.SetDefault("MODEL_INITIAL_DELAY", "2s")
	v.SetDefault("MODELS_FALLBACK", []string{"gemini-2.0-flash", "gemini-1.5-pro", "gemini-1.5-flash"})

	v.SetDefault("STATS_STORE", StoreFile)
	v.SetDefault("STATS_FILE", "history.json")
	v.SetDefault("STATS_SAVE_INTERVAL", "10s")

	// Rate limit: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)

	v.SetDefault("CORS_ORIGINS", []string{"*"})
	v.SetDefault("MAX_BODY_SIZE", 50<<20)
	v.SetDefault("HTTP_WRITE_TIMEOUT", "10m")

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Backend: BackendConfig{
			Name:    strings.ToLower(v.GetString("BACKEND")),
			BaseURL: v.GetString("BACKEND_BASE_URL"),
			Timeout: v.GetDuration("BACKEND_TIMEOUT"),
		},

		Keys: KeysConfig{
			Secrets:    splitList(v.GetStringSlice("API_KEYS")),
			Store:      strings.ToLower(v.GetString("KEY_STORE")),
			File:       v.GetString("KEY_FILE"),
			Cooldown:   v.GetDuration("KEY_COOLDOWN"),
			RetryDelay: v.GetDuration("RETRY_DELAY"),
		},

		Models: ModelsConfig{
			RefreshInterval: v.GetDuration("MODEL_REFRESH_INTERVAL"),
			InitialDelay:    v.GetDuration("MODEL_INITIAL_DELAY"),
			Fallback:        splitList(v.GetStringSlice("MODELS_FALLBACK")),
			ExcludeExact:    splitList(v.GetStringSlice("MODELS_EXCLUDE_EXACT")),
			ExcludePatterns: splitList(v.GetStringSlice("MODELS_EXCLUDE_PATTERNS")),
		},

		Stats: StatsConfig{
			Store:        strings.ToLower(v.GetString("STATS_STORE")),
			File:         v.GetString("STATS_FILE"),
			SaveInterval: v.GetDuration("STATS_SAVE_INTERVAL"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
		},

		HTTP: HTTPConfig{
			CORSOrigins:  splitList(v.GetStringSlice("CORS_ORIGINS")),
			MaxBodySize:  v.GetInt("MAX_BODY_SIZE"),
			WriteTimeout: v.GetDuration("HTTP_WRITE_TIMEOUT"),
		},
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: PORT must be in 1..65535, got %d", c.Port)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	switch c.Backend.Name {
	case BackendGemini, BackendOpenAI, BackendAnthropic:
	default:
		return fmt.Errorf(
			"config: invalid BACKEND %q; must be one of: gemini, openai, anthropic",
			c.Backend.Name,
		)
	}
	if c.Backend.Timeout < 0 {
		return fmt.Errorf("config: BACKEND_TIMEOUT must not be negative")
	}

	switch c.Keys.Store {
	case StoreFile, StoreRedis:
	default:
		return fmt.Errorf("config: invalid KEY_STORE %q; must be one of: file, redis", c.Keys.Store)
	}
	if c.Keys.Store == StoreFile && c.Keys.File == "" {
		return fmt.Errorf("config: KEY_FILE is required when KEY_STORE=file")
	}
	if c.Keys.Cooldown <= 0 {
		return fmt.Errorf("config: KEY_COOLDOWN must be a positive duration")
	}
	if c.Keys.RetryDelay < 0 {
		return fmt.Errorf("config: RETRY_DELAY must not be negative")
	}

	if c.Models.RefreshInterval <= 0 {
		return fmt.Errorf("config: MODEL_REFRESH_INTERVAL must be a positive duration")
	}
	if c.Models.InitialDelay < 0 {
		return fmt.Errorf("config: MODEL_INITIAL_DELAY must not be negative")
	}

	switch c.Stats.Store {
	case StoreNone, StoreFile, StoreRedis:
	default:
		return fmt.Errorf("config: invalid STATS_STORE %q; must be one of: none, file, redis", c.Stats.Store)
	}
	if c.Stats.Store == StoreFile && c.Stats.File == "" {
		return fmt.Errorf("config: STATS_FILE is required when STATS_STORE=file")
	}
	if c.Stats.SaveInterval <= 0 {
		return fmt.Errorf("config: STATS_SAVE_INTERVAL must be a positive duration")
	}

	if c.RateLimit.RPMLimit < 0 {
		return fmt.Errorf("config: RPM_LIMIT must be ≥ 0, got %d", c.RateLimit.RPMLimit)
	}
	if c.NeedsRedis() && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when KEY_STORE=redis, STATS_STORE=redis " +
				"or RPM_LIMIT > 0",
		)
	}

	if c.HTTP.MaxBodySize <= 0 {
		return fmt.Errorf("config: MAX_BODY_SIZE must be positive, got %d", c.HTTP.MaxBodySize)
	}
	if c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("config: HTTP_WRITE_TIMEOUT must be a positive duration")
	}

	return nil
}

// NeedsRedis reports whether any configured component uses Redis.
func (c *Config) NeedsRedis() bool {
	return c.Keys.Store == StoreRedis ||
		c.Stats.Store == StoreRedis ||
		c.RateLimit.RPMLimit > 0
}

// splitList flattens comma-separated entries and drops blanks. Env values
// arrive as a single comma-joined string; YAML values arrive as a list.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
