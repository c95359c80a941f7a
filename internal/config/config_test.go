package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

// isolate runs the test from an empty directory so no stray .env or
// config.yaml leaks in.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 13337 || cfg.LogLevel != "info" {
		t.Errorf("unexpected port/log level: %d %s", cfg.Port, cfg.LogLevel)
	}
	if cfg.Backend.Name != BackendGemini || cfg.Backend.Timeout != 120*time.Second {
		t.Errorf("unexpected backend: %+v", cfg.Backend)
	}
	if cfg.Keys.Store != StoreFile || cfg.Keys.File != "keys.json" {
		t.Errorf("unexpected key store: %+v", cfg.Keys)
	}
	if cfg.Keys.Cooldown != time.Minute || cfg.Keys.RetryDelay != 200*time.Millisecond {
		t.Errorf("unexpected key timings: %+v", cfg.Keys)
	}
	if cfg.Models.RefreshInterval != time.Hour || cfg.Models.InitialDelay != 2*time.Second {
		t.Errorf("unexpected model timings: %+v", cfg.Models)
	}
	want := []string{"gemini-2.0-flash", "gemini-1.5-pro", "gemini-1.5-flash"}
	if !reflect.DeepEqual(cfg.Models.Fallback, want) {
		t.Errorf("unexpected fallback: %v", cfg.Models.Fallback)
	}
	if cfg.Stats.Store != StoreFile || cfg.Stats.File != "history.json" || cfg.Stats.SaveInterval != 10*time.Second {
		t.Errorf("unexpected stats: %+v", cfg.Stats)
	}
	if cfg.RateLimit.RPMLimit != 0 || cfg.NeedsRedis() {
		t.Error("rate limiting and Redis must be off by default")
	}
	if !reflect.DeepEqual(cfg.HTTP.CORSOrigins, []string{"*"}) {
		t.Errorf("unexpected CORS origins: %v", cfg.HTTP.CORSOrigins)
	}
	if cfg.HTTP.MaxBodySize != 50<<20 || cfg.HTTP.WriteTimeout != 10*time.Minute {
		t.Errorf("unexpected HTTP config: %+v", cfg.HTTP)
	}
}

func TestLoad_FromEnv(t *testing.T) {
	isolate(t)

	t.Setenv("PORT", "9000")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("BACKEND", "openai")
	t.Setenv("BACKEND_BASE_URL", "http://localhost:8081")
	t.Setenv("API_KEYS", "k1, k2,,k3")
	t.Setenv("KEY_STORE", "redis")
	t.Setenv("KEY_COOLDOWN", "30s")
	t.Setenv("MODELS_EXCLUDE_PATTERNS", "^embedding-,-vision$")
	t.Setenv("STATS_STORE", "none")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("RPM_LIMIT", "120")
	t.Setenv("CORS_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 9000 || cfg.LogLevel != "debug" {
		t.Errorf("unexpected port/log level: %d %s", cfg.Port, cfg.LogLevel)
	}
	if cfg.Backend.Name != BackendOpenAI || cfg.Backend.BaseURL != "http://localhost:8081" {
		t.Errorf("unexpected backend: %+v", cfg.Backend)
	}
	if !reflect.DeepEqual(cfg.Keys.Secrets, []string{"k1", "k2", "k3"}) {
		t.Errorf("unexpected secrets: %v", cfg.Keys.Secrets)
	}
	if cfg.Keys.Store != StoreRedis || cfg.Keys.Cooldown != 30*time.Second {
		t.Errorf("unexpected keys: %+v", cfg.Keys)
	}
	if !reflect.DeepEqual(cfg.Models.ExcludePatterns, []string{"^embedding-", "-vision$"}) {
		t.Errorf("unexpected patterns: %v", cfg.Models.ExcludePatterns)
	}
	if cfg.Stats.Store != StoreNone {
		t.Errorf("unexpected stats store: %s", cfg.Stats.Store)
	}
	if cfg.RateLimit.RPMLimit != 120 || !cfg.NeedsRedis() {
		t.Errorf("unexpected rate limit: %+v", cfg.RateLimit)
	}
	if !reflect.DeepEqual(cfg.HTTP.CORSOrigins, []string{"https://a.example", "https://b.example"}) {
		t.Errorf("unexpected CORS origins: %v", cfg.HTTP.CORSOrigins)
	}
}

func TestLoad_DotEnv(t *testing.T) {
	dir := isolate(t)

	// gotenv does not override variables that are already set, so make sure
	// this one is unset for the duration of the test.
	t.Setenv("KEY_FILE", "")
	os.Unsetenv("KEY_FILE")
	t.Cleanup(func() { os.Unsetenv("KEY_FILE") })

	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("KEY_FILE=/data/keys.json\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Keys.File != "/data/keys.json" {
		t.Errorf("expected KEY_FILE from .env, got %q", cfg.Keys.File)
	}
}

func TestLoad_DotEnvIsDirectory(t *testing.T) {
	dir := isolate(t)
	if err := os.Mkdir(filepath.Join(dir, ".env"), 0o700); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(); err == nil {
		t.Fatal("expected error when .env is a directory")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"log level", map[string]string{"LOG_LEVEL": "verbose"}, "LOG_LEVEL"},
		{"backend", map[string]string{"BACKEND": "mistral"}, "BACKEND"},
		{"key store", map[string]string{"KEY_STORE": "postgres"}, "KEY_STORE"},
		{"stats store", map[string]string{"STATS_STORE": "s3"}, "STATS_STORE"},
		{"cooldown", map[string]string{"KEY_COOLDOWN": "0s"}, "KEY_COOLDOWN"},
		{"redis for key store", map[string]string{"KEY_STORE": "redis"}, "REDIS_URL"},
		{"redis for stats", map[string]string{"STATS_STORE": "redis"}, "REDIS_URL"},
		{"redis for rpm", map[string]string{"RPM_LIMIT": "10"}, "REDIS_URL"},
		{"negative rpm", map[string]string{"RPM_LIMIT": "-1"}, "RPM_LIMIT"},
		{"port", map[string]string{"PORT": "70000"}, "PORT"},
		{"refresh interval", map[string]string{"MODEL_REFRESH_INTERVAL": "0s"}, "MODEL_REFRESH_INTERVAL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q should mention %s", err, tt.wantErr)
			}
		})
	}
}

func TestSplitList(t *testing.T) {
	got := splitList([]string{"a,b", " c ", "", "d,,e"})
	want := []string{"a", "b", "c", "d", "e"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("splitList = %v, want %v", got, want)
	}
	if splitList(nil) != nil {
		t.Error("splitList(nil) should be nil")
	}
}
