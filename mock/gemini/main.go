// Command gemini runs a lightweight HTTP mock of the Gemini REST API with
// per-key quotas, so key rotation can be exercised end to end without real
// credentials.
//
//	BACKEND_BASE_URL=http://localhost:19003/v1beta API_KEYS=k1,k2,exhausted-k3 ./gateway
//
// Keys starting with "exhausted" always answer 429 RESOURCE_EXHAUSTED.
//
// Environment:
//
//	PORT              - listen port (default 19003)
//	MOCK_LATENCY_MS   - artificial latency added to every response (default 0)
//	MOCK_ERROR_RATE   - fraction [0,1] of requests that return HTTP 500 (default 0)
//	MOCK_STREAM_WORDS - words in a generated response (default 10)
//	MOCK_KEY_RPM      - requests per minute allowed per key, 0 = unlimited (default 0)
//	MOCK_BLOCK_RATE   - fraction [0,1] of stream fragments blocked by SAFETY (default 0)
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"
)

// Config holds runtime configuration of the mock.
type Config struct {
	LatencyMS   int
	ErrorRate   float64
	StreamWords int
	KeyRPM      int
	BlockRate   float64
}

func loadConfig() Config {
	c := Config{StreamWords: 10}

	if v := os.Getenv("MOCK_LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LatencyMS = n
		}
	}
	if f, ok := fraction(os.Getenv("MOCK_ERROR_RATE")); ok {
		c.ErrorRate = f
	}
	if v := os.Getenv("MOCK_STREAM_WORDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.StreamWords = n
		}
	}
	if v := os.Getenv("MOCK_KEY_RPM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.KeyRPM = n
		}
	}
	if f, ok := fraction(os.Getenv("MOCK_BLOCK_RATE")); ok {
		c.BlockRate = f
	}
	return c
}

func fraction(v string) (float64, bool) {
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 || f > 1 {
		return 0, false
	}
	return f, true
}

func portFromEnv(key string, defaultPort int) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return strconv.Itoa(defaultPort)
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := loadConfig()
	addr := ":" + portFromEnv("PORT", 19003)

	log.Info("starting mock gemini",
		slog.String("addr", addr),
		slog.Int("latency_ms", cfg.LatencyMS),
		slog.Float64("error_rate", cfg.ErrorRate),
		slog.Int("stream_words", cfg.StreamWords),
		slog.Int("key_rpm", cfg.KeyRPM),
		slog.Float64("block_rate", cfg.BlockRate),
	)

	srv := &http.Server{
		Addr:         addr,
		Handler:      newHandler(cfg, time.Now),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	fmt.Println("READY")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down mock gemini")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	log.Info("mock gemini stopped")
}
