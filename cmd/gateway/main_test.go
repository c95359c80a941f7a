package main

import (
	"context"
	"log/slog"
	"testing"
)

func TestBuildLogger(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		l := buildLogger(tt.level)
		if !l.Enabled(context.Background(), tt.want) {
			t.Errorf("%s: level %v should be enabled", tt.level, tt.want)
		}
		if tt.want > slog.LevelDebug && l.Enabled(context.Background(), tt.want-4) {
			t.Errorf("%s: level below %v should be disabled", tt.level, tt.want)
		}
	}
}
