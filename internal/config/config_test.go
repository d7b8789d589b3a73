package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("listen:\n  port: 9090\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Listen.Port != 9090 {
		t.Errorf("Listen.Port = %d, want 9090", cfg.Listen.Port)
	}
	if cfg.Rate.RequestsPerMinute != 30 {
		t.Errorf("Rate.RequestsPerMinute = %d, want 30", cfg.Rate.RequestsPerMinute)
	}
	if cfg.Retry.DelayMinutes != 5 {
		t.Errorf("Retry.DelayMinutes = %d, want 5", cfg.Retry.DelayMinutes)
	}
	if got := cfg.RetryDelay(); got != 5*time.Minute {
		t.Errorf("RetryDelay = %v, want 5m", got)
	}
	if got := cfg.Cooldown(); got != 2*time.Second {
		t.Errorf("Cooldown = %v, want 2s", got)
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("ORION_TEST_TOKEN", "sekrit")

	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "backend:\n  api_key: ${ORION_TEST_TOKEN}\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend.APIKey != "sekrit" {
		t.Errorf("Backend.APIKey = %q, want expanded env value", cfg.Backend.APIKey)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing explicit config")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"TRACE", LevelTrace, false},
		{"Debug", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
