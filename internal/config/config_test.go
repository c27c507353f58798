package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
	"time"
)

func TestFromEnv_Defaults(t *testing.T) {
	for _, k := range []string{"DATABASE_URL", "REDIS_URL", "SNAPSHOT_FRESHNESS", "INCUBATION_DAYS", "RECONCILE_WORKERS", "DEAL_CACHE_TTL", "LOCK_TTL"} {
		t.Setenv(k, "")
	}
	cfg := FromEnv()

	if cfg.SnapshotFreshness != 15*time.Minute {
		t.Errorf("freshness = %s", cfg.SnapshotFreshness)
	}
	if cfg.Incubation != 60*24*time.Hour {
		t.Errorf("incubation = %s", cfg.Incubation)
	}
	if cfg.Workers != 8 {
		t.Errorf("workers = %d", cfg.Workers)
	}
	if cfg.DealCacheTTL != 10*time.Minute || cfg.LockTTL != 10*time.Second {
		t.Errorf("ttl defaults: %s %s", cfg.DealCacheTTL, cfg.LockTTL)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("SNAPSHOT_FRESHNESS", "5m")
	t.Setenv("INCUBATION_DAYS", "30")
	t.Setenv("RECONCILE_WORKERS", "-3")
	t.Setenv("LOCK_TTL", "soon")
	t.Setenv("BROKER_DATA_DIR", "/var/lib/bridge")
	t.Setenv("REPORT_CURRENCY", "eur")

	cfg := FromEnv()
	if cfg.Port != "9090" || cfg.BrokerDir != "/var/lib/bridge" || cfg.Currency != "EUR" {
		t.Errorf("unexpected %+v", cfg)
	}
	if cfg.SnapshotFreshness != 5*time.Minute {
		t.Errorf("freshness = %s", cfg.SnapshotFreshness)
	}
	if cfg.Incubation != 30*24*time.Hour {
		t.Errorf("incubation = %s", cfg.Incubation)
	}
	if cfg.Workers != 8 {
		t.Errorf("negative workers must fall back, got %d", cfg.Workers)
	}
	if cfg.LockTTL != 10*time.Second {
		t.Errorf("malformed duration must fall back, got %s", cfg.LockTTL)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
		ok   bool
	}{
		{"debug", slog.LevelDebug, true},
		{"INFO", slog.LevelInfo, true},
		{" warn ", slog.LevelWarn, true},
		{"error", slog.LevelError, true},
		{"verbose", slog.LevelInfo, false},
	}
	for _, tt := range tests {
		got, ok := ParseLevel(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseLevel(%q) = %v, %v", tt.in, got, ok)
		}
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "warn")
	logger.Info("dropped")
	logger.Warn("kept", "account", 886557)

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("expected a single JSON line, got %q: %v", buf.String(), err)
	}
	if line["msg"] != "kept" {
		t.Errorf("unexpected record %v", line)
	}
	if _, err := time.Parse(time.RFC3339, line["time"].(string)); err != nil {
		t.Errorf("time not RFC3339: %v", line["time"])
	}
}
