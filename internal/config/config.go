// Package config loads runtime settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every setting the binaries read at startup.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string
	LogLevel    string

	// CacheTTL bounds how long owned state stays in the Redis read-through cache.
	CacheTTL time.Duration
	// DealCacheTTL bounds how long an open-ended deal window stays memoized.
	DealCacheTTL time.Duration
	LockTTL      time.Duration

	SnapshotFreshness time.Duration
	Incubation        time.Duration
	Workers           int

	RegistryFile string
	// Currency is the ISO 4217 code used when rendering reports.
	Currency string
	// BrokerDir is where the broker bridge drops deal and snapshot files.
	BrokerDir string
}

// Load reads .env (when present) and then the process environment.
// Malformed values fall back to their defaults with a warning.
func Load() *Config {
	if err := godotenv.Load(); err == nil {
		slog.Debug(".env file loaded")
	}
	return FromEnv()
}

// FromEnv reads the configuration from the process environment only.
func FromEnv() *Config {
	return &Config{
		Port:              getEnv("PORT", "8080"),
		DatabaseURL:       getEnv("DATABASE_URL", ""),
		RedisURL:          getEnv("REDIS_URL", ""),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		CacheTTL:          getEnvAsDuration("CACHE_TTL", 30*time.Second),
		DealCacheTTL:      getEnvAsDuration("DEAL_CACHE_TTL", 10*time.Minute),
		LockTTL:           getEnvAsDuration("LOCK_TTL", 10*time.Second),
		SnapshotFreshness: getEnvAsDuration("SNAPSHOT_FRESHNESS", 15*time.Minute),
		Incubation:        time.Duration(getEnvAsInt("INCUBATION_DAYS", 60)) * 24 * time.Hour,
		Workers:           getEnvAsInt("RECONCILE_WORKERS", 8),
		RegistryFile:      getEnv("REGISTRY_FILE", ""),
		Currency:          strings.ToUpper(getEnv("REPORT_CURRENCY", "USD")),
		BrokerDir:         getEnv("BROKER_DATA_DIR", ""),
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil || value <= 0 {
		slog.Warn("invalid integer setting, using default", "key", key, "value", valueStr, "default", fallback)
		return fallback
	}
	return value
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil || value < 0 {
		slog.Warn("invalid duration setting, using default", "key", key, "value", valueStr, "default", fallback.String())
		return fallback
	}
	return value
}

// ParseLevel maps debug|info|warn|error to a slog level. Unknown names
// report ok=false and yield info.
func ParseLevel(s string) (level slog.Level, ok bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, true
	case "info", "":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}

// NewLogger builds a JSON logger writing to w with RFC3339 timestamps.
func NewLogger(w io.Writer, levelName string) *slog.Logger {
	level, ok := ParseLevel(levelName)
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.UTC().Format(time.RFC3339))
				}
			}
			return a
		},
	}
	logger := slog.New(slog.NewJSONHandler(w, opts))
	if !ok {
		logger.Warn("invalid LOG_LEVEL, defaulting to info", "configured", levelName)
	}
	return logger
}

// InitLogger installs the process-wide logger on stdout.
func InitLogger(levelName string) *slog.Logger {
	logger := NewLogger(os.Stdout, levelName)
	slog.SetDefault(logger)
	return logger
}
