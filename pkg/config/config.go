// Package config loads server configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Config holds all server configuration. Values are read once at startup;
// the struct is immutable afterwards and safe to share.
type Config struct {
	// Required
	DatabaseURL string
	JWTSecret   string

	// Scheduler
	SlotDuration          time.Duration // SLOT_DURATION_MINUTES
	ScheduleLookahead     time.Duration // SCHEDULE_LOOKAHEAD_HOURS
	GateResolveMinute     int           // minutes into the slot at which gates close
	DefaultParallelScenes int

	// Background drivers
	GateTick         time.Duration // GATE_TICK_SECONDS
	SnapshotInterval time.Duration // SNAPSHOT_INTERVAL_MINUTES
	SweepInterval    time.Duration // SWEEP_INTERVAL_MINUTES

	// Tokens
	TokenExpiry time.Duration // TOKEN_EXPIRE_HOURS

	// Content
	ContentDir string

	// Operational
	LogLevel string
	APIHost  string
	APIPort  string
	Debug    bool
}

// Load reads configuration from the environment, applying defaults from the
// env-var contract. Missing required variables are an error.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		JWTSecret:             os.Getenv("JWT_SECRET"),
		SlotDuration:          time.Duration(envInt("SLOT_DURATION_MINUTES", 60)) * time.Minute,
		ScheduleLookahead:     time.Duration(envInt("SCHEDULE_LOOKAHEAD_HOURS", 3)) * time.Hour,
		GateResolveMinute:     envInt("GATE_RESOLVE_MINUTE", 55),
		DefaultParallelScenes: envInt("DEFAULT_PARALLEL_SCENES", 3),
		GateTick:              time.Duration(envInt("GATE_TICK_SECONDS", 15)) * time.Second,
		SnapshotInterval:      time.Duration(envInt("SNAPSHOT_INTERVAL_MINUTES", 60)) * time.Minute,
		SweepInterval:         time.Duration(envInt("SWEEP_INTERVAL_MINUTES", 10)) * time.Minute,
		TokenExpiry:           time.Duration(envInt("TOKEN_EXPIRE_HOURS", 24)) * time.Hour,
		ContentDir:            envString("CONTENT_DIR", "./content"),
		LogLevel:              envString("LOG_LEVEL", "info"),
		APIHost:               envString("API_HOST", "0.0.0.0"),
		APIPort:               envString("API_PORT", "8080"),
		Debug:                 envBool("DEBUG", false),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.GateResolveMinute <= 0 || time.Duration(cfg.GateResolveMinute)*time.Minute >= cfg.SlotDuration {
		return nil, fmt.Errorf("GATE_RESOLVE_MINUTE must be within the slot duration (got %d)", cfg.GateResolveMinute)
	}

	return cfg, nil
}

// SlogLevel translates LOG_LEVEL into a slog.Level. Unknown values fall back
// to Info with a warning.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		slog.Warn("Unknown LOG_LEVEL, defaulting to info", "log_level", c.LogLevel)
		return slog.LevelInfo
	}
}

func envString(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func envInt(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("Invalid integer environment value, using default",
			"key", key, "value", v, "default", defaultValue)
		return defaultValue
	}
	return n
}

func envBool(key string, defaultValue bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("Invalid boolean environment value, using default",
			"key", key, "value", v, "default", defaultValue)
		return defaultValue
	}
	return b
}
