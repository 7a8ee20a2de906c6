package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/theatreos")
	t.Setenv("JWT_SECRET", "test-secret")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, time.Hour, cfg.SlotDuration)
	assert.Equal(t, 3*time.Hour, cfg.ScheduleLookahead)
	assert.Equal(t, 55, cfg.GateResolveMinute)
	assert.Equal(t, 3, cfg.DefaultParallelScenes)
	assert.Equal(t, 15*time.Second, cfg.GateTick)
	assert.Equal(t, time.Hour, cfg.SnapshotInterval)
	assert.Equal(t, 10*time.Minute, cfg.SweepInterval)
	assert.Equal(t, 24*time.Hour, cfg.TokenExpiry)
	assert.Equal(t, "./content", cfg.ContentDir)
	assert.Equal(t, "0.0.0.0", cfg.APIHost)
	assert.Equal(t, "8080", cfg.APIPort)
	assert.False(t, cfg.Debug)
}

func TestLoad_RequiredVars(t *testing.T) {
	t.Run("missing DATABASE_URL", func(t *testing.T) {
		t.Setenv("DATABASE_URL", "")
		t.Setenv("JWT_SECRET", "s")
		_, err := Load()
		require.ErrorContains(t, err, "DATABASE_URL")
	})

	t.Run("missing JWT_SECRET", func(t *testing.T) {
		t.Setenv("DATABASE_URL", "postgres://x")
		t.Setenv("JWT_SECRET", "")
		_, err := Load()
		require.ErrorContains(t, err, "JWT_SECRET")
	})
}

func TestLoad_ResolveMinuteBounds(t *testing.T) {
	setRequired(t)

	t.Run("resolve minute past the slot", func(t *testing.T) {
		t.Setenv("SLOT_DURATION_MINUTES", "30")
		t.Setenv("GATE_RESOLVE_MINUTE", "30")
		_, err := Load()
		require.ErrorContains(t, err, "GATE_RESOLVE_MINUTE")
	})

	t.Run("resolve minute inside the slot", func(t *testing.T) {
		t.Setenv("SLOT_DURATION_MINUTES", "30")
		t.Setenv("GATE_RESOLVE_MINUTE", "25")
		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, 30*time.Minute, cfg.SlotDuration)
		assert.Equal(t, 25, cfg.GateResolveMinute)
	})
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	setRequired(t)
	t.Setenv("SLOT_DURATION_MINUTES", "an hour")
	t.Setenv("DEBUG", "yes please")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, time.Hour, cfg.SlotDuration)
	assert.False(t, cfg.Debug)
}

func TestSlogLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"loud":    slog.LevelInfo,
	} {
		c := &Config{LogLevel: in}
		assert.Equal(t, want, c.SlogLevel(), in)
	}
}
