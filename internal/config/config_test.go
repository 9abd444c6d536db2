package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, "8787", cfg.Port)
	assert.Equal(t, "navigation", cfg.PageResetMode)
	assert.Equal(t, 5, cfg.DefaultMaxPerSession)
	assert.Equal(t, 30*time.Minute, cfg.SessionTTL)
	assert.Empty(t, cfg.IngestEndpoint)
	assert.Equal(t, "proofserve", cfg.ServiceName)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PAGE_RESET_MODE", "reload")
	t.Setenv("SESSION_TTL", "90")
	t.Setenv("DEFAULT_MAX_PER_SESSION", "5")
	t.Setenv("REPORT_TIMEOUT", "250ms")
	t.Setenv("RATE_LIMIT_ENABLED", "false")
	t.Setenv("TRACING_SAMPLE_RATE", "0.25")

	cfg := Load()
	assert.Equal(t, "reload", cfg.PageResetMode)
	assert.Equal(t, 90*time.Second, cfg.SessionTTL)
	assert.Equal(t, 5, cfg.DefaultMaxPerSession)
	assert.Equal(t, 250*time.Millisecond, cfg.ReportTimeout)
	assert.False(t, cfg.RateLimitEnabled)
	assert.InDelta(t, 0.25, cfg.TracingSampleRate, 1e-9)
}

func TestLoad_InvalidValuesUseDefaults(t *testing.T) {
	t.Setenv("DEFAULT_MAX_PER_SESSION", "lots")
	t.Setenv("SESSION_TTL", "soon")
	t.Setenv("DEBUG_TRACE", "maybe")

	cfg := Load()
	assert.Equal(t, 5, cfg.DefaultMaxPerSession)
	assert.Equal(t, 30*time.Minute, cfg.SessionTTL)
	assert.False(t, cfg.DebugTrace)
}
