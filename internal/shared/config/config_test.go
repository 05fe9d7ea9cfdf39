package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/gateway")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 3, cfg.RateLimitWindowHours)
	assert.Equal(t, 24*time.Hour, cfg.StickyTTL)
	assert.Equal(t, 300*time.Second, cfg.UpstreamTimeout)
	assert.Equal(t, time.Minute, cfg.ReloadLock)
	assert.Equal(t, int64(5), cfg.ReloadTriggerUSD)
	assert.Equal(t, int64(32<<20), cfg.MaxBodyBytes)
	assert.Empty(t, cfg.FreeWorkspaces)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/gateway")
	t.Setenv("MAX_RETRIES", "1")
	t.Setenv("FREE_WORKSPACES", "wrk_a, wrk_b,,")
	t.Setenv("UPSTREAM_TIMEOUT_SECONDS", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.MaxRetries)
	assert.Equal(t, []string{"wrk_a", "wrk_b"}, cfg.FreeWorkspaces)
	assert.Equal(t, 300*time.Second, cfg.UpstreamTimeout)
}

func TestLoad_RequiresDatabase(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	_, err := Load()
	assert.Error(t, err)
}
