package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8882", cfg.Address)
	assert.Equal(t, "memory", cfg.StoreProject)
	assert.Equal(t, 2, cfg.StoreRetries)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 8, cfg.QueueSize)
	assert.Equal(t, 7*time.Second, cfg.IdleDelay)
	assert.Equal(t, 300*time.Second, cfg.ResubmitThreshold)
	assert.Nil(t, cfg.Processors)
	assert.Equal(t, ".json", cfg.JSONSuffix)
	assert.Equal(t, ".dump", cfg.DumpSuffix)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CRASHVAULT_STORE_RETRIES", "0")
	t.Setenv("CRASHVAULT_WORKERS", "not-a-number")
	t.Setenv("CRASHVAULT_PROCESSORS", " p1 , p2,,")
	t.Setenv("CRASHVAULT_STORE_TIMEOUT", "250ms")
	t.Setenv("CRASHVAULT_NEVER_DISCARD", "true")
	t.Setenv("CRASHVAULT_FALLBACK_ROOT", "/var/crashes")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.StoreRetries, "retries are at least one")
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, []string{"p1", "p2"}, cfg.Processors)
	assert.Equal(t, 250*time.Millisecond, cfg.StoreTimeout)
	assert.True(t, cfg.NeverDiscard)
	assert.Equal(t, "/var/crashes", cfg.FallbackRoot)
}
