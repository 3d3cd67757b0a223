package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
		{"zero warning threshold", func(c *Config) { c.Resources.WarningThresholdMB = 0 }},
		{"hard limit below warning", func(c *Config) { c.Resources.HardLimitMB = c.Resources.WarningThresholdMB - 1 }},
		{"no workers", func(c *Config) { c.Scheduler.WorkerCount = 0 }},
		{"no regular capacity", func(c *Config) { c.Scheduler.MaxRegularConcurrent = 0 }},
		{"zero base delay", func(c *Config) { c.Retry.BaseDelay = 0 }},
		{"max delay below base", func(c *Config) { c.Retry.MaxDelay = c.Retry.BaseDelay - 1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("STRAND_DATA_DIR", "/var/lib/strand")
	t.Setenv("STRAND_WORKER_COUNT", "8")
	t.Setenv("STRAND_MEM_HARD_LIMIT_MB", "900")
	t.Setenv("STRAND_RETRY_BASE_DELAY", "250ms")

	cfg, err := ConfigFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/strand", cfg.DataDir)
	assert.Equal(t, 8, cfg.Scheduler.WorkerCount)
	assert.Equal(t, 900.0, cfg.Resources.HardLimitMB)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.BaseDelay)

	// Untouched fields keep their defaults.
	assert.Equal(t, 300.0, cfg.Resources.WarningThresholdMB)
}
