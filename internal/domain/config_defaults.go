package domain

import (
	"time"

	"github.com/caarlos0/env/v11"
)

func DefaultConfig() *Config {
	return &Config{
		DataDir:   "./data",
		Queue:     DefaultQueueConfig(),
		Resources: DefaultResourceConfig(),
		Scheduler: DefaultSchedulerConfig(),
		Retry:     DefaultRetryConfig(),
		Retention: DefaultRetentionConfig(),
	}
}

func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		DequeueBatchSize: 8,
		PollInterval:     250 * time.Millisecond,
	}
}

func DefaultResourceConfig() ResourceConfig {
	return ResourceConfig{
		WarningThresholdMB: 300,
		HardLimitMB:        450,
		NodeBudgetMB:       40,
		SampleInterval:     time.Second,
		ProtectionGrace:    10 * time.Second,
		RecoveryWindow:     5 * time.Second,
	}
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		WorkerCount:          4,
		MaxRegularConcurrent: 4,
		DefaultNodeTimeout:   2 * time.Minute,
		ResultBuffer:         64,
	}
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		BaseDelay:      500 * time.Millisecond,
		MaxDelay:       30 * time.Second,
		JitterFraction: 0.2,
	}
}

func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		MaxAge:        7 * 24 * time.Hour,
		SweepInterval: time.Hour,
	}
}

// ConfigFromEnv returns the defaults with any STRAND_* environment
// variables applied on top.
func ConfigFromEnv() (*Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
