package domain

import (
	"log/slog"
	"time"
)

type Config struct {
	DataDir string       `json:"data_dir" yaml:"data_dir" env:"STRAND_DATA_DIR"`
	Logger  *slog.Logger `json:"-" yaml:"-"`

	Queue     QueueConfig     `json:"queue" yaml:"queue"`
	Resources ResourceConfig  `json:"resources" yaml:"resources"`
	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler"`
	Retry     RetryConfig     `json:"retry" yaml:"retry"`
	Retention RetentionConfig `json:"retention" yaml:"retention"`
}

type QueueConfig struct {
	// DequeueBatchSize caps how many tasks one worker pulls per poll.
	DequeueBatchSize int `json:"dequeue_batch_size" yaml:"dequeue_batch_size" env:"STRAND_QUEUE_BATCH_SIZE"`

	// PollInterval is the fallback wait when no wakeup event arrives.
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval" env:"STRAND_QUEUE_POLL_INTERVAL"`
}

type ResourceConfig struct {
	WarningThresholdMB float64 `json:"warning_threshold_mb" yaml:"warning_threshold_mb" env:"STRAND_MEM_WARNING_MB"`
	HardLimitMB        float64 `json:"hard_limit_mb" yaml:"hard_limit_mb" env:"STRAND_MEM_HARD_LIMIT_MB"`

	// NodeBudgetMB is the per-node heap growth budget; exceeding it logs a
	// warning and is recorded on the node status, never treated as failure.
	NodeBudgetMB float64 `json:"node_budget_mb" yaml:"node_budget_mb" env:"STRAND_MEM_NODE_BUDGET_MB"`

	SampleInterval time.Duration `json:"sample_interval" yaml:"sample_interval" env:"STRAND_MEM_SAMPLE_INTERVAL"`

	// ProtectionGrace is how long backpressure must persist before the
	// monitor escalates to protection.
	ProtectionGrace time.Duration `json:"protection_grace" yaml:"protection_grace" env:"STRAND_MEM_PROTECTION_GRACE"`

	// RecoveryWindow is how long usage must stay below the warning
	// threshold before the level steps down one stage.
	RecoveryWindow time.Duration `json:"recovery_window" yaml:"recovery_window" env:"STRAND_MEM_RECOVERY_WINDOW"`
}

type SchedulerConfig struct {
	WorkerCount int `json:"worker_count" yaml:"worker_count" env:"STRAND_WORKER_COUNT"`

	// MaxRegularConcurrent is the regular-class admission ceiling at the
	// normal resource level. The AI-class ceiling is a static 1 and is not
	// configurable.
	MaxRegularConcurrent int `json:"max_regular_concurrent" yaml:"max_regular_concurrent" env:"STRAND_MAX_REGULAR"`

	// DefaultNodeTimeout applies to nodes whose spec leaves Timeout zero.
	DefaultNodeTimeout time.Duration `json:"default_node_timeout" yaml:"default_node_timeout" env:"STRAND_NODE_TIMEOUT"`

	ResultBuffer int `json:"result_buffer" yaml:"result_buffer"`
}

type RetryConfig struct {
	BaseDelay time.Duration `json:"base_delay" yaml:"base_delay" env:"STRAND_RETRY_BASE_DELAY"`
	MaxDelay  time.Duration `json:"max_delay" yaml:"max_delay" env:"STRAND_RETRY_MAX_DELAY"`

	// JitterFraction adds up to this fraction of the computed delay as
	// random jitter to spread retry storms.
	JitterFraction float64 `json:"jitter_fraction" yaml:"jitter_fraction"`
}

type RetentionConfig struct {
	// MaxAge is how long terminal executions and their node results are
	// kept before the sweeper removes them. Dead letters are exempt.
	MaxAge time.Duration `json:"max_age" yaml:"max_age" env:"STRAND_RETENTION_MAX_AGE"`

	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval" env:"STRAND_RETENTION_SWEEP_INTERVAL"`
}

func (c *Config) Validate() error {
	if c.DataDir == "" {
		return ErrInvalidConfig
	}
	if c.Resources.WarningThresholdMB <= 0 || c.Resources.HardLimitMB <= c.Resources.WarningThresholdMB {
		return ErrInvalidConfig
	}
	if c.Scheduler.WorkerCount <= 0 || c.Scheduler.MaxRegularConcurrent <= 0 {
		return ErrInvalidConfig
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return ErrInvalidConfig
	}
	return nil
}
