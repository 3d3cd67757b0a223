package domain

import (
	"time"
)

// ResourceLevel classifies current process memory pressure. Levels escalate
// immediately when thresholds are crossed but recover one stage at a time.
type ResourceLevel int

const (
	ResourceLevelNormal ResourceLevel = iota
	ResourceLevelWarning
	ResourceLevelBackpressure
	ResourceLevelProtection
)

func (l ResourceLevel) String() string {
	switch l {
	case ResourceLevelNormal:
		return "normal"
	case ResourceLevelWarning:
		return "warning"
	case ResourceLevelBackpressure:
		return "backpressure"
	case ResourceLevelProtection:
		return "protection"
	default:
		return "unknown"
	}
}

// ResourceState is the single piece of process-global mutable state. The
// monitor is its only writer; everything else reads an atomic snapshot.
type ResourceState struct {
	CurrentUsageMB float64       `json:"current_usage_mb"`
	Level          ResourceLevel `json:"level"`
	SampledAt      time.Time     `json:"sampled_at"`
}
