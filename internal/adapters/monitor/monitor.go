package monitor

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eleven-am/strand/internal/domain"
)

// Sampler reports current process memory usage in MB.
type Sampler func() float64

func heapSampler() float64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return float64(stats.HeapAlloc) / (1 << 20)
}

// Monitor samples memory on a fixed interval and classifies pressure into
// four levels. It is the only writer of ResourceState; readers get an
// atomic snapshot and never block the sampler.
//
// Escalation is immediate: crossing a threshold raises the level on the
// next sample, and backpressure sustained past the grace period escalates
// to protection. Recovery is deliberate: usage must stay below the warning
// threshold for a full recovery window per step, and levels only ever step
// down one stage at a time.
type Monitor struct {
	cfg     domain.ResourceConfig
	sampler Sampler
	logger  *slog.Logger

	state atomic.Value

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}

	backpressureSince time.Time
	belowWarningSince time.Time
}

func New(cfg domain.ResourceConfig, logger *slog.Logger) *Monitor {
	return NewWithSampler(cfg, heapSampler, logger)
}

func NewWithSampler(cfg domain.ResourceConfig, sampler Sampler, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}

	m := &Monitor{
		cfg:     cfg,
		sampler: sampler,
		logger:  logger.With("component", "resource-monitor"),
	}
	m.state.Store(domain.ResourceState{Level: domain.ResourceLevelNormal})

	return m
}

func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return domain.ErrAlreadyStarted
	}
	m.started = true

	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	m.sample(time.Now())

	go func() {
		defer close(m.done)

		ticker := time.NewTicker(m.cfg.SampleInterval)
		defer ticker.Stop()

		for {
			select {
			case now := <-ticker.C:
				m.sample(now)
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

func (m *Monitor) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return domain.ErrNotStarted
	}
	m.started = false

	m.cancel()
	<-m.done
	return nil
}

func (m *Monitor) Current() domain.ResourceState {
	return m.state.Load().(domain.ResourceState)
}

func (m *Monitor) SampleNow() float64 {
	return m.sampler()
}

func (m *Monitor) sample(now time.Time) {
	usage := m.sampler()
	previous := m.Current().Level
	level := m.nextLevel(previous, usage, now)

	if level != previous {
		m.logger.Info("resource level changed",
			"from", previous.String(),
			"to", level.String(),
			"usage_mb", usage,
			"warning_mb", m.cfg.WarningThresholdMB,
			"hard_limit_mb", m.cfg.HardLimitMB,
		)
	}

	m.state.Store(domain.ResourceState{
		CurrentUsageMB: usage,
		Level:          level,
		SampledAt:      now,
	})
}

func (m *Monitor) nextLevel(current domain.ResourceLevel, usage float64, now time.Time) domain.ResourceLevel {
	switch {
	case usage >= m.cfg.HardLimitMB:
		m.belowWarningSince = time.Time{}

		if m.backpressureSince.IsZero() {
			m.backpressureSince = now
		}
		if current < domain.ResourceLevelBackpressure {
			return domain.ResourceLevelBackpressure
		}
		if current == domain.ResourceLevelBackpressure && now.Sub(m.backpressureSince) >= m.cfg.ProtectionGrace {
			return domain.ResourceLevelProtection
		}
		return current

	case usage >= m.cfg.WarningThresholdMB:
		m.belowWarningSince = time.Time{}
		m.backpressureSince = time.Time{}

		if current < domain.ResourceLevelWarning {
			return domain.ResourceLevelWarning
		}
		// Elevated levels hold until usage clears the warning threshold.
		return current

	default:
		m.backpressureSince = time.Time{}

		if current == domain.ResourceLevelNormal {
			return current
		}

		if m.belowWarningSince.IsZero() {
			m.belowWarningSince = now
			return current
		}

		if now.Sub(m.belowWarningSince) >= m.cfg.RecoveryWindow {
			// Each step down restarts the window so recovery from
			// protection to normal takes three sustained windows.
			m.belowWarningSince = now
			return current - 1
		}
		return current
	}
}
