package governor

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/eleven-am/strand/internal/domain"
	"github.com/eleven-am/strand/internal/ports"
)

// aiCeiling is a hard system-wide invariant, not a tunable: at most one
// AI-class task is ever in flight regardless of resource level.
const aiCeiling = 1

// Governor maps the monitor's resource level plus node class to admission
// decisions. Regular-class capacity scales with pressure; AI-class work is
// additionally paused outright at backpressure and above.
type Governor struct {
	monitor    ports.ResourceMonitorPort
	maxRegular int
	logger     *slog.Logger

	mu              sync.Mutex
	aiInFlight      int
	regularInFlight int
}

func New(monitor ports.ResourceMonitorPort, maxRegular int, logger *slog.Logger) *Governor {
	if logger == nil {
		logger = slog.Default()
	}

	return &Governor{
		monitor:    monitor,
		maxRegular: maxRegular,
		logger:     logger.With("component", "governor"),
	}
}

func (g *Governor) Admit(class domain.NodeClass) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.admittable(class, g.monitor.Current().Level)
}

func (g *Governor) Acquire(class domain.NodeClass) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	level := g.monitor.Current().Level
	if !g.admittable(class, level) {
		return fmt.Errorf("%w: class=%s level=%s", domain.ErrResourceExhausted, class, level)
	}

	switch class {
	case domain.NodeClassAI:
		g.aiInFlight++
	default:
		g.regularInFlight++
	}

	return nil
}

func (g *Governor) Release(class domain.NodeClass) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch class {
	case domain.NodeClassAI:
		if g.aiInFlight == 0 {
			g.logger.Error("release without matching acquire", "class", class)
			return
		}
		g.aiInFlight--
	default:
		if g.regularInFlight == 0 {
			g.logger.Error("release without matching acquire", "class", class)
			return
		}
		g.regularInFlight--
	}
}

func (g *Governor) InFlight() (ai int, regular int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.aiInFlight, g.regularInFlight
}

func (g *Governor) admittable(class domain.NodeClass, level domain.ResourceLevel) bool {
	switch class {
	case domain.NodeClassAI:
		if level >= domain.ResourceLevelBackpressure {
			return false
		}
		return g.aiInFlight < aiCeiling
	default:
		return g.regularInFlight < g.regularCeiling(level)
	}
}

// regularCeiling scales the configured ceiling down under pressure:
// full at normal, halved at warning, drain-only above that.
func (g *Governor) regularCeiling(level domain.ResourceLevel) int {
	switch level {
	case domain.ResourceLevelNormal:
		return g.maxRegular
	case domain.ResourceLevelWarning:
		half := g.maxRegular / 2
		if half < 1 {
			half = 1
		}
		return half
	default:
		return 0
	}
}
