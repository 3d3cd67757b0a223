package ports

import (
	"context"

	"github.com/eleven-am/strand/internal/domain"
)

// ResourceMonitorPort samples process memory on a fixed interval and
// publishes the classified state. Current never blocks.
type ResourceMonitorPort interface {
	Start(ctx context.Context) error
	Stop() error
	Current() domain.ResourceState

	// SampleNow takes an immediate reading outside the ticker, used to
	// bracket executor invocations for per-node budget accounting.
	SampleNow() float64
}

// GovernorPort gates dispatch. Admit is a cheap advisory read; Acquire is
// the authoritative slot take and can still refuse under races.
type GovernorPort interface {
	Admit(class domain.NodeClass) bool
	Acquire(class domain.NodeClass) error
	Release(class domain.NodeClass)
	InFlight() (ai int, regular int)
}
