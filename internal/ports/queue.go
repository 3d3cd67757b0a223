package ports

import (
	"context"
	"time"

	"github.com/eleven-am/strand/internal/domain"
)

// QueuePort is the durable task queue contract. Delivery is at-least-once:
// a dequeued task stays claimed until Ack, Nack or DeadLetter removes the
// claim, and claims left by a crash are replayed by RecoverInFlight.
type QueuePort interface {
	// Enqueue appends the task and returns its id.
	Enqueue(task domain.Task) (string, error)

	// DequeueBatch returns up to limit tasks whose visibility delay has
	// elapsed, in FIFO order by sequence. classFilter narrows the scan to
	// one node class; an empty filter matches every class.
	DequeueBatch(limit int, classFilter domain.NodeClass) ([]domain.Task, error)

	// Ack removes the claim; the task is done (succeeded, dead-lettered or
	// dropped by cancellation).
	Ack(taskID string) error

	// Nack returns a claimed task to the pending queue with its attempt
	// count incremented and visibility delayed by retryAfter.
	Nack(taskID string, retryAfter time.Duration) error

	// Release returns a claimed task to the pending queue unchanged, at its
	// original FIFO position and immediately visible. Used when admission
	// is refused so an undispatched task neither burns an attempt nor
	// loses its place.
	Release(taskID string) error

	// DeadLetter atomically moves a claimed task to the dead-letter store.
	DeadLetter(taskID string, lastError string) error

	DeadLetters(limit int) ([]domain.DeadLetterRecord, error)
	DeadLetterSize() (int, error)

	// GetDeadLetter returns the parked record for one task id.
	GetDeadLetter(taskID string) (*domain.DeadLetterRecord, error)

	// RetryFromDeadLetter re-enqueues a dead-lettered task with a reset
	// attempt count and removes the record. Explicit operator action only.
	RetryFromDeadLetter(taskID string) (*domain.Task, error)

	// PendingTasks lists every pending task in FIFO order, visible or not.
	// Used during startup recovery to tell re-queued nodes apart from nodes
	// that lost their task in a crash.
	PendingTasks() ([]domain.Task, error)

	// RecoverInFlight replays every claim left behind by a previous
	// process: each claimed task moves back to pending, immediately
	// visible, preserving its sequence. Returns the number replayed.
	RecoverInFlight() (int, error)

	// WaitForItem signals when a new pending task may be available.
	WaitForItem(ctx context.Context) <-chan struct{}

	Size() (int, error)
	Stats() (QueueStats, error)
	Close() error
}

type QueueStats struct {
	Pending    int `json:"pending"`
	Claimed    int `json:"claimed"`
	DeadLetter int `json:"dead_letter"`
}
