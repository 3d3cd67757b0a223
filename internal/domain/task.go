package domain

import (
	"fmt"
	"time"

	"github.com/eleven-am/strand/internal/xjson"
)

// Task is the queue record for one node attempt. It exists from enqueue
// until it is acknowledged; the queue store owns it.
type Task struct {
	ID           string           `json:"id"`
	ExecutionID  string           `json:"execution_id"`
	WorkflowID   string           `json:"workflow_id"`
	NodeID       string           `json:"node_id"`
	Class        NodeClass        `json:"class"`
	Attempt      int              `json:"attempt"`
	MaxRetries   int              `json:"max_retries"`
	Priority     int              `json:"priority,omitempty"`
	Tolerant     bool             `json:"tolerant,omitempty"`
	Timeout      time.Duration    `json:"timeout"`
	EnqueuedAt   time.Time        `json:"enqueued_at"`
	VisibleAfter time.Time        `json:"visible_after,omitempty"`
	TraceID      string           `json:"trace_id"`
	Payload      xjson.RawMessage `json:"payload,omitempty"`

	// FirstFailedAt is stamped by the queue on the first Nack and carried
	// through to the dead-letter record.
	FirstFailedAt *time.Time `json:"first_failed_at,omitempty"`
}

// TaskPayload is what a worker hands to the external executor: the node's
// static config plus the outputs of its direct predecessors.
type TaskPayload struct {
	Config   map[string]interface{}      `json:"config,omitempty"`
	Upstream map[string]xjson.RawMessage `json:"upstream,omitempty"`
}

func (p *TaskPayload) ToBytes() ([]byte, error) {
	return marshal(p)
}

func TaskPayloadFromBytes(data []byte) (*TaskPayload, error) {
	var payload TaskPayload
	if len(data) == 0 {
		return &payload, nil
	}
	err := unmarshal(data, &payload)
	return &payload, err
}

func (t *Task) ToBytes() ([]byte, error) {
	return marshal(t)
}

func TaskFromBytes(data []byte) (*Task, error) {
	var task Task
	err := unmarshal(data, &task)
	return &task, err
}

// Visible reports whether the task may be delivered at the given time.
func (t *Task) Visible(now time.Time) bool {
	return t.VisibleAfter.IsZero() || !t.VisibleAfter.After(now)
}

// PendingTask is the durable pending-queue record. Sequence fixes the FIFO
// position; a released task keeps its original sequence so an unadmitted
// delivery does not lose its place.
type PendingTask struct {
	Task     Task      `json:"task"`
	Sequence int64     `json:"sequence"`
	StoredAt time.Time `json:"stored_at"`
}

func NewPendingTask(task Task, sequence int64) *PendingTask {
	return &PendingTask{
		Task:     task,
		Sequence: sequence,
		StoredAt: time.Now(),
	}
}

func (p *PendingTask) ToBytes() ([]byte, error) {
	return marshal(p)
}

func PendingTaskFromBytes(data []byte) (*PendingTask, error) {
	var item PendingTask
	err := unmarshal(data, &item)
	return &item, err
}

// ClaimedTask is the in-flight record written when a task is dequeued.
// It survives a crash, which is what makes redelivery possible.
type ClaimedTask struct {
	Task      Task      `json:"task"`
	Sequence  int64     `json:"sequence"`
	ClaimedAt time.Time `json:"claimed_at"`
}

func NewClaimedTask(task Task, sequence int64) *ClaimedTask {
	return &ClaimedTask{
		Task:      task,
		Sequence:  sequence,
		ClaimedAt: time.Now(),
	}
}

func (c *ClaimedTask) ToBytes() ([]byte, error) {
	return marshal(c)
}

func ClaimedTaskFromBytes(data []byte) (*ClaimedTask, error) {
	var item ClaimedTask
	err := unmarshal(data, &item)
	return &item, err
}

// DeadLetterRecord preserves the full failure context of a task that
// exhausted its retry budget. It is never deleted by the scheduler itself;
// only explicit operator action removes it.
type DeadLetterRecord struct {
	TaskID         string           `json:"task_id"`
	ExecutionID    string           `json:"execution_id"`
	NodeID         string           `json:"node_id"`
	FinalAttempts  int              `json:"final_attempts"`
	LastError      string           `json:"last_error"`
	FirstFailedAt  time.Time        `json:"first_failed_at"`
	DeadLetteredAt time.Time        `json:"dead_lettered_at"`
	Payload        xjson.RawMessage `json:"payload,omitempty"`

	// Snapshot keeps the full task record so an operator retry can
	// re-enqueue without reconstructing it from the ledger.
	Snapshot Task `json:"snapshot"`
}

func (d *DeadLetterRecord) ToBytes() ([]byte, error) {
	return marshal(d)
}

func DeadLetterRecordFromBytes(data []byte) (*DeadLetterRecord, error) {
	var record DeadLetterRecord
	err := unmarshal(data, &record)
	return &record, err
}

const (
	QueuePendingPrefix    = "queue:pending:"
	QueueClaimedPrefix    = "queue:claimed:"
	QueueDeadLetterPrefix = "queue:dead:"
)

func QueuePendingKey(sequence int64) string {
	return fmt.Sprintf("%s%020d", QueuePendingPrefix, sequence)
}

func QueueClaimedKey(taskID string) string {
	return QueueClaimedPrefix + taskID
}

func QueueDeadLetterKey(taskID string) string {
	return QueueDeadLetterPrefix + taskID
}

func QueueSequenceKey() string {
	return "queue:sequence"
}
