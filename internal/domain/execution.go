package domain

import (
	"fmt"
	"time"

	"github.com/eleven-am/strand/internal/xjson"
)

type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}

type NodeState string

const (
	NodeStateNotReady     NodeState = "not_ready"
	NodeStateReady        NodeState = "ready"
	NodeStateQueued       NodeState = "queued"
	NodeStateRunning      NodeState = "running"
	NodeStateSucceeded    NodeState = "succeeded"
	NodeStateFailed       NodeState = "failed"
	NodeStateDeadLettered NodeState = "dead_lettered"
	NodeStateSkipped      NodeState = "skipped"
)

func (s NodeState) Terminal() bool {
	switch s {
	case NodeStateSucceeded, NodeStateDeadLettered, NodeStateSkipped:
		return true
	}
	return false
}

// NodeStatus is the per-node record inside an ExecutionInstance. Attempts
// counts executor invocations within the node's current retry budget; an
// operator revival grants a fresh budget and restarts the count.
type NodeStatus struct {
	State       NodeState  `json:"state"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"last_error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// MemoryDeltaMB is the heap growth observed across the last executor
	// invocation, recorded when it exceeds the per-node budget.
	MemoryDeltaMB float64 `json:"memory_delta_mb,omitempty"`
}

// ExecutionInstance is one run of a WorkflowDefinition. It is mutated only
// by the scheduler's single-writer update path and persisted on every
// transition, so a get_status read always reflects durable state.
type ExecutionInstance struct {
	ID          string                 `json:"id"`
	WorkflowID  string                 `json:"workflow_id"`
	Status      ExecutionStatus        `json:"status"`
	CreatedAt   time.Time              `json:"created_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Nodes       map[string]*NodeStatus `json:"nodes"`
	Error       string                 `json:"error,omitempty"`

	// Output is the running fold of node results: each success merges its
	// output in, objects key-wise and arrays by append.
	Output xjson.RawMessage `json:"output,omitempty"`
}

func NewExecutionInstance(executionID, workflowID string, nodeIDs []string) *ExecutionInstance {
	nodes := make(map[string]*NodeStatus, len(nodeIDs))
	for _, id := range nodeIDs {
		nodes[id] = &NodeStatus{State: NodeStateNotReady}
	}

	return &ExecutionInstance{
		ID:         executionID,
		WorkflowID: workflowID,
		Status:     ExecutionStatusPending,
		CreatedAt:  time.Now(),
		Nodes:      nodes,
	}
}

func (e *ExecutionInstance) Node(nodeID string) (*NodeStatus, error) {
	status, ok := e.Nodes[nodeID]
	if !ok {
		return nil, fmt.Errorf("execution %s has no node %s", e.ID, nodeID)
	}
	return status, nil
}

// AllNodesTerminal reports whether every node reached a terminal state.
func (e *ExecutionInstance) AllNodesTerminal() bool {
	for _, status := range e.Nodes {
		if !status.State.Terminal() {
			return false
		}
	}
	return true
}

func (e *ExecutionInstance) ToBytes() ([]byte, error) {
	return marshal(e)
}

func ExecutionInstanceFromBytes(data []byte) (*ExecutionInstance, error) {
	var exec ExecutionInstance
	err := unmarshal(data, &exec)
	return &exec, err
}

func ExecutionKey(executionID string) string {
	return "execution:" + executionID
}

func NodeResultKey(executionID, nodeID string) string {
	return fmt.Sprintf("result:%s:%s", executionID, nodeID)
}

func NodeResultPrefix(executionID string) string {
	return fmt.Sprintf("result:%s:", executionID)
}
