package ports

import (
	"time"

	"github.com/eleven-am/strand/internal/domain"
	"github.com/eleven-am/strand/internal/xjson"
)

// LedgerPort persists workflow definitions, execution instances and
// per-node results. Every scheduler state transition goes through here
// before it is acknowledged, so reads always reflect durable state.
type LedgerPort interface {
	PutWorkflow(def *domain.WorkflowDefinition) error
	GetWorkflow(workflowID string) (*domain.WorkflowDefinition, bool, error)

	CreateExecution(exec *domain.ExecutionInstance) error
	SaveExecution(exec *domain.ExecutionInstance) error
	GetExecution(executionID string) (*domain.ExecutionInstance, bool, error)
	ListActiveExecutions() ([]*domain.ExecutionInstance, error)

	PutNodeResult(executionID, nodeID string, output xjson.RawMessage) error
	GetNodeResults(executionID string, nodeIDs []string) (map[string]xjson.RawMessage, error)

	// DeleteOlderThan removes terminal executions (and their node results)
	// whose completion predates the cutoff. Returns how many executions
	// were removed.
	DeleteOlderThan(cutoff time.Time) (int, error)
}
