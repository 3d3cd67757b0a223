package ledger

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/eleven-am/strand/internal/domain"
	"github.com/eleven-am/strand/internal/ports"
	"github.com/eleven-am/strand/internal/xjson"
)

// Ledger persists workflow definitions, execution instances and node
// results through the StoragePort. The scheduler writes a transition here
// before acknowledging the task that caused it, which is what lets a
// restarted process resume from durable state instead of guessing.
type Ledger struct {
	storage ports.StoragePort
	logger  *slog.Logger
}

func New(storage ports.StoragePort, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}

	return &Ledger{
		storage: storage,
		logger:  logger.With("component", "ledger"),
	}
}

func (l *Ledger) PutWorkflow(def *domain.WorkflowDefinition) error {
	data, err := def.ToBytes()
	if err != nil {
		return err
	}

	return l.storage.Put(domain.WorkflowKey(def.ID), data)
}

func (l *Ledger) GetWorkflow(workflowID string) (*domain.WorkflowDefinition, bool, error) {
	data, exists, err := l.storage.Get(domain.WorkflowKey(workflowID))
	if err != nil || !exists {
		return nil, false, err
	}

	def, err := domain.WorkflowDefinitionFromBytes(data)
	if err != nil {
		return nil, false, err
	}

	return def, true, nil
}

func (l *Ledger) CreateExecution(exec *domain.ExecutionInstance) error {
	data, err := exec.ToBytes()
	if err != nil {
		return err
	}

	key := domain.ExecutionKey(exec.ID)
	return l.storage.RunInTransaction(func(tx ports.Transaction) error {
		_, exists, err := tx.Get(key)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("execution %s already exists", exec.ID)
		}
		return tx.Put(key, data)
	})
}

func (l *Ledger) SaveExecution(exec *domain.ExecutionInstance) error {
	data, err := exec.ToBytes()
	if err != nil {
		return err
	}

	return l.storage.Put(domain.ExecutionKey(exec.ID), data)
}

func (l *Ledger) GetExecution(executionID string) (*domain.ExecutionInstance, bool, error) {
	data, exists, err := l.storage.Get(domain.ExecutionKey(executionID))
	if err != nil || !exists {
		return nil, false, err
	}

	exec, err := domain.ExecutionInstanceFromBytes(data)
	if err != nil {
		return nil, false, err
	}

	return exec, true, nil
}

func (l *Ledger) ListActiveExecutions() ([]*domain.ExecutionInstance, error) {
	items, err := l.storage.ListByPrefix("execution:")
	if err != nil {
		return nil, err
	}

	var active []*domain.ExecutionInstance
	for _, item := range items {
		exec, err := domain.ExecutionInstanceFromBytes(item.Value)
		if err != nil {
			l.logger.Error("skipping corrupt execution record", "key", item.Key, "error", err)
			continue
		}
		if !exec.Status.Terminal() {
			active = append(active, exec)
		}
	}

	return active, nil
}

func (l *Ledger) PutNodeResult(executionID, nodeID string, output xjson.RawMessage) error {
	return l.storage.Put(domain.NodeResultKey(executionID, nodeID), output)
}

func (l *Ledger) GetNodeResults(executionID string, nodeIDs []string) (map[string]xjson.RawMessage, error) {
	results := make(map[string]xjson.RawMessage, len(nodeIDs))

	for _, nodeID := range nodeIDs {
		data, exists, err := l.storage.Get(domain.NodeResultKey(executionID, nodeID))
		if err != nil {
			return nil, err
		}
		if exists {
			results[nodeID] = data
		}
	}

	return results, nil
}

func (l *Ledger) DeleteOlderThan(cutoff time.Time) (int, error) {
	items, err := l.storage.ListByPrefix("execution:")
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, item := range items {
		exec, err := domain.ExecutionInstanceFromBytes(item.Value)
		if err != nil {
			continue
		}
		if !exec.Status.Terminal() || exec.CompletedAt == nil || exec.CompletedAt.After(cutoff) {
			continue
		}

		if _, err := l.storage.DeleteByPrefix(domain.NodeResultPrefix(exec.ID)); err != nil {
			return deleted, err
		}
		if err := l.storage.Delete(item.Key); err != nil {
			return deleted, err
		}
		deleted++
	}

	if deleted > 0 {
		l.logger.Info("expired terminal executions removed", "count", deleted, "cutoff", cutoff)
	}

	return deleted, nil
}
