package engine

import (
	"github.com/eleven-am/strand/internal/adapters/dag"
	"github.com/eleven-am/strand/internal/domain"
)

// recoverState rebuilds in-memory scheduling state after a restart. Claims
// left by the previous process are replayed first, then every active
// execution is reloaded and any in-flight node whose task did not survive
// the crash gets a fresh one. At-least-once delivery means a node may run
// again here; result persistence and the terminal-state check on the
// control loop make the duplicate harmless.
func (e *Engine) recoverState() error {
	replayed, err := e.queue.RecoverInFlight()
	if err != nil {
		return err
	}

	active, err := e.ledger.ListActiveExecutions()
	if err != nil {
		return err
	}
	if len(active) == 0 {
		if replayed > 0 {
			e.logger.Warn("replayed tasks reference no active execution", "replayed", replayed)
		}
		return nil
	}

	pending, err := e.queue.PendingTasks()
	if err != nil {
		return err
	}

	outstanding := make(map[string]map[string]bool, len(active))
	for _, task := range pending {
		nodes := outstanding[task.ExecutionID]
		if nodes == nil {
			nodes = make(map[string]bool)
			outstanding[task.ExecutionID] = nodes
		}
		nodes[task.NodeID] = true
	}

	recovered := 0
	for _, inst := range active {
		def, exists, err := e.ledger.GetWorkflow(inst.WorkflowID)
		if err != nil {
			return err
		}
		if !exists {
			e.logger.Error("active execution references missing workflow, abandoning",
				"execution_id", inst.ID,
				"workflow_id", inst.WorkflowID,
			)
			continue
		}

		graph, err := dag.Compile(def)
		if err != nil {
			e.logger.Error("active execution references uncompilable workflow, abandoning",
				"execution_id", inst.ID,
				"workflow_id", inst.WorkflowID,
				"error", err,
			)
			continue
		}

		state := &executionState{graph: graph, inst: inst}
		if err := e.recoverExecution(state, outstanding[inst.ID]); err != nil {
			return err
		}

		e.trackExecution(state)
		recovered++
	}

	e.logger.Info("recovered state after restart",
		"replayed_tasks", replayed,
		"active_executions", recovered,
	)

	return nil
}

// recoverExecution re-seeds the queue for one reloaded execution. Nodes the
// ledger recorded as running were interrupted mid-flight: their replayed
// claim (now pending again) covers them, and a node with no surviving task
// at all is re-enqueued from the ledger.
func (e *Engine) recoverExecution(state *executionState, outstanding map[string]bool) error {
	state.mu.Lock()
	defer state.mu.Unlock()

	var missing []string
	for nodeID, status := range state.inst.Nodes {
		switch status.State {
		case domain.NodeStateRunning:
			status.State = domain.NodeStateQueued
			if !outstanding[nodeID] {
				missing = append(missing, nodeID)
			}
		case domain.NodeStateReady, domain.NodeStateQueued, domain.NodeStateFailed:
			if !outstanding[nodeID] {
				missing = append(missing, nodeID)
			}
		}
	}

	for _, nodeID := range missing {
		state.inst.Nodes[nodeID].State = domain.NodeStateReady
	}
	if err := e.enqueueNodes(state, missing); err != nil {
		return err
	}

	return e.ledger.SaveExecution(state.inst)
}
