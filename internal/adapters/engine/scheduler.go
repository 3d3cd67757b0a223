package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/eleven-am/strand/internal/adapters/dag"
	"github.com/eleven-am/strand/internal/domain"
)

// SubmitWorkflow validates and persists a workflow definition. Compilation
// errors surface synchronously to the submitter; a definition that fails
// here never produces a task.
func (e *Engine) SubmitWorkflow(def *domain.WorkflowDefinition) (string, error) {
	if def.ID == "" {
		def.ID = uuid.New().String()
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now()
	}

	if _, err := dag.Compile(def); err != nil {
		return "", err
	}

	if err := e.ledger.PutWorkflow(def); err != nil {
		return "", err
	}

	e.logger.Info("workflow accepted",
		"workflow_id", def.ID,
		"version", def.Version,
		"nodes", len(def.Nodes),
		"edges", len(def.Edges),
	)

	return def.ID, nil
}

// StartExecution creates an execution instance for a stored workflow and
// enqueues its initial ready set.
func (e *Engine) StartExecution(workflowID string) (string, error) {
	def, exists, err := e.ledger.GetWorkflow(workflowID)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", domain.ErrNotFound
	}

	graph, err := dag.Compile(def)
	if err != nil {
		return "", err
	}

	inst := domain.NewExecutionInstance(uuid.New().String(), workflowID, graphNodeIDs(graph))
	inst.Status = domain.ExecutionStatusRunning

	state := &executionState{graph: graph, inst: inst}

	state.mu.Lock()
	defer state.mu.Unlock()

	if err := e.ledger.CreateExecution(inst); err != nil {
		return "", err
	}
	e.trackExecution(state)

	if err := e.enqueueNodes(state, graph.InitialReady()); err != nil {
		return inst.ID, err
	}

	e.logger.Info("execution started",
		"execution_id", inst.ID,
		"workflow_id", workflowID,
		"initial_ready", len(graph.InitialReady()),
	)

	return inst.ID, nil
}

// Cancel is cooperative: in-flight tasks finish, but nothing new from this
// execution is dispatched and every non-terminal node becomes skipped.
func (e *Engine) Cancel(executionID string) error {
	state, ok := e.execution(executionID)
	if !ok {
		exec, exists, err := e.ledger.GetExecution(executionID)
		if err != nil {
			return err
		}
		if !exists {
			return domain.ErrNotFound
		}
		if exec.Status.Terminal() {
			return domain.ErrExecutionTerminal
		}
		return domain.ErrNotFound
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	if state.inst.Status.Terminal() {
		return domain.ErrExecutionTerminal
	}

	now := time.Now()
	state.inst.Status = domain.ExecutionStatusCancelled
	state.inst.CompletedAt = &now
	for _, status := range state.inst.Nodes {
		if !status.State.Terminal() {
			status.State = domain.NodeStateSkipped
		}
	}

	if err := e.ledger.SaveExecution(state.inst); err != nil {
		return err
	}

	e.forgetExecution(executionID)
	e.logger.Info("execution cancelled", "execution_id", executionID)

	return nil
}

// GetStatus returns the latest durable snapshot of an execution.
func (e *Engine) GetStatus(executionID string) (*domain.ExecutionInstance, error) {
	exec, exists, err := e.ledger.GetExecution(executionID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, domain.ErrNotFound
	}
	return exec, nil
}

// RetryDeadLetter revives one dead-lettered node by operator request. The
// ledger forgets the failure before the task goes back on the queue, so the
// redelivery is actually runnable: the node returns to queued with a fresh
// retry budget, and an execution that failed because of it resumes. Nodes
// that were skipped by the failure become reachable again, except those
// downstream of a different node that is still dead-lettered.
func (e *Engine) RetryDeadLetter(taskID string) error {
	record, err := e.queue.GetDeadLetter(taskID)
	if err != nil {
		return err
	}

	state, tracked := e.execution(record.ExecutionID)
	if !tracked {
		inst, exists, err := e.ledger.GetExecution(record.ExecutionID)
		if err != nil {
			return err
		}
		if !exists {
			return domain.ErrNotFound
		}

		def, exists, err := e.ledger.GetWorkflow(inst.WorkflowID)
		if err != nil {
			return err
		}
		if !exists {
			return domain.ErrNotFound
		}
		graph, err := dag.Compile(def)
		if err != nil {
			return err
		}

		state = &executionState{graph: graph, inst: inst}
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	switch {
	case state.inst.Status == domain.ExecutionStatusFailed:
		state.inst.Status = domain.ExecutionStatusRunning
		state.inst.Error = ""
		state.inst.CompletedAt = nil
	case state.inst.Status.Terminal():
		// Completed and cancelled executions stay closed; the record
		// remains inspectable.
		return domain.ErrExecutionTerminal
	}

	status, err := state.inst.Node(record.NodeID)
	if err != nil {
		return err
	}
	if status.State != domain.NodeStateDeadLettered {
		return fmt.Errorf("node %s in execution %s is %s, not %s",
			record.NodeID, record.ExecutionID, status.State, domain.NodeStateDeadLettered)
	}

	status.State = domain.NodeStateQueued
	status.CompletedAt = nil

	e.reviveSkipped(state, record.NodeID)

	if err := e.ledger.SaveExecution(state.inst); err != nil {
		return err
	}
	if !tracked {
		e.trackExecution(state)
	}

	if _, err := e.queue.RetryFromDeadLetter(taskID); err != nil {
		return err
	}

	// Revived nodes whose dependencies were already satisfied before the
	// failure go back on the queue immediately.
	if err := e.enqueueNodes(state, e.satisfiedNotReady(state)); err != nil {
		return err
	}

	e.logger.Info("dead-lettered node revived",
		"execution_id", record.ExecutionID,
		"node_id", record.NodeID,
		"task_id", taskID,
	)

	return nil
}

// reviveSkipped returns skipped, never-run nodes to not_ready so the
// resumed execution can reach them. Descendants of another node that is
// still dead-lettered stay skipped: their dependency cannot succeed until
// that node is retried too. Caller holds state.mu.
func (e *Engine) reviveSkipped(state *executionState, retriedNodeID string) {
	blocked := make(map[string]bool)
	for nodeID, status := range state.inst.Nodes {
		if nodeID == retriedNodeID || status.State != domain.NodeStateDeadLettered {
			continue
		}
		for _, desc := range state.graph.Descendants(nodeID) {
			blocked[desc] = true
		}
	}

	for nodeID, status := range state.inst.Nodes {
		if status.State == domain.NodeStateSkipped && status.Attempts == 0 && !blocked[nodeID] {
			status.State = domain.NodeStateNotReady
		}
	}
}

// satisfiedNotReady lists not_ready nodes whose predecessors have all
// succeeded. Caller holds state.mu.
func (e *Engine) satisfiedNotReady(state *executionState) []string {
	var ready []string
	for nodeID, status := range state.inst.Nodes {
		if status.State != domain.NodeStateNotReady {
			continue
		}

		satisfied := true
		for _, pred := range state.graph.Predecessors[nodeID] {
			if state.inst.Nodes[pred].State != domain.NodeStateSucceeded {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, nodeID)
		}
	}
	return ready
}

// handleResult applies one completion or failure. Runs only on the control
// loop goroutine.
func (e *Engine) handleResult(result taskResult) {
	state, ok := e.execution(result.task.ExecutionID)
	if !ok {
		// The execution finished, failed or was cancelled while this task
		// was in flight; the claim just needs to go away.
		e.ackDropped(&result.task)
		return
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	if state.inst.Status.Terminal() {
		e.ackDropped(&result.task)
		return
	}

	status, err := state.inst.Node(result.task.NodeID)
	if err != nil || status.State.Terminal() {
		e.ackDropped(&result.task)
		return
	}

	if result.err == nil {
		e.handleSuccess(state, &result)
	} else {
		e.handleFailure(state, &result)
	}
}

func (e *Engine) handleSuccess(state *executionState, result *taskResult) {
	task := &result.task
	status := state.inst.Nodes[task.NodeID]

	// Result first, then state, then ack: a crash at any point leaves the
	// task claimed and replayable, never a succeeded node without output.
	if err := e.ledger.PutNodeResult(task.ExecutionID, task.NodeID, result.output); err != nil {
		e.logger.Error("failed to persist node result", "execution_id", task.ExecutionID, "node_id", task.NodeID, "error", err)
		e.retryOrDeadLetter(state, result, err)
		return
	}

	now := time.Now()
	status.State = domain.NodeStateSucceeded
	status.CompletedAt = &now
	status.Attempts = task.Attempt + 1
	status.LastError = ""
	status.MemoryDeltaMB = result.memDeltaMB

	merged, mergeErr := domain.MergeOutputs(state.inst.Output, result.output)
	if mergeErr != nil {
		e.logger.Warn("node output not folded into execution output", "execution_id", task.ExecutionID, "node_id", task.NodeID, "error", mergeErr)
	} else {
		state.inst.Output = merged
	}

	if err := e.ledger.SaveExecution(state.inst); err != nil {
		e.logger.Error("failed to persist execution", "execution_id", task.ExecutionID, "error", err)
		e.retryOrDeadLetter(state, result, err)
		return
	}

	if err := e.queue.Ack(task.ID); err != nil {
		e.logger.Error("failed to ack task", "task_id", task.ID, "error", err)
	}

	if e.metrics != nil {
		e.metrics.taskOutcomes.WithLabelValues(string(task.Class), "succeeded").Inc()
	}

	succeeded := func(nodeID string) bool {
		return state.inst.Nodes[nodeID].State == domain.NodeStateSucceeded
	}
	ready := state.graph.ReadyAfter(task.NodeID, succeeded)

	if err := e.enqueueNodes(state, ready); err != nil {
		e.logger.Error("failed to enqueue ready nodes", "execution_id", task.ExecutionID, "error", err)
	}

	e.maybeFinish(state)
}

func (e *Engine) handleFailure(state *executionState, result *taskResult) {
	task := &result.task

	if e.metrics != nil {
		e.metrics.taskOutcomes.WithLabelValues(string(task.Class), "failed").Inc()
	}

	if domain.IsPermanent(result.err) {
		e.deadLetter(state, result)
		return
	}

	e.retryOrDeadLetter(state, result, result.err)
}

func (e *Engine) retryOrDeadLetter(state *executionState, result *taskResult, cause error) {
	task := &result.task

	if exhausted(task) {
		result.err = cause
		e.deadLetter(state, result)
		return
	}

	// The node reads as failed while it waits out the backoff; the
	// redelivery flips it back to running.
	delay := backoffDelay(e.cfg.Retry, task.Attempt)
	status := state.inst.Nodes[task.NodeID]
	status.State = domain.NodeStateFailed
	status.Attempts = task.Attempt + 1
	status.LastError = cause.Error()

	if err := e.ledger.SaveExecution(state.inst); err != nil {
		e.logger.Error("failed to persist retry state", "execution_id", task.ExecutionID, "error", err)
	}

	if err := e.queue.Nack(task.ID, delay); err != nil {
		e.logger.Error("failed to nack task", "task_id", task.ID, "error", err)
		return
	}

	if e.metrics != nil {
		e.metrics.retries.Inc()
	}

	e.logger.Warn("task failed, retrying with backoff",
		"execution_id", task.ExecutionID,
		"node_id", task.NodeID,
		"attempt", task.Attempt+1,
		"max_retries", task.MaxRetries,
		"delay", delay,
		"error", cause,
	)
}

func (e *Engine) deadLetter(state *executionState, result *taskResult) {
	task := &result.task
	errMsg := result.err.Error()

	if err := e.queue.DeadLetter(task.ID, errMsg); err != nil {
		e.logger.Error("failed to dead-letter task", "task_id", task.ID, "error", err)
		return
	}

	if e.metrics != nil {
		e.metrics.taskOutcomes.WithLabelValues(string(task.Class), "dead_lettered").Inc()
	}

	now := time.Now()
	status := state.inst.Nodes[task.NodeID]
	status.State = domain.NodeStateDeadLettered
	status.Attempts = task.Attempt + 1
	status.LastError = errMsg
	status.CompletedAt = &now

	spec := state.graph.Nodes[task.NodeID]
	if spec.Tolerant {
		// Non-blocking node: its descendants can never become ready, but
		// the rest of the graph carries on.
		for _, nodeID := range state.graph.Descendants(task.NodeID) {
			if desc := state.inst.Nodes[nodeID]; desc.State == domain.NodeStateNotReady {
				desc.State = domain.NodeStateSkipped
			}
		}
		e.logger.Warn("tolerant node dead-lettered, execution continues",
			"execution_id", task.ExecutionID,
			"node_id", task.NodeID,
			"attempts", task.Attempt+1,
			"error", errMsg,
		)
	} else {
		state.inst.Status = domain.ExecutionStatusFailed
		state.inst.Error = "node " + task.NodeID + " dead-lettered: " + errMsg
		state.inst.CompletedAt = &now
		for _, nodeStatus := range state.inst.Nodes {
			if !nodeStatus.State.Terminal() && nodeStatus.State != domain.NodeStateDeadLettered {
				nodeStatus.State = domain.NodeStateSkipped
			}
		}
		e.logger.Error("execution failed",
			"execution_id", task.ExecutionID,
			"node_id", task.NodeID,
			"attempts", task.Attempt+1,
			"error", errMsg,
		)
	}

	if err := e.ledger.SaveExecution(state.inst); err != nil {
		e.logger.Error("failed to persist dead-letter state", "execution_id", task.ExecutionID, "error", err)
	}

	if state.inst.Status.Terminal() {
		e.forgetExecution(state.inst.ID)
	} else {
		e.maybeFinish(state)
	}
}

// maybeFinish completes the execution once every node is terminal.
func (e *Engine) maybeFinish(state *executionState) {
	if !state.inst.AllNodesTerminal() || state.inst.Status.Terminal() {
		return
	}

	now := time.Now()
	state.inst.Status = domain.ExecutionStatusCompleted
	state.inst.CompletedAt = &now

	if err := e.ledger.SaveExecution(state.inst); err != nil {
		e.logger.Error("failed to persist completion", "execution_id", state.inst.ID, "error", err)
		return
	}

	e.forgetExecution(state.inst.ID)
	e.logger.Info("execution completed", "execution_id", state.inst.ID)
}

// enqueueNodes converts ready nodes to tasks, higher priority first so it
// wins the earlier queue sequence among nodes that became ready together.
// Caller holds state.mu.
func (e *Engine) enqueueNodes(state *executionState, nodeIDs []string) error {
	if len(nodeIDs) == 0 {
		return nil
	}

	ordered := append([]string{}, nodeIDs...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return state.graph.Nodes[ordered[i]].Priority > state.graph.Nodes[ordered[j]].Priority
	})

	for _, nodeID := range ordered {
		status := state.inst.Nodes[nodeID]
		if status.State != domain.NodeStateNotReady && status.State != domain.NodeStateReady {
			// Already queued or terminal; a node never has more than one
			// outstanding task.
			continue
		}

		task, err := e.buildTask(state, nodeID)
		if err != nil {
			return err
		}

		status.State = domain.NodeStateQueued
		if err := e.ledger.SaveExecution(state.inst); err != nil {
			return err
		}

		if _, err := e.queue.Enqueue(*task); err != nil {
			return err
		}
	}

	return nil
}

func (e *Engine) buildTask(state *executionState, nodeID string) (*domain.Task, error) {
	spec := state.graph.Nodes[nodeID]

	upstream, err := e.ledger.GetNodeResults(state.inst.ID, state.graph.Predecessors[nodeID])
	if err != nil {
		return nil, err
	}

	payload := domain.TaskPayload{
		Config:   spec.Config,
		Upstream: upstream,
	}
	payloadBytes, err := payload.ToBytes()
	if err != nil {
		return nil, err
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = e.cfg.Scheduler.DefaultNodeTimeout
	}
	maxRetries := spec.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}

	return &domain.Task{
		ID:          uuid.New().String(),
		ExecutionID: state.inst.ID,
		WorkflowID:  state.inst.WorkflowID,
		NodeID:      nodeID,
		Class:       spec.Class,
		MaxRetries:  maxRetries,
		Priority:    spec.Priority,
		Tolerant:    spec.Tolerant,
		Timeout:     timeout,
		TraceID:     uuid.New().String(),
		Payload:     payloadBytes,
	}, nil
}

func (e *Engine) ackDropped(task *domain.Task) {
	if err := e.queue.Ack(task.ID); err != nil {
		e.logger.Error("failed to ack dropped task", "task_id", task.ID, "error", err)
	}
}

func graphNodeIDs(graph *dag.CompiledGraph) []string {
	ids := make([]string, 0, len(graph.Nodes))
	for id := range graph.Nodes {
		ids = append(ids, id)
	}
	return ids
}
