package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/eleven-am/strand/internal/domain"
	"github.com/eleven-am/strand/internal/ports"
	"github.com/eleven-am/strand/internal/xjson"
)

// workerLoop pulls visible tasks and executes them. It wakes on queue
// notifications and on a poll ticker; the ticker also catches tasks whose
// visibility delay elapses without a new enqueue.
func (e *Engine) workerLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Queue.PollInterval)
	defer ticker.Stop()

	wakeup := e.queue.WaitForItem(ctx)

	for {
		e.pollOnce(ctx)

		select {
		case <-wakeup:
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
	}
}

// pollOnce dispatches admissible work, AI head first. A governor slot is
// taken before anything is claimed, so a task that cannot be admitted is
// never dequeued: it keeps its queue position untouched, nothing is written,
// and the worker falls back to the poll ticker until capacity returns.
func (e *Engine) pollOnce(ctx context.Context) {
	for _, class := range []domain.NodeClass{domain.NodeClassAI, domain.NodeClassRegular} {
		e.dispatchClass(ctx, class)
	}
}

// dispatchClass claims and runs tasks of one class while slots last. The AI
// ceiling is a single slot, so at most one worker gets past Acquire at a
// time and AI tasks start in strict enqueue order.
func (e *Engine) dispatchClass(ctx context.Context, class domain.NodeClass) {
	for dispatched := 0; dispatched < e.cfg.Queue.DequeueBatchSize; dispatched++ {
		if ctx.Err() != nil {
			return
		}

		if err := e.governor.Acquire(class); err != nil {
			return
		}

		batch, err := e.queue.DequeueBatch(1, class)
		if err != nil {
			e.governor.Release(class)
			if !domain.IsNotFound(err) {
				e.logger.Error("dequeue failed", "error", err)
			}
			return
		}
		if len(batch) == 0 {
			e.governor.Release(class)
			return
		}

		task := batch[0]
		if ctx.Err() != nil {
			e.governor.Release(class)
			if err := e.queue.Release(task.ID); err != nil {
				e.logger.Error("failed to release task on shutdown", "task_id", task.ID, "error", err)
			}
			return
		}

		e.executeTask(ctx, task)
	}
}

// executeTask runs one claimed task and pushes the outcome onto the result
// channel. The caller has already acquired a governor slot for task.Class;
// it is held for the executor's lifetime and released here on every path,
// even when the invocation times out.
func (e *Engine) executeTask(ctx context.Context, task domain.Task) {
	if !e.beginTask(&task) {
		e.governor.Release(task.Class)
		return
	}

	executor, err := e.registry.Get(task.Class)
	if err != nil {
		e.governor.Release(task.Class)
		e.sendResult(ctx, taskResult{task: task, err: domain.NewPermanentError(err)})
		return
	}

	payload, err := domain.TaskPayloadFromBytes(task.Payload)
	if err != nil {
		e.governor.Release(task.Class)
		e.sendResult(ctx, taskResult{task: task, err: domain.NewPermanentError(fmt.Errorf("decoding payload: %w", err))})
		return
	}

	heapBefore := e.monitor.SampleNow()
	start := time.Now()
	output, execErr := e.invoke(ctx, executor, task.Timeout, payload)
	duration := time.Since(start)
	heapAfter := e.monitor.SampleNow()

	e.governor.Release(task.Class)

	memDelta := heapAfter - heapBefore
	if memDelta > e.cfg.Resources.NodeBudgetMB {
		e.logger.Warn("node exceeded memory budget",
			"execution_id", task.ExecutionID,
			"node_id", task.NodeID,
			"delta_mb", memDelta,
			"budget_mb", e.cfg.Resources.NodeBudgetMB,
		)
	} else {
		memDelta = 0
	}

	if e.metrics != nil {
		e.metrics.taskLatency.WithLabelValues(string(task.Class)).Observe(duration.Seconds())
	}

	e.sendResult(ctx, taskResult{
		task:       task,
		output:     output,
		err:        execErr,
		duration:   duration,
		memDeltaMB: memDelta,
	})
}

// invoke runs the executor with a per-task deadline. The executor runs in
// its own goroutine so a deadline overrun surfaces here immediately; the
// abandoned invocation keeps its cancelled context and is expected to wind
// down on its own.
func (e *Engine) invoke(ctx context.Context, executor ports.Executor, timeout time.Duration, payload *domain.TaskPayload) (xjson.RawMessage, error) {
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type invocation struct {
		output xjson.RawMessage
		err    error
	}
	done := make(chan invocation, 1)

	go func() {
		output, err := executor.Execute(taskCtx, payload.Config, payload.Upstream)
		done <- invocation{output: output, err: err}
	}()

	select {
	case result := <-done:
		return result.output, result.err
	case <-taskCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w after %s", domain.ErrExecutionTimeout, timeout)
	}
}

// beginTask marks the node running and persists it. It reports false when
// the execution no longer wants this delivery (cancelled, finished, or a
// duplicate redelivery of an already-terminal node), in which case the
// claim is acked and the task dropped.
func (e *Engine) beginTask(task *domain.Task) bool {
	state, ok := e.execution(task.ExecutionID)
	if !ok {
		e.ackDropped(task)
		return false
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	if state.inst.Status.Terminal() {
		e.ackDropped(task)
		return false
	}

	status, err := state.inst.Node(task.NodeID)
	if err != nil || status.State.Terminal() {
		e.ackDropped(task)
		return false
	}

	now := time.Now()
	status.State = domain.NodeStateRunning
	status.Attempts = task.Attempt + 1
	if status.StartedAt == nil {
		status.StartedAt = &now
	}

	if err := e.ledger.SaveExecution(state.inst); err != nil {
		e.logger.Error("failed to persist running state", "execution_id", task.ExecutionID, "node_id", task.NodeID, "error", err)
	}

	return true
}

func (e *Engine) sendResult(ctx context.Context, result taskResult) {
	select {
	case e.results <- result:
	case <-ctx.Done():
	}
}
