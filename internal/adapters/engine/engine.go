package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eleven-am/strand/internal/adapters/dag"
	"github.com/eleven-am/strand/internal/domain"
	"github.com/eleven-am/strand/internal/ports"
	"github.com/eleven-am/strand/internal/xjson"
)

// metricsInterval is how often gauges (queue depth, resource level) are
// refreshed, independent of the retention sweep.
const metricsInterval = 5 * time.Second

// Engine is the scheduler core: it compiles workflows, converts ready
// nodes into queue tasks, runs the worker pool, and owns every execution
// state transition. Workers push completions onto a result channel and a
// single control loop applies them, so per-execution bookkeeping never
// races while independent executions progress in parallel.
type Engine struct {
	cfg      *domain.Config
	queue    ports.QueuePort
	ledger   ports.LedgerPort
	governor ports.GovernorPort
	monitor  ports.ResourceMonitorPort
	registry ports.ExecutorRegistry
	logger   *slog.Logger
	metrics  *Metrics

	results chan taskResult

	mu         sync.RWMutex
	executions map[string]*executionState

	lifecycle sync.Mutex
	started   bool
	cancel    context.CancelFunc
	group     *errgroup.Group
}

// executionState pairs a live execution with its compiled graph. Its mutex
// serializes bookkeeping per instance; instances never share state.
type executionState struct {
	mu    sync.Mutex
	graph *dag.CompiledGraph
	inst  *domain.ExecutionInstance
}

type taskResult struct {
	task       domain.Task
	output     xjson.RawMessage
	err        error
	duration   time.Duration
	memDeltaMB float64
}

func New(
	cfg *domain.Config,
	queue ports.QueuePort,
	ledger ports.LedgerPort,
	governor ports.GovernorPort,
	monitor ports.ResourceMonitorPort,
	registry ports.ExecutorRegistry,
	metrics *Metrics,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		cfg:        cfg,
		queue:      queue,
		ledger:     ledger,
		governor:   governor,
		monitor:    monitor,
		registry:   registry,
		metrics:    metrics,
		logger:     logger.With("component", "engine"),
		results:    make(chan taskResult, cfg.Scheduler.ResultBuffer),
		executions: make(map[string]*executionState),
	}
}

// RegisterExecutor binds an executor to a node class. Safe to call at any
// time; tasks dispatched before registration fail permanently.
func (e *Engine) RegisterExecutor(class domain.NodeClass, executor ports.Executor) error {
	return e.registry.Register(class, executor)
}

func (e *Engine) Start(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	if e.started {
		return domain.ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	if err := e.monitor.Start(runCtx); err != nil {
		cancel()
		return err
	}

	if err := e.recoverState(); err != nil {
		e.monitor.Stop()
		cancel()
		return err
	}

	group, groupCtx := errgroup.WithContext(runCtx)
	e.group = group

	group.Go(func() error {
		return e.controlLoop(groupCtx)
	})
	for i := 0; i < e.cfg.Scheduler.WorkerCount; i++ {
		group.Go(func() error {
			return e.workerLoop(groupCtx)
		})
	}
	group.Go(func() error {
		return e.observeLoop(groupCtx)
	})

	e.started = true
	e.logger.Info("scheduler started",
		"workers", e.cfg.Scheduler.WorkerCount,
		"max_regular", e.cfg.Scheduler.MaxRegularConcurrent,
	)

	return nil
}

func (e *Engine) Stop() error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	if !e.started {
		return domain.ErrNotStarted
	}
	e.started = false

	e.cancel()
	err := e.group.Wait()

	if stopErr := e.monitor.Stop(); err == nil {
		err = stopErr
	}

	e.logger.Info("scheduler stopped")
	return err
}

// controlLoop is the single-writer state-update path: every completion and
// failure flows through here in arrival order.
func (e *Engine) controlLoop(ctx context.Context) error {
	for {
		select {
		case result := <-e.results:
			e.handleResult(result)
		case <-ctx.Done():
			return nil
		}
	}
}

// observeLoop refreshes gauges and runs the retention sweep.
func (e *Engine) observeLoop(ctx context.Context) error {
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	lastSweep := time.Now()

	for {
		select {
		case now := <-ticker.C:
			e.refreshGauges()

			if now.Sub(lastSweep) >= e.cfg.Retention.SweepInterval {
				lastSweep = now
				cutoff := now.Add(-e.cfg.Retention.MaxAge)
				if _, err := e.ledger.DeleteOlderThan(cutoff); err != nil {
					e.logger.Error("retention sweep failed", "error", err)
				}
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (e *Engine) refreshGauges() {
	if e.metrics == nil {
		return
	}

	if stats, err := e.queue.Stats(); err == nil {
		e.metrics.queueDepth.Set(float64(stats.Pending))
		e.metrics.deadLetters.Set(float64(stats.DeadLetter))
	}

	e.metrics.resourceLevel.Set(float64(e.monitor.Current().Level))

	ai, regular := e.governor.InFlight()
	e.metrics.inFlight.WithLabelValues(string(domain.NodeClassAI)).Set(float64(ai))
	e.metrics.inFlight.WithLabelValues(string(domain.NodeClassRegular)).Set(float64(regular))
}

func (e *Engine) execution(executionID string) (*executionState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	state, ok := e.executions[executionID]
	return state, ok
}

func (e *Engine) trackExecution(state *executionState) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.executions[state.inst.ID] = state
}

func (e *Engine) forgetExecution(executionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.executions, executionID)
}
