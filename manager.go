package strand

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/eleven-am/strand/internal/adapters/engine"
	"github.com/eleven-am/strand/internal/adapters/governor"
	"github.com/eleven-am/strand/internal/adapters/ledger"
	"github.com/eleven-am/strand/internal/adapters/monitor"
	"github.com/eleven-am/strand/internal/adapters/queue"
	"github.com/eleven-am/strand/internal/adapters/storage"
	"github.com/eleven-am/strand/internal/ports"
)

// Manager wires the storage, queue, ledger, monitor, governor and engine
// together behind a single lifecycle. One Manager owns one data directory.
type Manager struct {
	cfg     *Config
	store   *storage.Store
	queue   ports.QueuePort
	ledger  ports.LedgerPort
	monitor ports.ResourceMonitorPort
	engine  *engine.Engine
	metrics prometheus.Gatherer
	logger  *slog.Logger
}

// New opens the data directory and builds the full scheduler stack. The
// manager is inert until Start; executors can be registered either side
// of New but must all be in place before a workflow that needs them runs.
func New(cfg *Config) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultConfig("./data", nil)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	store, err := storage.Open(cfg.DataDir, logger)
	if err != nil {
		return nil, err
	}

	taskQueue := queue.New(store, logger)
	execLedger := ledger.New(store, logger)
	memMonitor := monitor.New(cfg.Resources, logger)
	gov := governor.New(memMonitor, cfg.Scheduler.MaxRegularConcurrent, logger)
	registry := engine.NewRegistry()

	promRegistry := prometheus.NewRegistry()
	metrics := engine.NewMetrics(promRegistry)

	core := engine.New(cfg, taskQueue, execLedger, gov, memMonitor, registry, metrics, logger)

	return &Manager{
		cfg:     cfg,
		store:   store,
		queue:   taskQueue,
		ledger:  execLedger,
		monitor: memMonitor,
		engine:  core,
		metrics: promRegistry,
		logger:  logger,
	}, nil
}

// RegisterExecutor binds an executor to a node class.
func (m *Manager) RegisterExecutor(class NodeClass, executor Executor) error {
	return m.engine.RegisterExecutor(class, executor)
}

// Start recovers durable state and launches the worker pool, control loop
// and resource monitor.
func (m *Manager) Start(ctx context.Context) error {
	return m.engine.Start(ctx)
}

// Stop drains the scheduler and closes the queue and store. The manager
// cannot be restarted; build a new one.
func (m *Manager) Stop() error {
	err := m.engine.Stop()

	if closeErr := m.queue.Close(); err == nil {
		err = closeErr
	}
	if closeErr := m.store.Close(); err == nil {
		err = closeErr
	}

	return err
}

// SubmitWorkflow validates and stores a workflow definition, returning
// its id. Invalid definitions are rejected here and never enqueue work.
func (m *Manager) SubmitWorkflow(def *WorkflowDefinition) (string, error) {
	return m.engine.SubmitWorkflow(def)
}

// StartExecution begins a run of a stored workflow and returns the
// execution id.
func (m *Manager) StartExecution(workflowID string) (string, error) {
	return m.engine.StartExecution(workflowID)
}

// Cancel stops an execution cooperatively: in-flight nodes finish, every
// other non-terminal node is skipped.
func (m *Manager) Cancel(executionID string) error {
	return m.engine.Cancel(executionID)
}

// GetStatus returns the durable snapshot of an execution.
func (m *Manager) GetStatus(executionID string) (*ExecutionInstance, error) {
	return m.engine.GetStatus(executionID)
}

// QueueStats returns current pending, claimed and dead-letter counts.
func (m *Manager) QueueStats() (QueueStats, error) {
	return m.queue.Stats()
}

// DeadLetters lists parked tasks, newest limit of them; limit <= 0 means
// all.
func (m *Manager) DeadLetters(limit int) ([]DeadLetterRecord, error) {
	return m.queue.DeadLetters(limit)
}

// RetryDeadLetter revives a dead-lettered node: the execution resumes if
// it had failed, and the task re-enters the queue with a fresh retry
// budget. Operator action; nothing retries from the store automatically.
func (m *Manager) RetryDeadLetter(taskID string) error {
	return m.engine.RetryDeadLetter(taskID)
}

// ResourceState returns the monitor's latest memory reading and level.
func (m *Manager) ResourceState() ResourceState {
	return m.monitor.Current()
}

// Metrics exposes the manager's Prometheus registry for scraping.
func (m *Manager) Metrics() prometheus.Gatherer {
	return m.metrics
}
