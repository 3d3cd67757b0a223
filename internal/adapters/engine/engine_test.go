package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleven-am/strand/internal/adapters/governor"
	"github.com/eleven-am/strand/internal/adapters/ledger"
	"github.com/eleven-am/strand/internal/adapters/monitor"
	"github.com/eleven-am/strand/internal/adapters/queue"
	"github.com/eleven-am/strand/internal/adapters/storage"
	"github.com/eleven-am/strand/internal/domain"
	"github.com/eleven-am/strand/internal/ports"
	"github.com/eleven-am/strand/internal/xjson"
)

const waitFor = 10 * time.Second

func testEngineConfig(dataDir string) *domain.Config {
	cfg := domain.DefaultConfig()
	cfg.DataDir = dataDir
	cfg.Queue.PollInterval = 10 * time.Millisecond
	cfg.Queue.DequeueBatchSize = 8
	cfg.Retry.BaseDelay = 5 * time.Millisecond
	cfg.Retry.MaxDelay = 50 * time.Millisecond
	cfg.Retry.JitterFraction = 0
	cfg.Scheduler.WorkerCount = 2
	cfg.Scheduler.MaxRegularConcurrent = 4
	cfg.Scheduler.DefaultNodeTimeout = 5 * time.Second
	cfg.Resources.SampleInterval = 20 * time.Millisecond
	cfg.Resources.ProtectionGrace = 500 * time.Millisecond
	cfg.Resources.RecoveryWindow = 50 * time.Millisecond
	return cfg
}

type fakeUsage struct {
	mu    sync.Mutex
	value float64
}

func (f *fakeUsage) set(v float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.value = v
}

func (f *fakeUsage) sample() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value
}

type harness struct {
	engine *Engine
	store  *storage.Store
	usage  *fakeUsage

	mu    sync.Mutex
	calls map[string]int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessAt(t, t.TempDir())
}

// newHarnessAt builds an engine over dataDir; reusing a directory across
// two harnesses simulates a process restart.
func newHarnessAt(t *testing.T, dataDir string) *harness {
	t.Helper()

	cfg := testEngineConfig(dataDir)

	store, err := storage.Open(dataDir, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	usage := &fakeUsage{value: 100}
	mon := monitor.NewWithSampler(cfg.Resources, usage.sample, nil)
	gov := governor.New(mon, cfg.Scheduler.MaxRegularConcurrent, nil)
	registry := NewRegistry()

	h := &harness{
		engine: New(cfg, queue.New(store, nil), ledger.New(store, nil), gov, mon, registry, nil, nil),
		store:  store,
		usage:  usage,
		calls:  make(map[string]int),
	}

	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()

	require.NoError(t, h.engine.Start(context.Background()))
	t.Cleanup(func() { h.engine.Stop() })
}

func (h *harness) countCall(nodeID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls[nodeID]++
	return h.calls[nodeID]
}

func (h *harness) callCount(nodeID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[nodeID]
}

func (h *harness) registerPassthrough(t *testing.T, class domain.NodeClass) {
	t.Helper()

	err := h.engine.RegisterExecutor(class, executorFunc(func(ctx context.Context, config map[string]interface{}, upstream map[string]xjson.RawMessage) (xjson.RawMessage, error) {
		nodeID, _ := config["node"].(string)
		h.countCall(nodeID)
		return xjson.RawMessage(`{"done":true}`), nil
	}))
	require.NoError(t, err)
}

type executorFunc func(ctx context.Context, config map[string]interface{}, upstream map[string]xjson.RawMessage) (xjson.RawMessage, error)

func (f executorFunc) Execute(ctx context.Context, config map[string]interface{}, upstream map[string]xjson.RawMessage) (xjson.RawMessage, error) {
	return f(ctx, config, upstream)
}

func node(id string, class domain.NodeClass, retries int) domain.NodeSpec {
	return domain.NodeSpec{
		ID:         id,
		Class:      class,
		Config:     map[string]interface{}{"node": id},
		MaxRetries: retries,
	}
}

func diamond(retries int) *domain.WorkflowDefinition {
	return &domain.WorkflowDefinition{
		Nodes: []domain.NodeSpec{
			node("A", domain.NodeClassRegular, retries),
			node("B", domain.NodeClassRegular, retries),
			node("C", domain.NodeClassRegular, retries),
			node("D", domain.NodeClassRegular, retries),
		},
		Edges: []domain.Edge{
			{From: "A", To: "B"},
			{From: "A", To: "C"},
			{From: "B", To: "D"},
			{From: "C", To: "D"},
		},
	}
}

func (h *harness) waitTerminal(t *testing.T, executionID string) *domain.ExecutionInstance {
	t.Helper()

	var exec *domain.ExecutionInstance
	require.Eventually(t, func() bool {
		var err error
		exec, err = h.engine.GetStatus(executionID)
		return err == nil && exec.Status.Terminal()
	}, waitFor, 10*time.Millisecond)

	return exec
}

func TestEngine_SubmitRejectsInvalidWorkflow(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.SubmitWorkflow(&domain.WorkflowDefinition{
		Nodes: []domain.NodeSpec{node("A", domain.NodeClassRegular, 1), node("B", domain.NodeClassRegular, 1)},
		Edges: []domain.Edge{{From: "A", To: "B"}, {From: "B", To: "A"}},
	})

	assert.True(t, domain.IsDefinitionError(err))
}

func TestEngine_StartExecutionUnknownWorkflow(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	_, err := h.engine.StartExecution("ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEngine_DiamondRunsToCompletion(t *testing.T) {
	h := newHarness(t)
	h.registerPassthrough(t, domain.NodeClassRegular)
	h.start(t)

	workflowID, err := h.engine.SubmitWorkflow(diamond(3))
	require.NoError(t, err)

	executionID, err := h.engine.StartExecution(workflowID)
	require.NoError(t, err)

	exec := h.waitTerminal(t, executionID)
	assert.Equal(t, domain.ExecutionStatusCompleted, exec.Status)
	for _, nodeID := range []string{"A", "B", "C", "D"} {
		assert.Equal(t, domain.NodeStateSucceeded, exec.Nodes[nodeID].State, nodeID)
		assert.Equal(t, 1, exec.Nodes[nodeID].Attempts, nodeID)
	}
	require.NotNil(t, exec.CompletedAt)
}

func TestEngine_DiamondRetriesTransientFailure(t *testing.T) {
	h := newHarness(t)

	// B fails twice and succeeds on the third invocation; the retry budget
	// of 3 absorbs both failures.
	err := h.engine.RegisterExecutor(domain.NodeClassRegular, executorFunc(func(ctx context.Context, config map[string]interface{}, upstream map[string]xjson.RawMessage) (xjson.RawMessage, error) {
		nodeID, _ := config["node"].(string)
		call := h.countCall(nodeID)
		if nodeID == "B" && call <= 2 {
			return nil, errors.New("transient failure")
		}
		return xjson.RawMessage(`{"done":true}`), nil
	}))
	require.NoError(t, err)
	h.start(t)

	workflowID, err := h.engine.SubmitWorkflow(diamond(3))
	require.NoError(t, err)
	executionID, err := h.engine.StartExecution(workflowID)
	require.NoError(t, err)

	exec := h.waitTerminal(t, executionID)
	assert.Equal(t, domain.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, domain.NodeStateSucceeded, exec.Nodes["B"].State)
	assert.Equal(t, 3, exec.Nodes["B"].Attempts)
	assert.Equal(t, 1, exec.Nodes["D"].Attempts, "D runs exactly once")
	assert.Equal(t, 3, h.callCount("B"))
}

func TestEngine_ExhaustedRetriesFailExecution(t *testing.T) {
	h := newHarness(t)

	err := h.engine.RegisterExecutor(domain.NodeClassRegular, executorFunc(func(ctx context.Context, config map[string]interface{}, upstream map[string]xjson.RawMessage) (xjson.RawMessage, error) {
		nodeID, _ := config["node"].(string)
		h.countCall(nodeID)
		if nodeID == "B" {
			return nil, errors.New("always failing")
		}
		return xjson.RawMessage(`{}`), nil
	}))
	require.NoError(t, err)
	h.start(t)

	workflowID, err := h.engine.SubmitWorkflow(diamond(2))
	require.NoError(t, err)
	executionID, err := h.engine.StartExecution(workflowID)
	require.NoError(t, err)

	exec := h.waitTerminal(t, executionID)
	assert.Equal(t, domain.ExecutionStatusFailed, exec.Status)
	assert.Equal(t, domain.NodeStateDeadLettered, exec.Nodes["B"].State)
	assert.Equal(t, 2, exec.Nodes["B"].Attempts)
	assert.Contains(t, exec.Error, "B")
	assert.Equal(t, domain.NodeStateSkipped, exec.Nodes["D"].State)

	records, err := h.engine.queue.DeadLetters(0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "B", records[0].NodeID)
	assert.Equal(t, 2, records[0].FinalAttempts)
}

func TestEngine_PermanentErrorBypassesRetry(t *testing.T) {
	h := newHarness(t)

	err := h.engine.RegisterExecutor(domain.NodeClassRegular, executorFunc(func(ctx context.Context, config map[string]interface{}, upstream map[string]xjson.RawMessage) (xjson.RawMessage, error) {
		nodeID, _ := config["node"].(string)
		h.countCall(nodeID)
		if nodeID == "B" {
			return nil, domain.NewPermanentError(errors.New("malformed input"))
		}
		return xjson.RawMessage(`{}`), nil
	}))
	require.NoError(t, err)
	h.start(t)

	workflowID, err := h.engine.SubmitWorkflow(diamond(5))
	require.NoError(t, err)
	executionID, err := h.engine.StartExecution(workflowID)
	require.NoError(t, err)

	exec := h.waitTerminal(t, executionID)
	assert.Equal(t, domain.ExecutionStatusFailed, exec.Status)
	assert.Equal(t, domain.NodeStateDeadLettered, exec.Nodes["B"].State)
	assert.Equal(t, 1, h.callCount("B"), "no retry for permanent errors")
}

func TestEngine_TolerantNodeSkipsDescendantsOnly(t *testing.T) {
	h := newHarness(t)

	err := h.engine.RegisterExecutor(domain.NodeClassRegular, executorFunc(func(ctx context.Context, config map[string]interface{}, upstream map[string]xjson.RawMessage) (xjson.RawMessage, error) {
		nodeID, _ := config["node"].(string)
		h.countCall(nodeID)
		if nodeID == "B" {
			return nil, domain.NewPermanentError(errors.New("optional step broken"))
		}
		return xjson.RawMessage(`{}`), nil
	}))
	require.NoError(t, err)
	h.start(t)

	// B is tolerant; its descendant E is lost but the A->C->D chain
	// completes and so does the execution.
	def := &domain.WorkflowDefinition{
		Nodes: []domain.NodeSpec{
			node("A", domain.NodeClassRegular, 1),
			{ID: "B", Class: domain.NodeClassRegular, Config: map[string]interface{}{"node": "B"}, MaxRetries: 1, Tolerant: true},
			node("C", domain.NodeClassRegular, 1),
			node("D", domain.NodeClassRegular, 1),
			node("E", domain.NodeClassRegular, 1),
		},
		Edges: []domain.Edge{
			{From: "A", To: "B"},
			{From: "A", To: "C"},
			{From: "C", To: "D"},
			{From: "B", To: "E"},
		},
	}

	workflowID, err := h.engine.SubmitWorkflow(def)
	require.NoError(t, err)
	executionID, err := h.engine.StartExecution(workflowID)
	require.NoError(t, err)

	exec := h.waitTerminal(t, executionID)
	assert.Equal(t, domain.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, domain.NodeStateDeadLettered, exec.Nodes["B"].State)
	assert.Equal(t, domain.NodeStateSkipped, exec.Nodes["E"].State)
	assert.Equal(t, domain.NodeStateSucceeded, exec.Nodes["D"].State)
	assert.Zero(t, h.callCount("E"))
}

func TestEngine_UpstreamResultsFlowDownstream(t *testing.T) {
	h := newHarness(t)

	var gotUpstream map[string]xjson.RawMessage
	var upstreamMu sync.Mutex

	err := h.engine.RegisterExecutor(domain.NodeClassRegular, executorFunc(func(ctx context.Context, config map[string]interface{}, upstream map[string]xjson.RawMessage) (xjson.RawMessage, error) {
		nodeID, _ := config["node"].(string)
		if nodeID == "B" {
			upstreamMu.Lock()
			gotUpstream = upstream
			upstreamMu.Unlock()
		}
		return xjson.RawMessage(`{"from":"` + nodeID + `"}`), nil
	}))
	require.NoError(t, err)
	h.start(t)

	workflowID, err := h.engine.SubmitWorkflow(&domain.WorkflowDefinition{
		Nodes: []domain.NodeSpec{
			node("A", domain.NodeClassRegular, 1),
			node("B", domain.NodeClassRegular, 1),
		},
		Edges: []domain.Edge{{From: "A", To: "B"}},
	})
	require.NoError(t, err)
	executionID, err := h.engine.StartExecution(workflowID)
	require.NoError(t, err)

	exec := h.waitTerminal(t, executionID)
	require.Equal(t, domain.ExecutionStatusCompleted, exec.Status)

	upstreamMu.Lock()
	defer upstreamMu.Unlock()
	require.Contains(t, gotUpstream, "A")
	assert.JSONEq(t, `{"from":"A"}`, string(gotUpstream["A"]))
}

func TestEngine_AICeilingAcrossExecutions(t *testing.T) {
	h := newHarness(t)
	h.registerPassthrough(t, domain.NodeClassRegular)

	var aiMu sync.Mutex
	aiActive := 0
	aiPeak := 0

	err := h.engine.RegisterExecutor(domain.NodeClassAI, executorFunc(func(ctx context.Context, config map[string]interface{}, upstream map[string]xjson.RawMessage) (xjson.RawMessage, error) {
		aiMu.Lock()
		aiActive++
		if aiActive > aiPeak {
			aiPeak = aiActive
		}
		aiMu.Unlock()

		time.Sleep(30 * time.Millisecond)

		aiMu.Lock()
		aiActive--
		aiMu.Unlock()
		return xjson.RawMessage(`{}`), nil
	}))
	require.NoError(t, err)
	h.start(t)

	def := &domain.WorkflowDefinition{
		Nodes: []domain.NodeSpec{
			{ID: "ai", Class: domain.NodeClassAI, MaxRetries: 1},
		},
	}
	workflowID, err := h.engine.SubmitWorkflow(def)
	require.NoError(t, err)

	var executionIDs []string
	for i := 0; i < 4; i++ {
		executionID, err := h.engine.StartExecution(workflowID)
		require.NoError(t, err)
		executionIDs = append(executionIDs, executionID)
	}

	for _, executionID := range executionIDs {
		exec := h.waitTerminal(t, executionID)
		assert.Equal(t, domain.ExecutionStatusCompleted, exec.Status)
	}

	aiMu.Lock()
	defer aiMu.Unlock()
	assert.Equal(t, 1, aiPeak, "never more than one AI task in flight")
}

func TestEngine_BackpressureHaltsDispatch(t *testing.T) {
	h := newHarness(t)
	h.registerPassthrough(t, domain.NodeClassRegular)
	h.start(t)

	h.usage.set(500)
	require.Eventually(t, func() bool {
		return h.engine.monitor.Current().Level >= domain.ResourceLevelBackpressure
	}, waitFor, 10*time.Millisecond)

	workflowID, err := h.engine.SubmitWorkflow(&domain.WorkflowDefinition{
		Nodes: []domain.NodeSpec{node("A", domain.NodeClassRegular, 1)},
	})
	require.NoError(t, err)
	executionID, err := h.engine.StartExecution(workflowID)
	require.NoError(t, err)

	// Dispatch is paused; the task stays pending and the node queued.
	time.Sleep(100 * time.Millisecond)
	exec, err := h.engine.GetStatus(executionID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusRunning, exec.Status)
	assert.Equal(t, domain.NodeStateQueued, exec.Nodes["A"].State)
	assert.Zero(t, h.callCount("A"))

	// Pressure clears; after the stepped recovery the task runs.
	h.usage.set(100)
	exec = h.waitTerminal(t, executionID)
	assert.Equal(t, domain.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, 1, h.callCount("A"))
}

func TestEngine_CancelSkipsRemainingNodes(t *testing.T) {
	h := newHarness(t)

	blocker := make(chan struct{})
	err := h.engine.RegisterExecutor(domain.NodeClassRegular, executorFunc(func(ctx context.Context, config map[string]interface{}, upstream map[string]xjson.RawMessage) (xjson.RawMessage, error) {
		nodeID, _ := config["node"].(string)
		h.countCall(nodeID)
		if nodeID == "A" {
			<-blocker
		}
		return xjson.RawMessage(`{}`), nil
	}))
	require.NoError(t, err)
	h.start(t)

	workflowID, err := h.engine.SubmitWorkflow(diamond(1))
	require.NoError(t, err)
	executionID, err := h.engine.StartExecution(workflowID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.callCount("A") == 1
	}, waitFor, 5*time.Millisecond)

	require.NoError(t, h.engine.Cancel(executionID))
	close(blocker)

	exec := h.waitTerminal(t, executionID)
	assert.Equal(t, domain.ExecutionStatusCancelled, exec.Status)
	assert.Equal(t, domain.NodeStateSkipped, exec.Nodes["D"].State)
	assert.Zero(t, h.callCount("D"))

	assert.ErrorIs(t, h.engine.Cancel(executionID), domain.ErrExecutionTerminal)
}

func TestEngine_TimeoutIsRetried(t *testing.T) {
	h := newHarness(t)

	err := h.engine.RegisterExecutor(domain.NodeClassRegular, executorFunc(func(ctx context.Context, config map[string]interface{}, upstream map[string]xjson.RawMessage) (xjson.RawMessage, error) {
		nodeID, _ := config["node"].(string)
		if h.countCall(nodeID) == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return xjson.RawMessage(`{}`), nil
	}))
	require.NoError(t, err)
	h.start(t)

	workflowID, err := h.engine.SubmitWorkflow(&domain.WorkflowDefinition{
		Nodes: []domain.NodeSpec{
			{ID: "A", Class: domain.NodeClassRegular, Config: map[string]interface{}{"node": "A"}, MaxRetries: 3, Timeout: 50 * time.Millisecond},
		},
	})
	require.NoError(t, err)
	executionID, err := h.engine.StartExecution(workflowID)
	require.NoError(t, err)

	exec := h.waitTerminal(t, executionID)
	assert.Equal(t, domain.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, 2, exec.Nodes["A"].Attempts)
	assert.Equal(t, 2, h.callCount("A"))
}

func TestEngine_DeadLetterRetryResumesFailedExecution(t *testing.T) {
	h := newHarness(t)

	var mu sync.Mutex
	broken := true

	err := h.engine.RegisterExecutor(domain.NodeClassRegular, executorFunc(func(ctx context.Context, config map[string]interface{}, upstream map[string]xjson.RawMessage) (xjson.RawMessage, error) {
		nodeID, _ := config["node"].(string)
		h.countCall(nodeID)
		mu.Lock()
		failing := broken
		mu.Unlock()
		if nodeID == "B" && failing {
			return nil, errors.New("downstream unavailable")
		}
		return xjson.RawMessage(`{}`), nil
	}))
	require.NoError(t, err)
	h.start(t)

	workflowID, err := h.engine.SubmitWorkflow(&domain.WorkflowDefinition{
		Nodes: []domain.NodeSpec{
			node("A", domain.NodeClassRegular, 1),
			node("B", domain.NodeClassRegular, 2),
			node("C", domain.NodeClassRegular, 1),
		},
		Edges: []domain.Edge{{From: "A", To: "B"}, {From: "B", To: "C"}},
	})
	require.NoError(t, err)
	executionID, err := h.engine.StartExecution(workflowID)
	require.NoError(t, err)

	exec := h.waitTerminal(t, executionID)
	require.Equal(t, domain.ExecutionStatusFailed, exec.Status)
	require.Equal(t, domain.NodeStateDeadLettered, exec.Nodes["B"].State)
	require.Equal(t, domain.NodeStateSkipped, exec.Nodes["C"].State)

	records, err := h.engine.queue.DeadLetters(0)
	require.NoError(t, err)
	require.Len(t, records, 1)

	// Operator fixes the dependency and revives the node: the execution
	// resumes, B runs again, and the skipped dependent follows.
	mu.Lock()
	broken = false
	mu.Unlock()
	require.NoError(t, h.engine.RetryDeadLetter(records[0].TaskID))

	exec = h.waitTerminal(t, executionID)
	assert.Equal(t, domain.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, domain.NodeStateSucceeded, exec.Nodes["B"].State)
	assert.Equal(t, domain.NodeStateSucceeded, exec.Nodes["C"].State)
	assert.Equal(t, 3, h.callCount("B"))

	size, err := h.engine.queue.DeadLetterSize()
	require.NoError(t, err)
	assert.Zero(t, size)

	assert.True(t, domain.IsNotFound(h.engine.RetryDeadLetter(records[0].TaskID)))
}

func TestEngine_FailedNodeVisibleDuringBackoff(t *testing.T) {
	h := newHarness(t)
	h.engine.cfg.Retry.BaseDelay = 300 * time.Millisecond
	h.engine.cfg.Retry.MaxDelay = time.Second

	err := h.engine.RegisterExecutor(domain.NodeClassRegular, executorFunc(func(ctx context.Context, config map[string]interface{}, upstream map[string]xjson.RawMessage) (xjson.RawMessage, error) {
		nodeID, _ := config["node"].(string)
		if h.countCall(nodeID) == 1 {
			return nil, errors.New("transient failure")
		}
		return xjson.RawMessage(`{}`), nil
	}))
	require.NoError(t, err)
	h.start(t)

	workflowID, err := h.engine.SubmitWorkflow(&domain.WorkflowDefinition{
		Nodes: []domain.NodeSpec{node("A", domain.NodeClassRegular, 3)},
	})
	require.NoError(t, err)
	executionID, err := h.engine.StartExecution(workflowID)
	require.NoError(t, err)

	// Between the first failure and its redelivery the node reports failed.
	require.Eventually(t, func() bool {
		exec, err := h.engine.GetStatus(executionID)
		return err == nil && exec.Nodes["A"].State == domain.NodeStateFailed
	}, waitFor, 5*time.Millisecond)

	exec := h.waitTerminal(t, executionID)
	assert.Equal(t, domain.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, 2, exec.Nodes["A"].Attempts)
}

type countingStore struct {
	ports.StoragePort
	writes atomic.Int64
}

func (c *countingStore) Put(key string, value []byte) error {
	c.writes.Add(1)
	return c.StoragePort.Put(key, value)
}

func (c *countingStore) BatchWrite(ops []ports.WriteOp) error {
	c.writes.Add(1)
	return c.StoragePort.BatchWrite(ops)
}

func TestEngine_RefusedTaskLeavesQueueUntouched(t *testing.T) {
	dataDir := t.TempDir()
	cfg := testEngineConfig(dataDir)

	store, err := storage.Open(dataDir, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	counting := &countingStore{StoragePort: store}
	usage := &fakeUsage{value: 100}
	mon := monitor.NewWithSampler(cfg.Resources, usage.sample, nil)
	gov := governor.New(mon, cfg.Scheduler.MaxRegularConcurrent, nil)
	eng := New(cfg, queue.New(counting, nil), ledger.New(counting, nil), gov, mon, NewRegistry(), nil, nil)

	release := make(chan struct{})
	var once sync.Once
	t.Cleanup(func() { once.Do(func() { close(release) }) })

	started := make(chan struct{}, 2)
	err = eng.RegisterExecutor(domain.NodeClassAI, executorFunc(func(ctx context.Context, config map[string]interface{}, upstream map[string]xjson.RawMessage) (xjson.RawMessage, error) {
		started <- struct{}{}
		<-release
		return xjson.RawMessage(`{}`), nil
	}))
	require.NoError(t, err)

	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() { eng.Stop() })

	workflowID, err := eng.SubmitWorkflow(&domain.WorkflowDefinition{
		Nodes: []domain.NodeSpec{{ID: "ai", Class: domain.NodeClassAI, MaxRetries: 1}},
	})
	require.NoError(t, err)

	first, err := eng.StartExecution(workflowID)
	require.NoError(t, err)
	<-started

	// The AI slot is held; the second task must wait in the queue without
	// being claimed and released over and over.
	second, err := eng.StartExecution(workflowID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		pending, err := eng.queue.Size()
		return err == nil && pending == 1
	}, waitFor, 10*time.Millisecond)

	base := counting.writes.Load()
	time.Sleep(time.Second)
	assert.LessOrEqual(t, counting.writes.Load()-base, int64(2), "pending task sits untouched while refused")

	once.Do(func() { close(release) })

	for _, executionID := range []string{first, second} {
		require.Eventually(t, func() bool {
			exec, err := eng.GetStatus(executionID)
			return err == nil && exec.Status == domain.ExecutionStatusCompleted
		}, waitFor, 10*time.Millisecond)
	}
}

func TestEngine_AITasksRunInEnqueueOrder(t *testing.T) {
	h := newHarness(t)

	release := make(chan struct{})
	var once sync.Once
	t.Cleanup(func() { once.Do(func() { close(release) }) })

	holdStarted := make(chan struct{})

	var orderMu sync.Mutex
	var order []string

	err := h.engine.RegisterExecutor(domain.NodeClassAI, executorFunc(func(ctx context.Context, config map[string]interface{}, upstream map[string]xjson.RawMessage) (xjson.RawMessage, error) {
		nodeID, _ := config["node"].(string)
		if nodeID == "hold" {
			close(holdStarted)
			<-release
			return xjson.RawMessage(`{}`), nil
		}
		orderMu.Lock()
		order = append(order, nodeID)
		orderMu.Unlock()
		return xjson.RawMessage(`{}`), nil
	}))
	require.NoError(t, err)
	h.start(t)

	holdID, err := h.engine.SubmitWorkflow(&domain.WorkflowDefinition{
		Nodes: []domain.NodeSpec{node("hold", domain.NodeClassAI, 1)},
	})
	require.NoError(t, err)
	holdExecution, err := h.engine.StartExecution(holdID)
	require.NoError(t, err)
	<-holdStarted

	// Five AI tasks pile up behind the held slot; they must start in the
	// order they were enqueued.
	var want []string
	var executionIDs []string
	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("ai-%d", i)
		workflowID, err := h.engine.SubmitWorkflow(&domain.WorkflowDefinition{
			Nodes: []domain.NodeSpec{node(name, domain.NodeClassAI, 1)},
		})
		require.NoError(t, err)
		executionID, err := h.engine.StartExecution(workflowID)
		require.NoError(t, err)
		want = append(want, name)
		executionIDs = append(executionIDs, executionID)
	}

	once.Do(func() { close(release) })

	for _, executionID := range append(executionIDs, holdExecution) {
		exec := h.waitTerminal(t, executionID)
		require.Equal(t, domain.ExecutionStatusCompleted, exec.Status)
	}

	orderMu.Lock()
	defer orderMu.Unlock()
	assert.Equal(t, want, order)
}

func TestEngine_RestartResumesExecution(t *testing.T) {
	dataDir := t.TempDir()

	h1 := newHarnessAt(t, dataDir)

	// B blocks until shutdown cancels it, so its claim outlives the first
	// process.
	err := h1.engine.RegisterExecutor(domain.NodeClassRegular, executorFunc(func(ctx context.Context, config map[string]interface{}, upstream map[string]xjson.RawMessage) (xjson.RawMessage, error) {
		nodeID, _ := config["node"].(string)
		h1.countCall(nodeID)
		if nodeID == "B" {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return xjson.RawMessage(`{}`), nil
	}))
	require.NoError(t, err)
	require.NoError(t, h1.engine.Start(context.Background()))

	workflowID, err := h1.engine.SubmitWorkflow(&domain.WorkflowDefinition{
		ID: "wf-restart",
		Nodes: []domain.NodeSpec{
			node("A", domain.NodeClassRegular, 3),
			node("B", domain.NodeClassRegular, 3),
		},
		Edges: []domain.Edge{{From: "A", To: "B"}},
	})
	require.NoError(t, err)
	executionID, err := h1.engine.StartExecution(workflowID)
	require.NoError(t, err)

	// Stop while B is claimed and mid-flight.
	require.Eventually(t, func() bool {
		return h1.callCount("B") >= 1
	}, waitFor, 5*time.Millisecond)

	require.NoError(t, h1.engine.Stop())
	require.NoError(t, h1.store.Close())

	// A fresh process over the same data directory replays the claim and
	// finishes the workflow.
	h2 := newHarnessAt(t, dataDir)
	h2.registerPassthrough(t, domain.NodeClassRegular)
	h2.start(t)

	exec := h2.waitTerminal(t, executionID)
	assert.Equal(t, domain.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, domain.NodeStateSucceeded, exec.Nodes["A"].State)
	assert.Equal(t, domain.NodeStateSucceeded, exec.Nodes["B"].State)
}
