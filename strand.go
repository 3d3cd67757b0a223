// Package strand provides a memory-budgeted workflow scheduler for Go
// applications.
//
// Strand executes directed acyclic graphs of tasks on a single process
// with a bounded memory footprint. Workflows are validated up front,
// their nodes flow through a durable write-ahead task queue, and a
// resource monitor throttles dispatch as heap pressure rises. It
// provides:
//   - DAG validation with cycle reporting before anything runs
//   - A crash-safe task queue with at-least-once delivery
//   - Adaptive concurrency driven by live memory sampling
//   - Retry with exponential backoff and a dead-letter store
//   - A durable execution ledger queryable at any time
//
// Basic usage:
//
//	manager, err := strand.New(strand.DefaultConfig("./data", logger))
//	manager.RegisterExecutor(strand.NodeClassRegular, myExecutor)
//	manager.Start(context.Background())
//
//	workflowID, _ := manager.SubmitWorkflow(&strand.WorkflowDefinition{
//	    Nodes: []strand.NodeSpec{{ID: "extract", Class: strand.NodeClassRegular}},
//	})
//	executionID, _ := manager.StartExecution(workflowID)
package strand

import (
	"log/slog"

	"github.com/eleven-am/strand/internal/domain"
	"github.com/eleven-am/strand/internal/ports"
)

// WorkflowDefinition is a named DAG of node specs and edges. Submit one
// via Manager.SubmitWorkflow; it is validated before it is stored.
type WorkflowDefinition = domain.WorkflowDefinition

// NodeSpec describes a single node inside a workflow definition.
type NodeSpec = domain.NodeSpec

// Edge is a dependency from one node to another.
type Edge = domain.Edge

// NodeClass partitions nodes into admission classes.
type NodeClass = domain.NodeClass

const (
	// NodeClassRegular nodes share the scaled concurrency pool.
	NodeClassRegular = domain.NodeClassRegular

	// NodeClassAI nodes run strictly one at a time, process-wide.
	NodeClassAI = domain.NodeClassAI
)

// ExecutionInstance is the durable record of one workflow run.
type ExecutionInstance = domain.ExecutionInstance

// ExecutionStatus is the lifecycle state of an execution.
type ExecutionStatus = domain.ExecutionStatus

const (
	ExecutionStatusPending   = domain.ExecutionStatusPending
	ExecutionStatusRunning   = domain.ExecutionStatusRunning
	ExecutionStatusCompleted = domain.ExecutionStatusCompleted
	ExecutionStatusFailed    = domain.ExecutionStatusFailed
	ExecutionStatusCancelled = domain.ExecutionStatusCancelled
)

// NodeState is the lifecycle state of one node within an execution.
type NodeState = domain.NodeState

const (
	NodeStateNotReady     = domain.NodeStateNotReady
	NodeStateReady        = domain.NodeStateReady
	NodeStateQueued       = domain.NodeStateQueued
	NodeStateRunning      = domain.NodeStateRunning
	NodeStateSucceeded    = domain.NodeStateSucceeded
	NodeStateFailed       = domain.NodeStateFailed
	NodeStateDeadLettered = domain.NodeStateDeadLettered
	NodeStateSkipped      = domain.NodeStateSkipped
)

// NodeStatus is the per-node record inside an ExecutionInstance.
type NodeStatus = domain.NodeStatus

// ResourceState is the monitor's latest classified memory reading.
type ResourceState = domain.ResourceState

// ResourceLevel is the memory pressure classification.
type ResourceLevel = domain.ResourceLevel

const (
	ResourceLevelNormal       = domain.ResourceLevelNormal
	ResourceLevelWarning      = domain.ResourceLevelWarning
	ResourceLevelBackpressure = domain.ResourceLevelBackpressure
	ResourceLevelProtection   = domain.ResourceLevelProtection
)

// Executor is the contract node implementations fulfil.
type Executor = ports.Executor

// ExecutorFunc adapts a plain function to the Executor interface.
type ExecutorFunc = ports.ExecutorFunc

// DeadLetterRecord preserves the failure context of an exhausted task.
type DeadLetterRecord = domain.DeadLetterRecord

// QueueStats is a point-in-time count of the queue's three keyspaces.
type QueueStats = ports.QueueStats

// Config carries every tunable. Start from DefaultConfig.
type Config = domain.Config

// DefinitionError is returned by SubmitWorkflow for structurally invalid
// workflows; its Kind and Path pinpoint the problem.
type DefinitionError = domain.DefinitionError

// NewPermanentError marks an executor failure as non-retryable, sending
// the task straight to the dead-letter store.
var NewPermanentError = domain.NewPermanentError

// IsPermanent reports whether an error carries the permanent marker.
var IsPermanent = domain.IsPermanent

var (
	// ErrNotFound is returned when a workflow, execution or task id does
	// not resolve.
	ErrNotFound = domain.ErrNotFound

	// ErrResourceExhausted is returned when admission is refused under
	// memory pressure.
	ErrResourceExhausted = domain.ErrResourceExhausted

	// ErrExecutionTerminal is returned when cancelling an execution that
	// already finished.
	ErrExecutionTerminal = domain.ErrExecutionTerminal

	// ErrExecutionTimeout wraps errors from node invocations that exceed
	// their deadline.
	ErrExecutionTimeout = domain.ErrExecutionTimeout

	// ErrInvalidConfig is returned by New for configurations that fail
	// validation.
	ErrInvalidConfig = domain.ErrInvalidConfig
)

// DefaultConfig returns the standard configuration rooted at dataDir.
func DefaultConfig(dataDir string, logger *slog.Logger) *Config {
	cfg := domain.DefaultConfig()
	cfg.DataDir = dataDir
	cfg.Logger = logger
	return cfg
}

// ConfigFromEnv builds a configuration from defaults overlaid with
// STRAND_* environment variables.
var ConfigFromEnv = domain.ConfigFromEnv
