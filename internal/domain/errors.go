package domain

import (
	"errors"
	"fmt"
	"strings"
)

type DefinitionErrorKind int

const (
	DefinitionErrCycle DefinitionErrorKind = iota
	DefinitionErrDanglingEdge
	DefinitionErrDuplicateNode
	DefinitionErrEmpty
	DefinitionErrInvalidNode
)

// DefinitionError rejects a workflow definition at compile time. Nothing is
// ever enqueued for a definition that fails compilation.
type DefinitionError struct {
	Kind    DefinitionErrorKind
	NodeID  string
	Path    []string
	Message string
}

func (e *DefinitionError) Error() string {
	return e.Message
}

func NewCycleError(path []string) *DefinitionError {
	return &DefinitionError{
		Kind:    DefinitionErrCycle,
		NodeID:  path[0],
		Path:    path,
		Message: "cycle detected: " + strings.Join(path, " -> "),
	}
}

func NewDanglingEdgeError(from, to string) *DefinitionError {
	return &DefinitionError{
		Kind:    DefinitionErrDanglingEdge,
		NodeID:  to,
		Message: fmt.Sprintf("edge %s -> %s references unknown node", from, to),
	}
}

func NewDuplicateNodeError(nodeID string) *DefinitionError {
	return &DefinitionError{
		Kind:    DefinitionErrDuplicateNode,
		NodeID:  nodeID,
		Message: "duplicate node id: " + nodeID,
	}
}

func NewInvalidNodeError(nodeID, reason string) *DefinitionError {
	return &DefinitionError{
		Kind:    DefinitionErrInvalidNode,
		NodeID:  nodeID,
		Message: fmt.Sprintf("invalid node %s: %s", nodeID, reason),
	}
}

func IsDefinitionError(err error) bool {
	var defErr *DefinitionError
	return errors.As(err, &defErr)
}

type StorageErrorType int

const (
	ErrKeyNotFound StorageErrorType = iota
	ErrConflict
	ErrCorrupted
	ErrClosed
)

type StorageError struct {
	Type    StorageErrorType
	Key     string
	Message string
}

func (e *StorageError) Error() string {
	return e.Message
}

func NewKeyNotFoundError(key string) *StorageError {
	return &StorageError{
		Type:    ErrKeyNotFound,
		Key:     key,
		Message: "key not found: " + key,
	}
}

func NewClosedError(component string) *StorageError {
	return &StorageError{
		Type:    ErrClosed,
		Message: component + " is closed",
	}
}

func IsStorageError(err error) bool {
	var storageErr *StorageError
	return errors.As(err, &storageErr)
}

// PermanentError marks an execution failure that must not be retried; the
// task goes straight to the dead-letter store.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// NewPermanentError wraps err so the retry handler routes it directly to
// dead-letter. External executors return this for malformed input and other
// failures where another attempt cannot succeed.
func NewPermanentError(err error) *PermanentError {
	return &PermanentError{Err: err}
}

func IsPermanent(err error) bool {
	var permErr *PermanentError
	return errors.As(err, &permErr)
}

var (
	ErrAlreadyStarted    = errors.New("already started")
	ErrNotStarted        = errors.New("not started")
	ErrShutdown          = errors.New("shutting down")
	ErrNotFound          = errors.New("not found")
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrExecutionTimeout  = errors.New("node execution timed out")
	ErrResourceExhausted = errors.New("resource capacity exhausted")
	ErrExecutionTerminal = errors.New("execution already terminal")
)

func IsNotFound(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var storageErr *StorageError
	return errors.As(err, &storageErr) && storageErr.Type == ErrKeyNotFound
}

// IsResourceExhausted reports admission refusals. These never fail a task;
// they only delay it.
func IsResourceExhausted(err error) bool {
	return errors.Is(err, ErrResourceExhausted)
}
