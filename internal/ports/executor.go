package ports

import (
	"context"

	"github.com/eleven-am/strand/internal/domain"
	"github.com/eleven-am/strand/internal/xjson"
)

// Executor is the contract external collaborators (OCR, LLM, file-IO nodes)
// implement. Delivery is at-least-once, so Execute must tolerate being
// invoked more than once for the same task.
//
// Returning an error wrapped with domain.NewPermanentError bypasses retry
// and dead-letters the task directly; any other error is treated as
// transient and retried with backoff.
type Executor interface {
	Execute(ctx context.Context, config map[string]interface{}, upstream map[string]xjson.RawMessage) (xjson.RawMessage, error)
}

type ExecutorFunc func(ctx context.Context, config map[string]interface{}, upstream map[string]xjson.RawMessage) (xjson.RawMessage, error)

func (f ExecutorFunc) Execute(ctx context.Context, config map[string]interface{}, upstream map[string]xjson.RawMessage) (xjson.RawMessage, error) {
	return f(ctx, config, upstream)
}

// ExecutorRegistry maps the closed set of node classes to executors.
type ExecutorRegistry interface {
	Register(class domain.NodeClass, executor Executor) error
	Get(class domain.NodeClass) (Executor, error)
}
