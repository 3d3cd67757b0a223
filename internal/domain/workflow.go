package domain

import (
	"time"
)

type NodeClass string

const (
	NodeClassRegular NodeClass = "regular"
	NodeClassAI      NodeClass = "ai"
)

func (c NodeClass) Valid() bool {
	return c == NodeClassRegular || c == NodeClassAI
}

// NodeSpec describes a single node inside a workflow definition. It is
// immutable after compilation; the scheduler only ever reads it.
type NodeSpec struct {
	ID         string                 `json:"id"`
	Class      NodeClass              `json:"class"`
	Config     map[string]interface{} `json:"config,omitempty"`
	MaxRetries int                    `json:"max_retries"`
	Timeout    time.Duration          `json:"timeout"`
	Priority   int                    `json:"priority,omitempty"`

	// Tolerant marks the node as non-blocking: exhausting its retry budget
	// dead-letters the task but does not fail the owning execution.
	Tolerant bool `json:"tolerant,omitempty"`
}

type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type WorkflowDefinition struct {
	ID        string     `json:"id"`
	Version   string     `json:"version"`
	Nodes     []NodeSpec `json:"nodes"`
	Edges     []Edge     `json:"edges"`
	CreatedAt time.Time  `json:"created_at"`
}

func (d *WorkflowDefinition) ToBytes() ([]byte, error) {
	return marshal(d)
}

func WorkflowDefinitionFromBytes(data []byte) (*WorkflowDefinition, error) {
	var def WorkflowDefinition
	err := unmarshal(data, &def)
	return &def, err
}

func WorkflowKey(workflowID string) string {
	return "workflow:" + workflowID
}
