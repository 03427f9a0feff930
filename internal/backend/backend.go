package backend

import (
	"context"
	"encoding/json"

	"github.com/seantiz/opstrack/internal/model"
)

// Backend performs the work of an operation against a target machine.
type Backend interface {
	// Execute carries out the operation and returns its output. The context
	// carries the step deadline and cancellation.
	Execute(ctx context.Context, spec OperationSpec) (json.RawMessage, error)

	// Capabilities reports what operation kinds this backend supports.
	Capabilities() Capabilities
}

// OperationSpec describes one unit of work handed to a backend.
type OperationSpec struct {
	OperationID string          `json:"operation_id"`
	TargetID    string          `json:"target_id"`
	Kind        model.Kind      `json:"kind"`
	TaskName    string          `json:"task_name"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Capabilities describes what a backend supports.
type Capabilities struct {
	Name           string       `json:"name"`
	Kinds          []model.Kind `json:"kinds"`
	MaxConcurrency int          `json:"max_concurrency"`
}
