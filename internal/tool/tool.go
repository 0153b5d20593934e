// Package tool defines the contract between the dispatcher and the
// capabilities a model may invoke, plus the built-in tools.
package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opencode-ai/agentloop/pkg/types"
)

// Tool defines the interface for all tools.
type Tool interface {
	// Name returns the tool identifier the model calls it by.
	Name() string

	// Description returns the tool description.
	Description() string

	// Parameters returns the JSON Schema for tool parameters.
	Parameters() json.RawMessage

	// Validate checks arguments the schema cannot express, such as
	// cross-field rules or coordinate bounds.
	Validate(args map[string]any) error

	// Run executes the tool. The context carries the dispatcher's deadline.
	Run(ctx context.Context, call Call) (*Result, error)
}

// Canceler is implemented by tools that can abort an in-flight call.
// Cancel is best effort and must not block.
type Canceler interface {
	Cancel(callID string)
}

// Guarded tools enforce a safety policy before Run is reached. A non-nil
// error means the call is refused without executing anything.
type Guarded interface {
	Guard(args map[string]any) error
}

// Defaulter supplies values for missing optional arguments.
type Defaulter interface {
	Defaults() map[string]any
}

// Aliased maps historical argument names onto canonical ones.
type Aliased interface {
	Aliases() map[string]string
}

// Idempotent tools may be retried after an execution error.
type Idempotent interface {
	Idempotent() bool
}

// Call is one invocation handed to Run.
type Call struct {
	ID      string
	Args    map[string]any
	WorkDir string
	// Progress receives intermediate status; fraction is in [0,1].
	Progress func(message string, fraction float64)
}

// Decode converts the arguments into v.
func (c Call) Decode(v any) error {
	data, err := json.Marshal(c.Args)
	if err != nil {
		return fmt.Errorf("invalid input: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid input: %w", err)
	}
	return nil
}

// Report forwards progress if a listener is attached.
func (c Call) Report(message string, fraction float64) {
	if c.Progress == nil {
		return
	}
	c.Progress(message, min(max(fraction, 0), 1))
}

// Result represents the output of a tool execution.
type Result struct {
	Title      string            `json:"title"`
	Output     string            `json:"output"`
	Metadata   map[string]any    `json:"metadata,omitempty"`
	Attachment *types.Attachment `json:"attachment,omitempty"`
}

// BaseTool provides a function-backed tool.
type BaseTool struct {
	name        string
	description string
	parameters  json.RawMessage
	run         func(ctx context.Context, call Call) (*Result, error)
}

// NewBaseTool creates a new base tool.
func NewBaseTool(name, description string, params json.RawMessage, run func(context.Context, Call) (*Result, error)) *BaseTool {
	return &BaseTool{
		name:        name,
		description: description,
		parameters:  params,
		run:         run,
	}
}

func (t *BaseTool) Name() string                  { return t.name }
func (t *BaseTool) Description() string           { return t.description }
func (t *BaseTool) Parameters() json.RawMessage   { return t.parameters }
func (t *BaseTool) Validate(map[string]any) error { return nil }

func (t *BaseTool) Run(ctx context.Context, call Call) (*Result, error) {
	return t.run(ctx, call)
}

// Schema decodes a tool's parameters into a generic map.
func Schema(t Tool) (map[string]any, error) {
	var schema map[string]any
	if err := json.Unmarshal(t.Parameters(), &schema); err != nil {
		return nil, fmt.Errorf("invalid parameters schema for %s: %w", t.Name(), err)
	}
	return schema, nil
}
