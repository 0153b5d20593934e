package dispatch

import (
	"errors"
	"fmt"

	"github.com/opencode-ai/agentloop/pkg/types"
)

// Sentinel errors matched by *Error through errors.Is.
var (
	ErrUnknownTool = errors.New("unknown tool")
	ErrValidation  = errors.New("validation failed")
	ErrExecution   = errors.New("execution failed")
	ErrTimeout     = errors.New("tool timed out")
)

// Error describes a failed dispatch. Its message is what the model sees.
type Error struct {
	Kind    types.ErrorKind
	CallID  string
	Tool    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error kind.
func (e *Error) Is(target error) bool {
	switch e.Kind {
	case types.ErrorKindUnknownTool:
		return target == ErrUnknownTool
	case types.ErrorKindValidation:
		return target == ErrValidation
	case types.ErrorKindTimeout:
		return target == ErrTimeout
	case types.ErrorKindExecution:
		return target == ErrExecution
	}
	return false
}

// Result renders the error as a tool result.
func (e *Error) Result() types.ToolResult {
	return types.ErrorResult(e.CallID, e.Tool, e.Kind, e.Error())
}
