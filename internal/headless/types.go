package headless

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/opencode-ai/agentloop/internal/backoff"
	"github.com/opencode-ai/agentloop/pkg/types"
)

// OutputFormat defines the output format for headless mode.
type OutputFormat string

const (
	// OutputText is human-readable streaming text output.
	OutputText OutputFormat = "text"
	// OutputJSON is final JSON result summary.
	OutputJSON OutputFormat = "json"
	// OutputJSONL is streaming JSONL events.
	OutputJSONL OutputFormat = "jsonl"
)

// ParseFormat parses an output format name.
func ParseFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(strings.ToLower(s)); f {
	case OutputText, OutputJSON, OutputJSONL:
		return f, nil
	default:
		return "", fmt.Errorf("invalid output format: %s (must be text, json, or jsonl)", s)
	}
}

// ExitCode defines exit codes for headless mode.
type ExitCode int

const (
	// ExitSuccess indicates successful completion.
	ExitSuccess ExitCode = 0
	// ExitError indicates a general/unknown error.
	ExitError ExitCode = 1
	// ExitTimeout indicates timeout exceeded.
	ExitTimeout ExitCode = 2
	// ExitMaxSteps indicates the run reached its step limit.
	ExitMaxSteps ExitCode = 3
	// ExitProviderError indicates model/provider error (transport, rate limit).
	ExitProviderError ExitCode = 4
	// ExitInvalidInput indicates bad prompt or missing required flags.
	ExitInvalidInput ExitCode = 5
)

// Config holds configuration for headless mode execution.
type Config struct {
	// Prompt is the instruction to execute.
	Prompt string
	// ReadStdin appends Stdin to the prompt.
	ReadStdin bool
	Stdin     io.Reader
	// Files are attached to the prompt as context.
	Files []string
	// OutputFormat specifies the output format (text, json, jsonl).
	OutputFormat OutputFormat
	// Timeout is the maximum execution time.
	Timeout time.Duration
	// Quiet suppresses progress output, only shows result.
	Quiet bool
	// Verbose shows all events.
	Verbose bool
	// Retries is the number of times a run that failed with a recoverable
	// error is continued.
	Retries     int
	RetryPolicy backoff.Policy
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		OutputFormat: OutputText,
		Timeout:      30 * time.Minute,
		Retries:      3,
		RetryPolicy:  backoff.Default(),
	}
}

// ToolCall represents a tool call in the result.
type ToolCall struct {
	Tool       string          `json:"tool"`
	CallID     string          `json:"call_id"`
	Input      any             `json:"input,omitempty"`
	Output     string          `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	ErrorKind  types.ErrorKind `json:"error_kind,omitempty"`
	DurationMS int64           `json:"duration_ms"`
}

// Result holds the final result of a headless execution.
type Result struct {
	SessionID    string      `json:"session_id"`
	Status       string      `json:"status"` // "success", "error", "timeout", "cancelled"
	Model        string      `json:"model"`
	DurationMS   int64       `json:"duration_ms"`
	Tokens       types.Usage `json:"tokens"`
	Steps        int         `json:"steps"`
	Attempts     int         `json:"attempts"`
	ToolCalls    []ToolCall  `json:"tool_calls,omitempty"`
	FinalMessage string      `json:"final_message,omitempty"`
	Error        string      `json:"error,omitempty"`
	ExitCode     ExitCode    `json:"exit_code"`
}
