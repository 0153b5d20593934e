// Package provider adapts model endpoints into sequential streams of
// block-level events.
package provider

import (
	"context"

	"github.com/opencode-ai/agentloop/pkg/types"
)

// Transport opens one streaming model call.
type Transport interface {
	// ID returns the provider identifier.
	ID() string

	// Open starts a streaming completion. Failures are *TransportError.
	Open(ctx context.Context, req *Request) (Stream, error)
}

// Stream is an open, sequential source of events.
type Stream interface {
	// Recv returns the next event, io.EOF after the last one, or a
	// *TransportError when the connection fails.
	Recv() (types.StreamEvent, error)

	// Close releases the connection. It is safe to call more than once and
	// concurrently with Recv.
	Close() error

	// Metadata reports usage and rate limit feedback seen so far.
	Metadata() Metadata
}

// Metadata is provider response information consumed by the rate limiter.
type Metadata struct {
	Usage      types.Usage
	RateLimit  types.RateLimitInfo
	StopReason string
}

// Request is one model call.
type Request struct {
	Model     string          `json:"model"`
	System    string          `json:"system,omitempty"`
	Messages  []types.Message `json:"messages"`
	Tools     []ToolSpec      `json:"tools,omitempty"`
	MaxTokens int             `json:"maxTokens,omitempty"`
	// ThinkingBudget enables extended thinking when positive.
	ThinkingBudget int `json:"thinkingBudget,omitempty"`
}

// ToolSpec declares a tool to the model.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"schema"` // JSON Schema object
}

// LastUserText returns the text of the most recent user message.
func (r *Request) LastUserText() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == types.RoleUser {
			if text := r.Messages[i].Text(); text != "" {
				return text
			}
		}
	}
	return ""
}
