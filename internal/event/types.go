package event

import (
	"encoding/json"
	"time"

	"github.com/opencode-ai/agentloop/pkg/types"
)

// Type identifies an event.
type Type string

const (
	SessionStarted   Type = "session.started"
	SessionState     Type = "session.state"
	SessionError     Type = "session.error"
	SessionDone      Type = "session.done"
	TextDelta        Type = "text.delta"
	ThinkingDelta    Type = "thinking.delta"
	MessageCommitted Type = "message.committed"
	ToolStarted      Type = "tool.started"
	ToolProgress     Type = "tool.progress"
	ToolCompleted    Type = "tool.completed"
	RateLimitWait    Type = "ratelimit.wait"
)

// Event is one lifecycle notification.
type Event struct {
	Type      Type      `json:"type"`
	SessionID string    `json:"sessionID,omitempty"`
	Time      time.Time `json:"time"`
	Data      any       `json:"data,omitempty"`
}

// Raw is an event read back from the stream with its data still encoded.
type Raw struct {
	Type      Type            `json:"type"`
	SessionID string          `json:"sessionID,omitempty"`
	Time      time.Time       `json:"time"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// StartedData is the data for session.started events.
type StartedData struct {
	Model string   `json:"model"`
	Tools []string `json:"tools"`
}

// StateData is the data for session.state events.
type StateData struct {
	From string `json:"from"`
	To   string `json:"to"`
	Step int    `json:"step"`
}

// ErrorData is the data for session.error events.
type ErrorData struct {
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// DoneData is the data for session.done events.
type DoneData struct {
	Steps      int         `json:"steps"`
	StopReason string      `json:"stopReason,omitempty"`
	Usage      types.Usage `json:"usage"`
	Failed     bool        `json:"failed,omitempty"`
}

// DeltaData is the data for text.delta and thinking.delta events.
type DeltaData struct {
	Index int    `json:"index"`
	Delta string `json:"delta"`
}

// MessageData is the data for message.committed events.
type MessageData struct {
	Message types.Message `json:"message"`
}

// ToolStartedData is the data for tool.started events.
type ToolStartedData struct {
	CallID    string         `json:"callID"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolProgressData is the data for tool.progress events.
type ToolProgressData struct {
	CallID   string  `json:"callID"`
	Message  string  `json:"message"`
	Fraction float64 `json:"fraction"`
}

// ToolCompletedData is the data for tool.completed events.
type ToolCompletedData struct {
	Result   types.ToolResult `json:"result"`
	Duration time.Duration    `json:"duration"`
}

// RateLimitWaitData is the data for ratelimit.wait events.
type RateLimitWaitData struct {
	EstimatedTokens int `json:"estimatedTokens"`
}
