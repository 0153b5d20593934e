package types

import (
	"encoding/json"
	"fmt"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the conversation history.
// Committed messages are never mutated; the session appends new ones.
type Message struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`
}

// NewUserText creates a user message with a single text block.
func NewUserText(text string) Message {
	return Message{Role: RoleUser, Content: []ContentBlock{TextBlock{Text: text}}}
}

// ToolUses returns the tool-use blocks of the message in order.
func (m Message) ToolUses() []ToolUseBlock {
	var uses []ToolUseBlock
	for _, b := range m.Content {
		if tu, ok := b.(ToolUseBlock); ok {
			uses = append(uses, tu)
		}
	}
	return uses
}

// Text concatenates all text blocks of the message.
func (m Message) Text() string {
	var s string
	for _, b := range m.Content {
		if tb, ok := b.(TextBlock); ok {
			s += tb.Text
		}
	}
	return s
}

// Clone returns a copy of the message with its own content slice.
func (m Message) Clone() Message {
	content := make([]ContentBlock, len(m.Content))
	copy(content, m.Content)
	return Message{Role: m.Role, Content: content}
}

// UnmarshalJSON decodes the tagged content blocks.
func (m *Message) UnmarshalJSON(data []byte) error {
	var aux struct {
		Role    Role              `json:"role"`
		Content []json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	m.Role = aux.Role
	m.Content = make([]ContentBlock, 0, len(aux.Content))
	for i, raw := range aux.Content {
		block, err := UnmarshalBlock(raw)
		if err != nil {
			return fmt.Errorf("content[%d]: %w", i, err)
		}
		m.Content = append(m.Content, block)
	}
	return nil
}

// CloneHistory copies a message slice so callers cannot alias session state.
func CloneHistory(history []Message) []Message {
	out := make([]Message, len(history))
	for i, m := range history {
		out[i] = m.Clone()
	}
	return out
}
