package types

import (
	"encoding/json"
	"fmt"
)

// BlockType is the JSON discriminator of a content block.
type BlockType string

const (
	BlockTypeText       BlockType = "text"
	BlockTypeThinking   BlockType = "thinking"
	BlockTypeToolUse    BlockType = "tool_use"
	BlockTypeToolResult BlockType = "tool_result"
	BlockTypeError      BlockType = "error"
)

// ContentBlock is one typed unit of a message.
// The set of implementations is closed: TextBlock, ThinkingBlock,
// ToolUseBlock, ToolResultBlock and ErrorBlock.
type ContentBlock interface {
	BlockType() BlockType
}

// TextBlock holds visible model or user text.
type TextBlock struct {
	Text      string `json:"text"`
	Truncated bool   `json:"truncated,omitempty"`
}

func (TextBlock) BlockType() BlockType { return BlockTypeText }

func (b TextBlock) MarshalJSON() ([]byte, error) {
	type alias TextBlock
	return json.Marshal(struct {
		Type BlockType `json:"type"`
		alias
	}{BlockTypeText, alias(b)})
}

// ThinkingBlock holds internal reasoning emitted by the model.
type ThinkingBlock struct {
	Text      string `json:"thinking"`
	Signature string `json:"signature,omitempty"`
	// Redacted holds encrypted reasoning that must be replayed verbatim.
	Redacted  string `json:"redacted,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

func (ThinkingBlock) BlockType() BlockType { return BlockTypeThinking }

func (b ThinkingBlock) MarshalJSON() ([]byte, error) {
	type alias ThinkingBlock
	return json.Marshal(struct {
		Type BlockType `json:"type"`
		alias
	}{BlockTypeThinking, alias(b)})
}

// ToolUseBlock is a fully parsed tool invocation.
type ToolUseBlock struct {
	CallID    string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"input"`
}

func (ToolUseBlock) BlockType() BlockType { return BlockTypeToolUse }

func (b ToolUseBlock) MarshalJSON() ([]byte, error) {
	type alias ToolUseBlock
	if b.Arguments == nil {
		b.Arguments = map[string]any{}
	}
	return json.Marshal(struct {
		Type BlockType `json:"type"`
		alias
	}{BlockTypeToolUse, alias(b)})
}

// Request converts the block into a dispatcher request.
func (b ToolUseBlock) Request() ToolCallRequest {
	return ToolCallRequest{CallID: b.CallID, Name: b.Name, Arguments: b.Arguments}
}

// ToolResultBlock carries a tool result back to the model.
type ToolResultBlock struct {
	ToolResult
}

func (ToolResultBlock) BlockType() BlockType { return BlockTypeToolResult }

func (b ToolResultBlock) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type BlockType `json:"type"`
		ToolResult
	}{BlockTypeToolResult, b.ToolResult})
}

// ErrorKind classifies failures recorded in the conversation.
type ErrorKind string

const (
	ErrorKindParse       ErrorKind = "parse"
	ErrorKindValidation  ErrorKind = "validation"
	ErrorKindExecution   ErrorKind = "execution"
	ErrorKindTimeout     ErrorKind = "timeout"
	ErrorKindUnknownTool ErrorKind = "unknown_tool"
	ErrorKindTruncated   ErrorKind = "truncated"
)

// ErrorBlock stands in for content that could not be materialized,
// such as a tool call whose arguments never parsed.
type ErrorBlock struct {
	CallID    string    `json:"id,omitempty"`
	Name      string    `json:"name,omitempty"`
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Raw       string    `json:"raw,omitempty"`
	Truncated bool      `json:"truncated,omitempty"`
}

func (ErrorBlock) BlockType() BlockType { return BlockTypeError }

func (b ErrorBlock) MarshalJSON() ([]byte, error) {
	type alias ErrorBlock
	return json.Marshal(struct {
		Type BlockType `json:"type"`
		alias
	}{BlockTypeError, alias(b)})
}

// UnmarshalBlock decodes a single tagged content block.
func UnmarshalBlock(data []byte) (ContentBlock, error) {
	var head struct {
		Type BlockType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}

	switch head.Type {
	case BlockTypeText:
		var b TextBlock
		err := json.Unmarshal(data, &b)
		return b, err
	case BlockTypeThinking:
		var b ThinkingBlock
		err := json.Unmarshal(data, &b)
		return b, err
	case BlockTypeToolUse:
		var b ToolUseBlock
		err := json.Unmarshal(data, &b)
		return b, err
	case BlockTypeToolResult:
		var b ToolResultBlock
		err := json.Unmarshal(data, &b.ToolResult)
		return b, err
	case BlockTypeError:
		var b ErrorBlock
		err := json.Unmarshal(data, &b)
		return b, err
	default:
		return nil, fmt.Errorf("unknown content block type: %q", head.Type)
	}
}
