package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessage_RoundTripKeepsBlockTypes(t *testing.T) {
	out := "file contents"
	msg := Message{
		Role: RoleAssistant,
		Content: []ContentBlock{
			ThinkingBlock{Text: "look first", Signature: "sig"},
			TextBlock{Text: "Reading the file."},
			ToolUseBlock{CallID: "toolu_1", Name: "read", Arguments: map[string]any{"path": "a.go"}},
			ToolResultBlock{ToolResult{CallID: "toolu_1", Output: &out}},
			ErrorBlock{CallID: "toolu_2", Name: "bash", Kind: ErrorKindParse, Message: "bad", Raw: "{"},
		},
	}

	data, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"tool_use"`)
	assert.Contains(t, string(data), `"type":"thinking"`)

	var decoded Message
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded.Content, 5)
	assert.Equal(t, RoleAssistant, decoded.Role)
	assert.IsType(t, ThinkingBlock{}, decoded.Content[0])
	assert.IsType(t, TextBlock{}, decoded.Content[1])
	assert.IsType(t, ToolUseBlock{}, decoded.Content[2])
	assert.IsType(t, ToolResultBlock{}, decoded.Content[3])
	assert.IsType(t, ErrorBlock{}, decoded.Content[4])
	assert.Equal(t, "file contents", decoded.Content[3].(ToolResultBlock).Text())
}

func TestUnmarshalBlock_UnknownType(t *testing.T) {
	_, err := UnmarshalBlock([]byte(`{"type":"image"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "image")
}

func TestToolUseBlock_NilArgumentsMarshalAsObject(t *testing.T) {
	data, err := json.Marshal(ToolUseBlock{CallID: "c", Name: "ls"})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"input":{}`)
}

func TestMessage_Helpers(t *testing.T) {
	msg := Message{
		Role: RoleAssistant,
		Content: []ContentBlock{
			TextBlock{Text: "a"},
			ToolUseBlock{CallID: "1", Name: "x"},
			TextBlock{Text: "b"},
			ToolUseBlock{CallID: "2", Name: "y"},
		},
	}

	assert.Equal(t, "ab", msg.Text())
	uses := msg.ToolUses()
	require.Len(t, uses, 2)
	assert.Equal(t, "1", uses[0].CallID)
	assert.Equal(t, ToolCallRequest{CallID: "2", Name: "y"}, uses[1].Request())
}

func TestCloneHistory_DoesNotAlias(t *testing.T) {
	history := []Message{NewUserText("hi")}
	cloned := CloneHistory(history)
	cloned[0].Content[0] = TextBlock{Text: "changed"}

	assert.Equal(t, "hi", history[0].Text())
	assert.Equal(t, "changed", cloned[0].Text())
}

func TestToolResult(t *testing.T) {
	ok := OutputResult("c1", "ls", "a\nb")
	assert.False(t, ok.IsError())
	assert.Equal(t, "a\nb", ok.Text())

	failed := ErrorResult("c2", "bash", ErrorKindTimeout, "timed out")
	assert.True(t, failed.IsError())
	assert.Equal(t, ErrorKindTimeout, failed.ErrorKind)
	assert.Equal(t, "timed out", failed.Text())

	assert.Equal(t, "", ToolResult{}.Text())
}

func TestUsage(t *testing.T) {
	u := Usage{InputTokens: 100}
	u = u.Merge(Usage{OutputTokens: 20})
	u = u.Merge(Usage{OutputTokens: 35})
	assert.Equal(t, Usage{InputTokens: 100, OutputTokens: 35}, u)
	assert.Equal(t, 135, u.Total())
}

func TestRateLimitInfo_Reported(t *testing.T) {
	assert.False(t, NoRateLimitInfo().Reported())

	info := NoRateLimitInfo()
	info.OutputRemaining = 0
	assert.True(t, info.Reported())
}
