package session

import (
	"encoding/json"

	"github.com/opencode-ai/agentloop/internal/provider"
	"github.com/opencode-ai/agentloop/internal/ratelimit"
	"github.com/opencode-ai/agentloop/pkg/types"
)

const (
	charsPerToken = 4
	// attachmentTokens approximates the cost of one image attachment.
	attachmentTokens = 1600
	// messageOverhead covers role markers and block framing.
	messageOverhead = 4
)

// Estimate approximates the token cost of req before it is sent. Input is
// counted at four characters per token; output is the requested maximum.
func Estimate(req *provider.Request) ratelimit.Estimate {
	chars := len(req.System)
	tokens := 0
	for _, m := range req.Messages {
		tokens += messageOverhead
		for _, b := range m.Content {
			switch b := b.(type) {
			case types.TextBlock:
				chars += len(b.Text)
			case types.ThinkingBlock:
				chars += len(b.Text)
			case types.ToolUseBlock:
				chars += len(b.Name) + jsonLen(b.Arguments)
			case types.ToolResultBlock:
				chars += len(b.Text())
				if b.Attachment != nil {
					tokens += attachmentTokens
				}
			}
		}
	}
	for _, t := range req.Tools {
		chars += len(t.Name) + len(t.Description) + jsonLen(t.Schema)
	}
	tokens += (chars + charsPerToken - 1) / charsPerToken
	return ratelimit.Estimate{InputTokens: tokens, OutputTokens: req.MaxTokens}
}

func jsonLen(v any) int {
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(data)
}
