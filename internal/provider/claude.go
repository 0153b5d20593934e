package provider

import (
	"context"
	"fmt"
	"os"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino/components/model"
)

// ClaudeConfig configures Claude through eino, including Bedrock access.
// Use NewAnthropic for direct API access with native block indices.
type ClaudeConfig struct {
	ID             string
	APIKey         string
	BaseURL        string
	Model          string
	MaxTokens      int
	ThinkingBudget int

	// Bedrock configuration
	UseBedrock bool
	Region     string
	Profile    string
}

// NewClaude creates an eino-backed Claude transport.
func NewClaude(ctx context.Context, config ClaudeConfig) (*Eino, error) {
	apiKey := config.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" && !config.UseBedrock {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
	}

	modelID := config.Model
	if modelID == "" {
		modelID = DefaultAnthropicModel
	}
	maxTokens := config.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	cfg := &claude.Config{
		APIKey:    apiKey,
		Model:     modelID,
		MaxTokens: maxTokens,
	}
	if config.BaseURL != "" {
		cfg.BaseURL = &config.BaseURL
	}
	if config.UseBedrock {
		cfg.ByBedrock = true
		cfg.Region = config.Region
		cfg.Profile = config.Profile
		cfg.Model = "anthropic." + modelID + "-v1:0"
	}
	if config.ThinkingBudget > 0 {
		cfg.Thinking = &claude.Thinking{
			Enable:       true,
			BudgetTokens: max(config.ThinkingBudget, minThinkingBudget),
		}
	}

	chatModel, err := claude.NewChatModel(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Claude model: %w", err)
	}

	id := config.ID
	if id == "" {
		id = "claude"
	}
	return NewEino(id, chatModel, func(req *Request) []model.Option {
		if req.MaxTokens > 0 {
			return []model.Option{model.WithMaxTokens(req.MaxTokens)}
		}
		return nil
	}), nil
}
