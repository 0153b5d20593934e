package provider

import (
	"context"
	"fmt"
	"strings"
)

// Config selects and configures a transport.
type Config struct {
	// Provider is one of anthropic, claude, openai, ark or echo.
	Provider       string `yaml:"provider" json:"provider"`
	Model          string `yaml:"model" json:"model"`
	APIKey         string `yaml:"apiKey" json:"apiKey"`
	BaseURL        string `yaml:"baseURL" json:"baseURL"`
	MaxTokens      int    `yaml:"maxTokens" json:"maxTokens"`
	ThinkingBudget int    `yaml:"thinkingBudget" json:"thinkingBudget"`

	UseBedrock bool   `yaml:"useBedrock" json:"useBedrock"`
	Region     string `yaml:"region" json:"region"`
	Profile    string `yaml:"profile" json:"profile"`
	UseAzure   bool   `yaml:"useAzure" json:"useAzure"`
	APIVersion string `yaml:"apiVersion" json:"apiVersion"`
}

// Providers lists the identifiers New accepts.
var Providers = []string{"anthropic", "claude", "openai", "ark", "echo"}

// New creates the transport named by cfg.Provider. A "provider/model"
// string in cfg.Model selects the provider when cfg.Provider is empty.
func New(ctx context.Context, cfg Config) (Transport, error) {
	providerID, modelID := ParseModelString(cfg.Model)
	if cfg.Provider == "" {
		cfg.Provider = providerID
	}
	if providerID == cfg.Provider {
		cfg.Model = modelID
	}
	if cfg.Provider == "" {
		cfg.Provider = "anthropic"
	}

	switch strings.ToLower(cfg.Provider) {
	case "anthropic":
		return NewAnthropic(AnthropicConfig{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
		})
	case "claude", "bedrock":
		return NewClaude(ctx, ClaudeConfig{
			ID:             cfg.Provider,
			APIKey:         cfg.APIKey,
			BaseURL:        cfg.BaseURL,
			Model:          cfg.Model,
			MaxTokens:      cfg.MaxTokens,
			ThinkingBudget: cfg.ThinkingBudget,
			UseBedrock:     cfg.UseBedrock || cfg.Provider == "bedrock",
			Region:         cfg.Region,
			Profile:        cfg.Profile,
		})
	case "openai", "azure":
		return NewOpenAI(ctx, OpenAIConfig{
			ID:         cfg.Provider,
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			MaxTokens:  cfg.MaxTokens,
			UseAzure:   cfg.UseAzure || cfg.Provider == "azure",
			APIVersion: cfg.APIVersion,
		})
	case "ark":
		return NewArk(ctx, ArkConfig{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
		})
	case "echo":
		return Echo{}, nil
	default:
		return nil, fmt.Errorf("provider not found: %s", cfg.Provider)
	}
}

// ParseModelString parses "provider/model" format.
func ParseModelString(s string) (providerID, modelID string) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return "", s
}
