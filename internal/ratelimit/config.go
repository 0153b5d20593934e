package ratelimit

import (
	"fmt"
	"time"

	"github.com/opencode-ai/agentloop/internal/backoff"
)

// Config configures a Limiter. A zero limit disables its class.
type Config struct {
	Window            time.Duration  `yaml:"window"`
	InputLimit        int            `yaml:"inputLimit"`
	OutputLimit       int            `yaml:"outputLimit"`
	CombinedLimit     int            `yaml:"combinedLimit"`
	RequestsPerMinute int            `yaml:"requestsPerMinute"`
	SafetyFraction    float64        `yaml:"safetyFraction"`
	SafetyBuffer      time.Duration  `yaml:"safetyBuffer"`
	MaxRetries        int            `yaml:"maxRetries"`
	Backoff           backoff.Policy `yaml:"backoff"`
}

// DefaultConfig returns a configuration with every class disabled.
func DefaultConfig() Config {
	return Config{
		Window:         60 * time.Second,
		SafetyFraction: 0.9,
		SafetyBuffer:   time.Second,
		MaxRetries:     6,
		Backoff:        backoff.Default(),
	}
}

// withDefaults fills unset fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.SafetyFraction == 0 {
		c.SafetyFraction = d.SafetyFraction
	}
	if c.SafetyBuffer == 0 {
		c.SafetyBuffer = d.SafetyBuffer
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.Backoff == (backoff.Policy{}) {
		c.Backoff = d.Backoff
	}
	return c
}

// Validate reports configuration values outside their accepted range.
func (c Config) Validate() error {
	if c.SafetyFraction < 0 || c.SafetyFraction > 1 {
		return fmt.Errorf("ratelimit: safety fraction %v outside (0,1]", c.SafetyFraction)
	}
	if c.InputLimit < 0 || c.OutputLimit < 0 || c.CombinedLimit < 0 || c.RequestsPerMinute < 0 {
		return fmt.Errorf("ratelimit: limits must not be negative")
	}
	if c.SafetyBuffer < 0 {
		return fmt.Errorf("ratelimit: safety buffer must not be negative")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("ratelimit: max retries must not be negative")
	}
	return nil
}
