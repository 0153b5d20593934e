package types

import "time"

// Usage contains token counts reported by the provider for one response.
type Usage struct {
	InputTokens  int `json:"input"`
	OutputTokens int `json:"output"`
}

// Total returns input plus output tokens.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// Merge overlays the non-zero counts of other onto u.
func (u Usage) Merge(other Usage) Usage {
	if other.InputTokens > 0 {
		u.InputTokens = other.InputTokens
	}
	if other.OutputTokens > 0 {
		u.OutputTokens = other.OutputTokens
	}
	return u
}

// RateLimitInfo carries header-style rate limit feedback.
// Negative remaining counts and zero times mean "not reported".
type RateLimitInfo struct {
	InputRemaining  int           `json:"inputRemaining"`
	OutputRemaining int           `json:"outputRemaining"`
	InputReset      time.Time     `json:"inputReset,omitempty"`
	OutputReset     time.Time     `json:"outputReset,omitempty"`
	RetryAfter      time.Duration `json:"retryAfter,omitempty"`
}

// NoRateLimitInfo returns an info value with nothing reported.
func NoRateLimitInfo() RateLimitInfo {
	return RateLimitInfo{InputRemaining: -1, OutputRemaining: -1}
}

// Reported reports whether any field carries information.
func (r RateLimitInfo) Reported() bool {
	return r.InputRemaining >= 0 || r.OutputRemaining >= 0 ||
		!r.InputReset.IsZero() || !r.OutputReset.IsZero() || r.RetryAfter > 0
}
