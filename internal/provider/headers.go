package provider

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/opencode-ai/agentloop/pkg/types"
)

// Rate limit response headers.
const (
	headerInputRemaining  = "anthropic-ratelimit-input-tokens-remaining"
	headerInputReset      = "anthropic-ratelimit-input-tokens-reset"
	headerOutputRemaining = "anthropic-ratelimit-output-tokens-remaining"
	headerOutputReset     = "anthropic-ratelimit-output-tokens-reset"
	headerRetryAfter      = "retry-after"
)

// parseRateLimitHeaders extracts header-style rate limit feedback. Absent or
// malformed headers leave the corresponding field unreported.
func parseRateLimitHeaders(h http.Header) types.RateLimitInfo {
	info := types.NoRateLimitInfo()
	if h == nil {
		return info
	}
	if n, err := strconv.Atoi(strings.TrimSpace(h.Get(headerInputRemaining))); err == nil {
		info.InputRemaining = n
	}
	if n, err := strconv.Atoi(strings.TrimSpace(h.Get(headerOutputRemaining))); err == nil {
		info.OutputRemaining = n
	}
	if t, err := time.Parse(time.RFC3339, h.Get(headerInputReset)); err == nil {
		info.InputReset = t
	}
	if t, err := time.Parse(time.RFC3339, h.Get(headerOutputReset)); err == nil {
		info.OutputReset = t
	}
	info.RetryAfter = parseRetryAfter(h.Get(headerRetryAfter))
	return info
}

// parseRetryAfter accepts delay-seconds (fractions allowed) or an HTTP date.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
