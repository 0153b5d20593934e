package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

// ErrRateLimitExhausted is matched by every *ExhaustedError.
var ErrRateLimitExhausted = errors.New("rate limit exhausted")

// ExhaustedError is returned by Reserve when clearance did not arrive within
// the configured number of waits. The caller may retry later.
type ExhaustedError struct {
	Class string
	Waits int
	Delay time.Duration
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("rate limit exhausted after %d waits: %s class needs another %s",
		e.Waits, e.Class, e.Delay.Round(time.Millisecond))
}

func (e *ExhaustedError) Unwrap() error {
	return ErrRateLimitExhausted
}

// Retryable reports that the condition clears with time.
func (e *ExhaustedError) Retryable() bool {
	return true
}
