package session

import (
	"errors"

	"github.com/opencode-ai/agentloop/internal/provider"
	"github.com/opencode-ai/agentloop/internal/ratelimit"
)

var (
	// ErrBusy is returned when Run or Continue is called while a run is in
	// progress.
	ErrBusy = errors.New("session is already running")

	// ErrMaxSteps ends a run that reached its step limit.
	ErrMaxSteps = errors.New("max steps exceeded")

	// ErrNothingToContinue is returned by Continue when the history does
	// not end with a user message.
	ErrNothingToContinue = errors.New("history does not end with a user message")
)

// Recoverable reports whether running the session again later may succeed.
func Recoverable(err error) bool {
	var exhausted *ratelimit.ExhaustedError
	if errors.As(err, &exhausted) {
		return exhausted.Retryable()
	}
	var te *provider.TransportError
	if errors.As(err, &te) {
		return te.Temporary()
	}
	return false
}
