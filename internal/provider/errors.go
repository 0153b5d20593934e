package provider

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
)

// TransportError reports a failure to open or read a model stream.
type TransportError struct {
	Provider   string
	Op         string // "open" or "recv"
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Provider, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying the call may succeed.
func (e *TransportError) Temporary() bool {
	switch {
	case e.StatusCode == 0:
		return !errors.Is(e.Err, errClosed)
	case e.StatusCode == http.StatusTooManyRequests, e.StatusCode == http.StatusRequestTimeout:
		return true
	case e.StatusCode >= 500:
		return true
	default:
		return false
	}
}

var errClosed = errors.New("stream closed")

// wrapError converts an SDK or network error into a *TransportError.
func wrapError(provider, op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	out := &TransportError{Provider: provider, Op: op, Err: err}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		out.StatusCode = apiErr.StatusCode
		if apiErr.Response != nil {
			out.RetryAfter = parseRetryAfter(apiErr.Response.Header.Get("retry-after"))
		}
	}
	return out
}
