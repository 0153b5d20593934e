package provider

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseRateLimitHeaders(t *testing.T) {
	h := http.Header{}
	h.Set(headerInputRemaining, "500")
	h.Set(headerOutputRemaining, "garbage")
	h.Set(headerOutputReset, "2030-01-01T00:00:30Z")
	h.Set(headerRetryAfter, "1.5")

	info := parseRateLimitHeaders(h)
	assert.Equal(t, 500, info.InputRemaining)
	assert.Equal(t, -1, info.OutputRemaining)
	assert.True(t, info.InputReset.IsZero())
	assert.Equal(t, time.Date(2030, 1, 1, 0, 0, 30, 0, time.UTC), info.OutputReset)
	assert.Equal(t, 1500*time.Millisecond, info.RetryAfter)
	assert.True(t, info.Reported())

	assert.False(t, parseRateLimitHeaders(nil).Reported())
	assert.False(t, parseRateLimitHeaders(http.Header{}).Reported())
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-3"))
	assert.Equal(t, 30*time.Second, parseRetryAfter(" 30 "))

	future := time.Now().Add(time.Hour).UTC().Format(http.TimeFormat)
	assert.InDelta(t, float64(time.Hour), float64(parseRetryAfter(future)), float64(5*time.Second))

	past := time.Now().Add(-time.Hour).UTC().Format(http.TimeFormat)
	assert.Equal(t, time.Duration(0), parseRetryAfter(past))
}

func TestTransportError(t *testing.T) {
	tests := []struct {
		name      string
		err       *TransportError
		temporary bool
	}{
		{"network", &TransportError{Err: errors.New("reset")}, true},
		{"closed", &TransportError{Err: errClosed}, false},
		{"throttled", &TransportError{StatusCode: http.StatusTooManyRequests}, true},
		{"server", &TransportError{StatusCode: http.StatusBadGateway}, true},
		{"bad request", &TransportError{StatusCode: http.StatusBadRequest}, false},
		{"unauthorized", &TransportError{StatusCode: http.StatusUnauthorized}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.temporary, tt.err.Temporary())
		})
	}

	err := wrapError("p", "recv", context.Canceled)
	var te *TransportError
	assert.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "p recv: context canceled", err.Error())
	assert.Same(t, err, wrapError("q", "open", err))
	assert.Nil(t, wrapError("p", "open", nil))

	withStatus := &TransportError{Provider: "p", Op: "open", StatusCode: 500, Err: errors.New("x")}
	assert.Equal(t, "p open: status 500: x", withStatus.Error())
}
