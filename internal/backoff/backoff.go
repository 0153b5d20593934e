// Package backoff provides the single retry delay policy shared by the rate
// limiter, tool retries and transport retries.
package backoff

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy computes exponential delays capped at Cap.
type Policy struct {
	// Base is the delay of attempt 0.
	Base time.Duration `yaml:"base" json:"base"`
	// Multiplier is the growth factor between attempts.
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`
	// Cap bounds every delay. Zero means no cap.
	Cap time.Duration `yaml:"cap" json:"cap"`
	// Jitter randomizes delays handed out by BackOff by +/- this fraction.
	// Delay and Scale never apply jitter.
	Jitter float64 `yaml:"jitter" json:"jitter"`
}

// Default returns the policy used when none is configured.
func Default() Policy {
	return Policy{
		Base:       time.Second,
		Multiplier: 2.0,
		Cap:        60 * time.Second,
	}
}

// Factor returns Multiplier raised to attempt. Attempts below zero count as zero.
func (p Policy) Factor(attempt int) float64 {
	if attempt <= 0 || p.Multiplier <= 1 {
		return 1
	}
	return math.Pow(p.Multiplier, float64(attempt))
}

// Delay returns the delay before retry number attempt (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	return p.Scale(p.Base, attempt)
}

// Scale multiplies d by Factor(attempt) and applies the cap.
func (p Policy) Scale(d time.Duration, attempt int) time.Duration {
	if d <= 0 {
		return 0
	}
	scaled := float64(d) * p.Factor(attempt)
	if p.Cap > 0 && scaled > float64(p.Cap) {
		return p.Cap
	}
	if scaled >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(scaled)
}

// BackOff adapts the policy to the cenkalti/backoff interface.
func (p Policy) BackOff() backoff.BackOff {
	return &policyBackOff{policy: p}
}

type policyBackOff struct {
	policy  Policy
	attempt int
}

func (b *policyBackOff) NextBackOff() time.Duration {
	d := b.policy.Delay(b.attempt)
	b.attempt++
	if j := b.policy.Jitter; j > 0 && d > 0 {
		delta := j * float64(d)
		d = time.Duration(float64(d) - delta + rand.Float64()*2*delta)
	}
	return d
}

func (b *policyBackOff) Reset() {
	b.attempt = 0
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Retry runs op until it succeeds, returns a permanent error, maxRetries
// retries have been spent, or ctx is done. notify, if non-nil, is called
// before each wait.
func Retry(ctx context.Context, p Policy, maxRetries int, op func() error, notify func(err error, wait time.Duration)) error {
	b := backoff.WithContext(backoff.WithMaxRetries(p.BackOff(), uint64(max(maxRetries, 0))), ctx)
	return backoff.RetryNotify(op, b, notify)
}
