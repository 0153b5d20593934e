// Package ratelimit throttles outgoing model requests against provider token
// rate limits using a sliding usage window.
//
// A single Limiter is shared by every session in the process and passed to
// each by reference. Reserve only ever delays; it fails with
// ErrRateLimitExhausted after MaxRetries consecutive waits.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/opencode-ai/agentloop/internal/logging"
	"github.com/opencode-ai/agentloop/internal/metrics"
	"github.com/opencode-ai/agentloop/pkg/types"
)

// Limiting classes.
const (
	ClassInput    = "input"
	ClassOutput   = "output"
	ClassCombined = "combined"
	ClassRequests = "requests"
	ClassObserved = "observed"
)

// Estimate is the expected token cost of one request.
type Estimate struct {
	InputTokens  int
	OutputTokens int
}

// Priority marks latency-sensitive reservations.
type Priority int

const (
	PriorityNormal Priority = iota
	// PriorityHigh halves window-derived delays.
	PriorityHigh
)

// Limiter is a sliding-window token limiter. It is safe for concurrent use.
type Limiter struct {
	cfg Config

	mu       sync.Mutex
	window   window
	requests *rate.Limiter
	observed types.RateLimitInfo
	seenAt   time.Time

	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithSleep replaces the context-aware sleep used between checks.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Limiter) { l.sleep = sleep }
}

// WithMetrics records throttling in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(l *Limiter) { l.log = log }
}

// New creates a limiter. Unset config fields take their defaults.
func New(cfg Config, opts ...Option) *Limiter {
	cfg = cfg.withDefaults()
	l := &Limiter{
		cfg:      cfg,
		window:   window{size: cfg.Window},
		observed: types.NoRateLimitInfo(),
		now:      time.Now,
		sleep:    sleepContext,
		log:      logging.Component("ratelimit"),
	}
	for _, opt := range opts {
		opt(l)
	}
	if cfg.RequestsPerMinute > 0 {
		perSecond := rate.Limit(float64(cfg.RequestsPerMinute) / 60.0)
		l.requests = rate.NewLimiter(perSecond, cfg.RequestsPerMinute)
	}
	return l
}

// Config returns the effective configuration.
func (l *Limiter) Config() Config {
	return l.cfg
}

// Reserve blocks until a request with the given estimate may proceed.
// It returns a wrapped ctx error on cancellation and an *ExhaustedError when
// more than MaxRetries waits would be needed.
func (l *Limiter) Reserve(ctx context.Context, est Estimate, prio Priority) error {
	waits := 0
	for {
		l.mu.Lock()
		now := l.now()
		d, class := l.delayLocked(now, est, prio, waits)
		if d <= 0 {
			if l.requests != nil {
				l.requests.AllowN(now, 1)
			}
			l.mu.Unlock()
			return nil
		}
		if waits >= l.cfg.MaxRetries {
			l.mu.Unlock()
			l.metrics.Exhausted()
			l.log.Warn().
				Str("class", class).
				Int("waits", waits).
				Dur("delay", d).
				Msg("Rate limit exhausted")
			return &ExhaustedError{Class: class, Waits: waits, Delay: d}
		}
		waits++
		l.mu.Unlock()

		l.metrics.Throttled(class, d)
		l.log.Info().
			Str("class", class).
			Int("wait", waits).
			Dur("delay", d).
			Msg("Rate limited, waiting")

		if err := l.sleep(ctx, d); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}
}

// Delay computes the wait a fresh reservation made at now would need. It
// depends only on recorded history, observed feedback and now; the only
// mutation is pruning expired entries.
func (l *Limiter) Delay(now time.Time, est Estimate, prio Priority) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, _ := l.delayLocked(now, est, prio, 0)
	return d
}

// Wait is Delay evaluated on the limiter's clock.
func (l *Limiter) Wait(est Estimate, prio Priority) time.Duration {
	return l.Delay(l.now(), est, prio)
}

// delayLocked scales window delays by the waits the caller's reservation
// has already made.
func (l *Limiter) delayLocked(now time.Time, est Estimate, prio Priority, waits int) (time.Duration, string) {
	l.window.prune(now)
	in, out := l.window.sums()

	var (
		longest time.Duration
		class   string
	)
	consider := func(name string, limit, used int, count func(entry) int) {
		if limit <= 0 {
			return
		}
		threshold := float64(limit) * l.cfg.SafetyFraction
		if float64(used) <= threshold {
			return
		}
		oldest, ok := l.window.oldest(count)
		if !ok {
			// Only the estimate exceeds the threshold; waiting cannot help.
			return
		}
		d := oldest.Add(l.cfg.Window).Sub(now) + l.cfg.SafetyBuffer
		if d > longest {
			longest, class = d, name
		}
	}
	consider(ClassInput, l.cfg.InputLimit, in+est.InputTokens,
		func(e entry) int { return e.input })
	consider(ClassOutput, l.cfg.OutputLimit, out+est.OutputTokens,
		func(e entry) int { return e.output })
	consider(ClassCombined, l.cfg.CombinedLimit, in+out+est.InputTokens+est.OutputTokens,
		func(e entry) int { return e.input + e.output })

	if l.requests != nil {
		if tokens := l.requests.TokensAt(now); tokens < 1 {
			perSecond := float64(l.requests.Limit())
			d := time.Duration((1 - tokens) / perSecond * float64(time.Second))
			if d > longest {
				longest, class = d, ClassRequests
			}
		}
	}

	if longest > 0 {
		longest = l.cfg.Backoff.Scale(longest, waits)
		if prio == PriorityHigh {
			longest /= 2
		}
	}

	if d := l.observedDelay(now, est); d > longest {
		longest, class = d, ClassObserved
	}
	return longest, class
}

// observedDelay honours the latest provider feedback. Reset instants in the
// past no longer apply.
func (l *Limiter) observedDelay(now time.Time, est Estimate) time.Duration {
	info := l.observed
	var until time.Time
	if info.RetryAfter > 0 {
		until = l.seenAt.Add(info.RetryAfter)
	}
	if info.InputRemaining >= 0 && info.InputRemaining < est.InputTokens && info.InputReset.After(until) {
		until = info.InputReset
	}
	if info.OutputRemaining >= 0 && info.OutputRemaining < est.OutputTokens && info.OutputReset.After(until) {
		until = info.OutputReset
	}
	if d := until.Sub(now); !until.IsZero() && d > 0 {
		return d
	}
	return 0
}

// Record appends actual usage to the window.
func (l *Limiter) Record(usage types.Usage) {
	if usage.InputTokens <= 0 && usage.OutputTokens <= 0 {
		return
	}
	l.mu.Lock()
	now := l.now()
	l.window.prune(now)
	l.window.add(entry{at: now, input: usage.InputTokens, output: usage.OutputTokens})
	l.mu.Unlock()

	l.metrics.TokensUsed(usage.InputTokens, usage.OutputTokens)
}

// Observe stores header-style feedback from the latest response, replacing
// any earlier feedback.
func (l *Limiter) Observe(info types.RateLimitInfo) {
	if !info.Reported() {
		return
	}
	l.mu.Lock()
	l.observed = info
	l.seenAt = l.now()
	l.mu.Unlock()

	l.log.Debug().
		Int("inputRemaining", info.InputRemaining).
		Int("outputRemaining", info.OutputRemaining).
		Dur("retryAfter", info.RetryAfter).
		Msg("Observed rate limit feedback")
}

// Usage returns the token sums currently inside the window.
func (l *Limiter) Usage() types.Usage {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.window.prune(l.now())
	in, out := l.window.sums()
	return types.Usage{InputTokens: in, OutputTokens: out}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
