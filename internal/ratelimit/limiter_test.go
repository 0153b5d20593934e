package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/agentloop/internal/backoff"
	"github.com/opencode-ai/agentloop/internal/metrics"
	"github.com/opencode-ai/agentloop/pkg/types"
)

var t0 = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
	// advance moves the clock forward on sleep.
	advance bool
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	if c.advance {
		c.now = c.now.Add(d)
	}
	return nil
}

func newTestLimiter(cfg Config, clock *fakeClock, opts ...Option) *Limiter {
	opts = append([]Option{WithClock(clock.Now), WithSleep(clock.Sleep)}, opts...)
	return New(cfg, opts...)
}

func TestLimiter_SlidingWindowScenario(t *testing.T) {
	clock := &fakeClock{now: t0}
	l := newTestLimiter(Config{InputLimit: 100, Window: 60 * time.Second, SafetyFraction: 0.8}, clock)

	l.Record(types.Usage{InputTokens: 85})

	clock.Set(t0.Add(time.Second))
	d := l.Delay(clock.Now(), Estimate{InputTokens: 10}, PriorityNormal)
	assert.Greater(t, d, time.Duration(0))
	// oldest(0) + window(60) - now(1) + safety buffer(1)
	assert.Equal(t, 60*time.Second, d)

	clock.Set(t0.Add(61 * time.Second))
	assert.Equal(t, time.Duration(0), l.Delay(clock.Now(), Estimate{InputTokens: 10}, PriorityNormal))
	require.NoError(t, l.Reserve(context.Background(), Estimate{InputTokens: 10}, PriorityNormal))
	assert.Empty(t, clock.sleeps)
	assert.Equal(t, types.Usage{}, l.Usage())
}

func TestLimiter_BoundaryEntryRetained(t *testing.T) {
	clock := &fakeClock{now: t0}
	l := newTestLimiter(Config{InputLimit: 100}, clock)
	l.Record(types.Usage{InputTokens: 50})

	clock.Set(t0.Add(60 * time.Second))
	assert.Equal(t, 50, l.Usage().InputTokens)

	clock.Set(t0.Add(60*time.Second + time.Nanosecond))
	assert.Equal(t, 0, l.Usage().InputTokens)
}

func TestLimiter_ReserveWaitsThenProceeds(t *testing.T) {
	clock := &fakeClock{now: t0, advance: true}
	l := newTestLimiter(Config{InputLimit: 100, SafetyFraction: 0.8}, clock)

	l.Record(types.Usage{InputTokens: 85})
	clock.Set(t0.Add(time.Second))

	require.NoError(t, l.Reserve(context.Background(), Estimate{InputTokens: 10}, PriorityNormal))
	assert.Equal(t, []time.Duration{60 * time.Second}, clock.sleeps)
}

func TestLimiter_ExhaustedAfterMaxRetries(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	clock := &fakeClock{now: t0}
	l := newTestLimiter(Config{
		InputLimit:     100,
		SafetyFraction: 0.8,
		MaxRetries:     2,
		Backoff:        backoff.Policy{Base: time.Second, Multiplier: 2, Cap: 10 * time.Minute},
	}, clock, WithMetrics(m))

	l.Record(types.Usage{InputTokens: 90})
	clock.Set(t0.Add(time.Second))

	err := l.Reserve(context.Background(), Estimate{InputTokens: 10}, PriorityNormal)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRateLimitExhausted))

	var exhausted *ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, ClassInput, exhausted.Class)
	assert.Equal(t, 2, exhausted.Waits)
	assert.Equal(t, 240*time.Second, exhausted.Delay)
	assert.True(t, exhausted.Retryable())

	// Consecutive throttles scale the window delay.
	assert.Equal(t, []time.Duration{60 * time.Second, 120 * time.Second}, clock.sleeps)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ThrottleCounter.WithLabelValues(ClassInput)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExhaustedCounter))
}

func TestLimiter_PriorityHalvesDelay(t *testing.T) {
	clock := &fakeClock{now: t0}
	l := newTestLimiter(Config{InputLimit: 100}, clock)
	l.Record(types.Usage{InputTokens: 95})
	clock.Set(t0.Add(time.Second))

	normal := l.Delay(clock.Now(), Estimate{InputTokens: 1}, PriorityNormal)
	high := l.Delay(clock.Now(), Estimate{InputTokens: 1}, PriorityHigh)
	assert.Equal(t, normal/2, high)
}

func TestLimiter_LongestClassWins(t *testing.T) {
	clock := &fakeClock{now: t0}
	l := newTestLimiter(Config{InputLimit: 100, OutputLimit: 100, SafetyFraction: 0.8}, clock)

	l.Record(types.Usage{InputTokens: 90})
	clock.Set(t0.Add(30 * time.Second))
	l.Record(types.Usage{OutputTokens: 90})
	clock.Set(t0.Add(31 * time.Second))

	l.mu.Lock()
	d, class := l.delayLocked(clock.Now(), Estimate{InputTokens: 1, OutputTokens: 1}, PriorityNormal, 0)
	l.mu.Unlock()

	// input would clear at 61s, output at 91s
	assert.Equal(t, ClassOutput, class)
	assert.Equal(t, 60*time.Second, d)
}

func TestLimiter_CombinedClass(t *testing.T) {
	clock := &fakeClock{now: t0}
	l := newTestLimiter(Config{CombinedLimit: 100, InputLimit: 1000, OutputLimit: 1000}, clock)

	l.Record(types.Usage{InputTokens: 50, OutputTokens: 40})
	clock.Set(t0.Add(10 * time.Second))

	l.mu.Lock()
	d, class := l.delayLocked(clock.Now(), Estimate{InputTokens: 5, OutputTokens: 5}, PriorityNormal, 0)
	l.mu.Unlock()

	assert.Equal(t, ClassCombined, class)
	assert.Equal(t, 51*time.Second, d)
}

func TestLimiter_EstimateAloneNeverBlocks(t *testing.T) {
	clock := &fakeClock{now: t0}
	l := newTestLimiter(Config{InputLimit: 100}, clock)

	assert.Equal(t, time.Duration(0), l.Delay(clock.Now(), Estimate{InputTokens: 5000}, PriorityNormal))
}

func TestLimiter_Observe(t *testing.T) {
	t.Run("retry after", func(t *testing.T) {
		clock := &fakeClock{now: t0}
		l := newTestLimiter(Config{}, clock)

		info := types.NoRateLimitInfo()
		info.RetryAfter = 5 * time.Second
		l.Observe(info)

		assert.Equal(t, 5*time.Second, l.Delay(clock.Now(), Estimate{}, PriorityNormal))
		// Provider waits are not halved.
		assert.Equal(t, 5*time.Second, l.Delay(clock.Now(), Estimate{}, PriorityHigh))

		clock.Set(t0.Add(6 * time.Second))
		assert.Equal(t, time.Duration(0), l.Delay(clock.Now(), Estimate{}, PriorityNormal))
	})

	t.Run("remaining below estimate", func(t *testing.T) {
		clock := &fakeClock{now: t0}
		l := newTestLimiter(Config{}, clock)

		info := types.NoRateLimitInfo()
		info.InputRemaining = 5
		info.InputReset = t0.Add(10 * time.Second)
		l.Observe(info)

		assert.Equal(t, 10*time.Second, l.Delay(clock.Now(), Estimate{InputTokens: 10}, PriorityNormal))
		assert.Equal(t, time.Duration(0), l.Delay(clock.Now(), Estimate{InputTokens: 4}, PriorityNormal))

		clock.Set(t0.Add(11 * time.Second))
		assert.Equal(t, time.Duration(0), l.Delay(clock.Now(), Estimate{InputTokens: 10}, PriorityNormal))
	})

	t.Run("unreported info is ignored", func(t *testing.T) {
		clock := &fakeClock{now: t0}
		l := newTestLimiter(Config{}, clock)

		info := types.NoRateLimitInfo()
		info.RetryAfter = time.Minute
		l.Observe(info)
		l.Observe(types.NoRateLimitInfo())

		assert.Equal(t, time.Minute, l.Delay(clock.Now(), Estimate{}, PriorityNormal))
	})
}

func TestLimiter_RequestsPerMinute(t *testing.T) {
	clock := &fakeClock{now: t0}
	l := newTestLimiter(Config{RequestsPerMinute: 2}, clock)

	require.NoError(t, l.Reserve(context.Background(), Estimate{}, PriorityNormal))
	require.NoError(t, l.Reserve(context.Background(), Estimate{}, PriorityNormal))
	assert.Empty(t, clock.sleeps)

	d := l.Delay(clock.Now(), Estimate{}, PriorityNormal)
	assert.InDelta(t, float64(30*time.Second), float64(d), float64(time.Millisecond))

	// Delay must not consume.
	assert.InDelta(t, float64(d), float64(l.Delay(clock.Now(), Estimate{}, PriorityNormal)), float64(time.Millisecond))
}

func TestLimiter_BackoffIsPerReservation(t *testing.T) {
	clock := &fakeClock{now: t0}
	l := newTestLimiter(Config{
		InputLimit:     100,
		SafetyFraction: 0.8,
		MaxRetries:     1,
		Backoff:        backoff.Policy{Base: time.Second, Multiplier: 2, Cap: 10 * time.Minute},
	}, clock)

	l.Record(types.Usage{InputTokens: 90})
	clock.Set(t0.Add(time.Second))

	var exhausted *ExhaustedError
	err := l.Reserve(context.Background(), Estimate{InputTokens: 10}, PriorityNormal)
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 120*time.Second, exhausted.Delay)

	// A failed reservation leaves nothing behind for the next one.
	assert.Equal(t, 60*time.Second, l.Wait(Estimate{InputTokens: 10}, PriorityNormal))
	err = l.Reserve(context.Background(), Estimate{InputTokens: 10}, PriorityNormal)
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, []time.Duration{60 * time.Second, 60 * time.Second}, clock.sleeps)
}

func TestLimiter_ReserveCancelled(t *testing.T) {
	l := New(Config{InputLimit: 10})
	l.Record(types.Usage{InputTokens: 100})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := l.Reserve(ctx, Estimate{InputTokens: 1}, PriorityNormal)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, errors.Is(err, ErrRateLimitExhausted))
}

func TestLimiter_ConcurrentRecord(t *testing.T) {
	l := New(Config{InputLimit: 1_000_000})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Record(types.Usage{InputTokens: 2, OutputTokens: 1})
			_ = l.Delay(time.Now(), Estimate{InputTokens: 1}, PriorityNormal)
		}()
	}
	wg.Wait()

	assert.Equal(t, types.Usage{InputTokens: 100, OutputTokens: 50}, l.Usage())
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{SafetyFraction: 1.5}.Validate())
	assert.Error(t, Config{InputLimit: -1}.Validate())
	assert.Error(t, Config{MaxRetries: -1}.Validate())
	assert.Error(t, Config{SafetyBuffer: -time.Second}.Validate())
}

// TestDelayIsPureProperty checks that repeated delay computations with no
// intervening Record depend only on history and the query time.
func TestDelayIsPureProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	build := func(offsets, tokens []int) (*Limiter, *fakeClock) {
		clock := &fakeClock{now: t0}
		l := newTestLimiter(Config{InputLimit: 500, OutputLimit: 300, CombinedLimit: 700}, clock)
		at := t0
		for i, off := range offsets {
			at = at.Add(time.Duration(off) * time.Second)
			clock.Set(at)
			n := tokens[i%len(tokens)]
			l.Record(types.Usage{InputTokens: n, OutputTokens: n / 2})
		}
		return l, clock
	}

	properties.Property("delay is deterministic for identical inputs", prop.ForAll(
		func(offsets, tokens []int, query, estimate int) bool {
			if len(tokens) == 0 {
				tokens = []int{1}
			}
			a, clockA := build(offsets, tokens)
			b, _ := build(offsets, tokens)

			now := clockA.Now().Add(time.Duration(query) * time.Second)
			est := Estimate{InputTokens: estimate, OutputTokens: estimate}

			first := a.Delay(now, est, PriorityNormal)
			for i := 0; i < 3; i++ {
				if a.Delay(now, est, PriorityNormal) != first {
					return false
				}
			}
			return b.Delay(now, est, PriorityNormal) == first
		},
		gen.SliceOfN(10, gen.IntRange(0, 30)),
		gen.SliceOf(gen.IntRange(1, 200)),
		gen.IntRange(0, 90),
		gen.IntRange(0, 100),
	))

	properties.TestingRun(t)
}

func TestLimiter_WaitUsesClock(t *testing.T) {
	clock := &fakeClock{now: t0}
	l := newTestLimiter(Config{InputLimit: 100, SafetyFraction: 0.8}, clock)
	l.Record(types.Usage{InputTokens: 85})

	clock.Set(t0.Add(time.Second))
	assert.Equal(t, 60*time.Second, l.Wait(Estimate{InputTokens: 10}, PriorityNormal))

	clock.Set(t0.Add(61 * time.Second))
	assert.Zero(t, l.Wait(Estimate{InputTokens: 10}, PriorityNormal))
}
