package backoff

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicy_Delay(t *testing.T) {
	p := Policy{Base: 100 * time.Millisecond, Multiplier: 2, Cap: time.Second}

	assert.Equal(t, 100*time.Millisecond, p.Delay(0))
	assert.Equal(t, 200*time.Millisecond, p.Delay(1))
	assert.Equal(t, 800*time.Millisecond, p.Delay(3))
	assert.Equal(t, time.Second, p.Delay(4))
	assert.Equal(t, time.Second, p.Delay(1000))
	assert.Equal(t, 100*time.Millisecond, p.Delay(-1))
}

func TestPolicy_ScaleWithoutCap(t *testing.T) {
	p := Policy{Base: time.Second, Multiplier: 3}

	assert.Equal(t, 9*time.Second, p.Scale(time.Second, 2))
	assert.Equal(t, time.Duration(0), p.Scale(0, 5))
	assert.Equal(t, time.Duration(math.MaxInt64), p.Scale(time.Hour, 10000))
}

func TestPolicy_FactorFlatMultiplier(t *testing.T) {
	p := Policy{Base: time.Second, Multiplier: 1}
	assert.Equal(t, 1.0, p.Factor(10))
	assert.Equal(t, time.Second, p.Delay(10))
}

func TestPolicy_BackOffResets(t *testing.T) {
	b := Policy{Base: 10 * time.Millisecond, Multiplier: 2}.BackOff()

	assert.Equal(t, 10*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 20*time.Millisecond, b.NextBackOff())
	b.Reset()
	assert.Equal(t, 10*time.Millisecond, b.NextBackOff())
}

func TestPolicy_BackOffJitterStaysInRange(t *testing.T) {
	b := Policy{Base: 100 * time.Millisecond, Multiplier: 1, Jitter: 0.5}.BackOff()
	for i := 0; i < 50; i++ {
		d := b.NextBackOff()
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}

func TestRetry(t *testing.T) {
	p := Policy{Base: time.Millisecond, Multiplier: 1}

	t.Run("succeeds after failures", func(t *testing.T) {
		calls := 0
		var waits []time.Duration
		err := Retry(context.Background(), p, 5, func() error {
			calls++
			if calls < 3 {
				return errors.New("flaky")
			}
			return nil
		}, func(_ error, wait time.Duration) { waits = append(waits, wait) })

		require.NoError(t, err)
		assert.Equal(t, 3, calls)
		assert.Len(t, waits, 2)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), p, 2, func() error {
			calls++
			return errors.New("always")
		}, nil)

		require.EqualError(t, err, "always")
		assert.Equal(t, 3, calls)
	})

	t.Run("permanent stops immediately", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), p, 5, func() error {
			calls++
			return Permanent(errors.New("fatal"))
		}, nil)

		require.EqualError(t, err, "fatal")
		assert.Equal(t, 1, calls)
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := Retry(ctx, Policy{Base: time.Hour}, 5, func() error {
			return errors.New("flaky")
		}, nil)
		require.Error(t, err)
	})
}
