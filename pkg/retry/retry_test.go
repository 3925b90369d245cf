package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		Multiplier:  2.0,
		MaxDelay:    5 * time.Millisecond,
	}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), nil, func(context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustionCarriesCauseAndAttempts(t *testing.T) {
	err := Do(context.Background(), fastPolicy(3), nil, func(context.Context) error {
		return errTransient
	})
	require.Error(t, err)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.ErrorIs(t, err, errTransient)
}

func TestDo_NonRetryablePropagatesImmediately(t *testing.T) {
	permanent := errors.New("unauthorized")
	calls := 0
	err := Do(context.Background(), fastPolicy(5), func(err error) bool {
		return errors.Is(err, errTransient)
	}, func(context.Context) error {
		calls++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls, "non-retryable errors must not be retried")
}

func TestDo_ContextCancellationStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	policy := Policy{MaxAttempts: 10, BaseDelay: 50 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second}
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, policy, nil, func(context.Context) error {
		calls++
		return errTransient
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, calls, 10)
}

func TestPolicy_DelaysNonDecreasingAndBounded(t *testing.T) {
	p := Policy{MaxAttempts: 8, BaseDelay: time.Second, Multiplier: 2, MaxDelay: 10 * time.Second}
	prev := time.Duration(0)
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		d := p.Delay(attempt)
		assert.GreaterOrEqual(t, d, prev, "delay sequence must be non-decreasing")
		assert.LessOrEqual(t, d, p.MaxDelay)
		prev = d
	}
	assert.Equal(t, 10*time.Second, p.Delay(8), "delay must cap at MaxDelay")
}

func TestPolicy_JitterStaysWithinSymmetricBounds(t *testing.T) {
	p := Policy{MaxAttempts: 2, BaseDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second, Jitter: true}
	for i := 0; i < 100; i++ {
		d := p.Delay(2)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}

func TestRetrier_CountsAttempts(t *testing.T) {
	r := New(fastPolicy(3), nil)
	_ = r.Do(context.Background(), func(context.Context) error { return errTransient })
	require.NoError(t, r.Do(context.Background(), func(context.Context) error { return nil }))

	snap := r.Stats()
	assert.Equal(t, int64(4), snap.TotalAttempts)
	assert.Equal(t, int64(1), snap.Successes)
	assert.Equal(t, int64(1), snap.Failures)
}
