package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("flaky")

func noSleep() Option {
	return func(c *Config) {
		c.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	}
}

func TestDo_RetriesRetryableUntilSuccess(t *testing.T) {
	calls := 0
	var delays []time.Duration

	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return Retryable(errFlaky)
		}
		return nil
	}, WithMaxAttempts(5), WithJitter(0), noSleep(), WithOnRetry(func(_ int, _ error, d time.Duration) {
		delays = append(delays, d)
	}))

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, delays)
}

func TestDo_ReturnsUnwrappedErrorAfterLastAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		return Retryable(errFlaky)
	}, WithMaxAttempts(2), noSleep())

	assert.Equal(t, 2, calls)
	assert.Same(t, errFlaky, err)
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		return Permanent(errFlaky)
	}, WithMaxAttempts(5), WithRetryIf(func(error) bool { return true }), noSleep())

	assert.Equal(t, 1, calls)
	assert.Same(t, errFlaky, err)
}

func TestDo_UnmarkedErrorIsNotRetriedByDefault(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errFlaky
	}, noSleep())

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, errFlaky)
}

func TestDo_RetryIfPredicate(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errFlaky
	}, WithMaxAttempts(4), WithRetryIf(func(err error) bool { return errors.Is(err, errFlaky) }), noSleep())

	assert.Equal(t, 4, calls)
	assert.ErrorIs(t, err, errFlaky)
}

func TestDo_StopsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, func(ctx context.Context) error {
		calls++
		cancel()
		return Retryable(errFlaky)
	}, WithMaxAttempts(5), noSleep())

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, errFlaky)
}

func TestDelay_CappedAtMax(t *testing.T) {
	r := New(WithInitialDelay(time.Second), WithMaxDelay(3*time.Second), WithJitter(0))
	assert.Equal(t, time.Second, r.delay(1))
	assert.Equal(t, 2*time.Second, r.delay(2))
	assert.Equal(t, 3*time.Second, r.delay(3))
	assert.Equal(t, 3*time.Second, r.delay(10))
}

func TestDoWithData(t *testing.T) {
	calls := 0
	r := New(WithMaxAttempts(3), noSleep())
	v, err := DoWithData(context.Background(), r, func(ctx context.Context) (float64, error) {
		calls++
		if calls == 1 {
			return 0, Retryable(errFlaky)
		}
		return 42.5, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42.5, v)
}
