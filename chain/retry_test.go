package chain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

var retryTestTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// tickingClock returns a test clock that keeps advancing in the background
// so backoff waits resolve, and a stop function.
func tickingClock() (*clock.TestClock, func()) {
	c := clock.NewTestClock(retryTestTime)
	done := make(chan struct{})

	go func() {
		now := retryTestTime
		for {
			select {
			case <-done:
				return
			case <-time.After(time.Millisecond):
				now = now.Add(10 * time.Second)
				c.SetTime(now)
			}
		}
	}()

	return c, func() { close(done) }
}

func TestWithErrorRetrySuccess(t *testing.T) {
	c := clock.NewTestClock(retryTestTime)

	calls := 0
	result, err := WithErrorRetry(
		context.Background(), c, 5, func() (int, error) {
			calls++
			return 42, nil
		},
	)
	require.NoError(t, err)
	require.Equal(t, 42, result)
	require.Equal(t, 1, calls)
}

func TestWithErrorRetryExhaustion(t *testing.T) {
	c := clock.NewTestClock(retryTestTime)
	failure := errors.New("backend down")

	// Zero retries means a single attempt and no backoff wait.
	calls := 0
	_, err := WithErrorRetry(
		context.Background(), c, 0, func() (int, error) {
			calls++
			return 0, failure
		},
	)
	require.ErrorIs(t, err, failure)
	require.Equal(t, 1, calls)
}

func TestWithErrorRetryAttemptCount(t *testing.T) {
	c, stop := tickingClock()
	defer stop()

	failure := errors.New("backend down")

	// A persistent failure makes exactly maxRetries plus one attempts.
	calls := 0
	_, err := WithErrorRetry(
		context.Background(), c, 2, func() (int, error) {
			calls++
			return 0, failure
		},
	)
	require.ErrorIs(t, err, failure)
	require.Equal(t, 3, calls)
}

func TestWithErrorRetryRecovers(t *testing.T) {
	c, stop := tickingClock()
	defer stop()

	calls := 0
	result, err := WithErrorRetry(
		context.Background(), c, 5, func() (string, error) {
			calls++
			if calls < 3 {
				return "", errors.New("not yet")
			}
			return "ok", nil
		},
	)
	require.NoError(t, err)
	require.Equal(t, "ok", result)
	require.Equal(t, 3, calls)
}

func TestWithErrorRetryContextCancel(t *testing.T) {
	c := clock.NewTestClock(retryTestTime)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := WithErrorRetry(ctx, c, 5, func() (int, error) {
		return 0, errors.New("nope")
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestWithEmptyRetry(t *testing.T) {
	c := clock.NewTestClock(retryTestTime)

	// A non-empty result returns without retrying.
	calls := 0
	result, err := WithEmptyRetry(
		context.Background(), c, 5, func() ([]int, error) {
			calls++
			return []int{7}, nil
		},
	)
	require.NoError(t, err)
	require.Equal(t, []int{7}, result)
	require.Equal(t, 1, calls)

	// Errors are returned right away.
	failure := errors.New("backend down")
	_, err = WithEmptyRetry(
		context.Background(), c, 5, func() ([]int, error) {
			return nil, failure
		},
	)
	require.ErrorIs(t, err, failure)
}

func TestWithEmptyRetryEventuallyVisible(t *testing.T) {
	c, stop := tickingClock()
	defer stop()

	// Empty on the first calls, visible on the last allowed attempt.
	calls := 0
	result, err := WithEmptyRetry(
		context.Background(), c, 3, func() ([]int, error) {
			calls++
			if calls < 3 {
				return nil, nil
			}
			return []int{9}, nil
		},
	)
	require.NoError(t, err)
	require.Equal(t, []int{9}, result)
	require.Equal(t, 3, calls)
}

func TestWithEmptyRetryExhaustion(t *testing.T) {
	c, stop := tickingClock()
	defer stop()

	// Persistent emptiness is not an error, the caller treats it as not
	// yet visible.
	calls := 0
	result, err := WithEmptyRetry(
		context.Background(), c, 3, func() ([]int, error) {
			calls++
			return nil, nil
		},
	)
	require.NoError(t, err)
	require.Empty(t, result)
	require.Equal(t, 3, calls)
}
