package chain

import (
	"context"
	"time"

	"github.com/lightningnetwork/lnd/clock"
)

const (
	// errRetryBackoff is the base backoff of WithErrorRetry. The n-th
	// retry waits n times this value.
	errRetryBackoff = time.Second

	// emptyRetryBackoff is the fixed backoff between WithEmptyRetry
	// attempts, kept short so a freshly broadcast tx is detected as soon
	// as possible.
	emptyRetryBackoff = time.Second
)

// WithErrorRetry runs op and retries it on error with linearly increasing
// backoff, up to maxRetries retries. After exhaustion the last error is
// returned.
func WithErrorRetry[T any](ctx context.Context, c clock.Clock,
	maxRetries int, op func() (T, error)) (T, error) {

	var (
		result T
		err    error
	)

	for attempt := 0; ; attempt++ {
		result, err = op()
		if err == nil {
			return result, nil
		}

		if attempt >= maxRetries {
			return result, err
		}

		backoff := time.Duration(attempt+1) * errRetryBackoff
		log.Debugf("Operation failed, retrying in %v (%d of %d): %v",
			backoff, attempt+1, maxRetries, err)

		select {
		case <-c.TickAfter(backoff):
		case <-ctx.Done():
			return result, ctx.Err()
		}
	}
}

// WithEmptyRetry runs op and retries it while it succeeds with an empty
// result, with a fixed backoff, up to maxRetries retries. After exhaustion
// the empty result is returned without error: callers must treat it as "not
// yet visible", not as "does not exist".
func WithEmptyRetry[T any](ctx context.Context, c clock.Clock,
	maxRetries int, op func() ([]T, error)) ([]T, error) {

	var (
		result []T
		err    error
	)

	for attempt := 0; attempt < maxRetries; attempt++ {
		result, err = op()
		if err != nil {
			return nil, err
		}

		if len(result) > 0 {
			return result, nil
		}

		log.Debugf("Empty result, retrying in %v (%d of %d)",
			emptyRetryBackoff, attempt+1, maxRetries)

		select {
		case <-c.TickAfter(emptyRetryBackoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return result, nil
}
