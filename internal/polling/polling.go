package polling

import (
	"context"
	"time"

	"fastnear.io/wallet-adapter/pkg/errors"
)

// Visibility reports whether the host surface is currently visible to the
// user. Browser embeddings map this to the page visibility API; servers and
// tests can leave it nil (always visible).
type Visibility interface {
	Hidden() bool
}

type Options struct {
	Delay                           time.Duration
	MaxIterations                   int
	RequestTimeout                  time.Duration // overall wall-clock budget
	BackgroundVisibilityCheckPeriod time.Duration
	BackgroundVisibilityTimeout     time.Duration
	RequestCallTimeout              time.Duration // per-call budget
	Visibility                      Visibility
}

func DefaultOptions() Options {
	return Options{
		Delay:                           time.Second,
		MaxIterations:                   1000,
		RequestTimeout:                  10 * time.Minute,
		BackgroundVisibilityCheckPeriod: time.Second,
		BackgroundVisibilityTimeout:     10 * time.Minute,
		RequestCallTimeout:              30 * time.Second,
	}
}

const (
	delayGrowthNumerator   = 115
	delayGrowthDenominator = 100
	maxDelay               = 5 * time.Second
)

// Await repeatedly calls fetch until isPending reports false, sleeping an
// increasing delay between calls. It never outlives three independent
// budgets: the per-call timeout, the iteration cap, and the overall wall
// clock. While the host surface is hidden the loop blocks instead of racing
// a stale attempt in a backgrounded tab.
func Await[T any](ctx context.Context, fetch func(ctx context.Context) (T, error), isPending func(T) bool, opts Options) (T, error) {
	var zero T
	start := time.Now()
	delay := opts.Delay
	iteration := 0

	for {
		if time.Since(start) > opts.RequestTimeout {
			return zero, errors.Transport("POLLING_TIMEOUT", "polling timed out")
		}

		if err := waitUntilVisible(ctx, opts); err != nil {
			return zero, err
		}

		callCtx, cancel := context.WithTimeout(ctx, opts.RequestCallTimeout)
		value, err := fetch(callCtx)
		cancel()
		if err != nil {
			if callCtx.Err() == context.DeadlineExceeded {
				return zero, errors.TransportWithCause("POLLING_REQUEST_TIMEOUT", "poll request timed out", err)
			}
			return zero, err
		}
		if !isPending(value) {
			return value, nil
		}

		if iteration >= opts.MaxIterations {
			return zero, errors.Transport("POLLING_MAX_ITERATIONS", "polling reached the maximum number of iterations")
		}

		select {
		case <-ctx.Done():
			return zero, errors.TransportWithCause("POLLING_CANCELED", "polling canceled", ctx.Err())
		case <-time.After(delay):
		}
		delay = delay * delayGrowthNumerator / delayGrowthDenominator
		if delay > maxDelay {
			delay = maxDelay
		}
		iteration++
	}
}

func waitUntilVisible(ctx context.Context, opts Options) error {
	if opts.Visibility == nil || !opts.Visibility.Hidden() {
		return nil
	}
	start := time.Now()
	for opts.Visibility.Hidden() {
		if time.Since(start) >= opts.BackgroundVisibilityTimeout {
			return errors.Transport("VISIBILITY_TIMEOUT", "host surface stayed hidden for too long while polling")
		}
		select {
		case <-ctx.Done():
			return errors.TransportWithCause("POLLING_CANCELED", "polling canceled", ctx.Err())
		case <-time.After(opts.BackgroundVisibilityCheckPeriod):
		}
	}
	return nil
}
