package polling

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"fastnear.io/wallet-adapter/pkg/errors"
)

func fastOptions() Options {
	opts := DefaultOptions()
	opts.Delay = time.Millisecond
	opts.RequestTimeout = time.Second
	opts.RequestCallTimeout = 100 * time.Millisecond
	opts.BackgroundVisibilityCheckPeriod = time.Millisecond
	opts.BackgroundVisibilityTimeout = 50 * time.Millisecond
	return opts
}

func TestAwaitReturnsImmediatelyWhenNotPending(t *testing.T) {
	calls := 0
	start := time.Now()
	value, err := Await(context.Background(), func(ctx context.Context) (string, error) {
		calls++
		return "done", nil
	}, func(string) bool { return false }, fastOptions())
	require.NoError(t, err)
	require.Equal(t, "done", value)
	require.Equal(t, 1, calls)
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestAwaitPollsUntilResolved(t *testing.T) {
	calls := 0
	value, err := Await(context.Background(), func(ctx context.Context) (int, error) {
		calls++
		return calls, nil
	}, func(v int) bool { return v < 4 }, fastOptions())
	require.NoError(t, err)
	require.Equal(t, 4, value)
	require.Equal(t, 4, calls)
}

func TestAwaitStopsAtMaxIterations(t *testing.T) {
	opts := fastOptions()
	opts.MaxIterations = 3
	_, err := Await(context.Background(), func(ctx context.Context) (bool, error) {
		return true, nil
	}, func(bool) bool { return true }, opts)
	require.Error(t, err)
	require.Equal(t, "POLLING_MAX_ITERATIONS", errors.Code(err))
}

func TestAwaitStopsAtWallClockBudget(t *testing.T) {
	opts := fastOptions()
	opts.RequestTimeout = 20 * time.Millisecond
	opts.Delay = 5 * time.Millisecond
	_, err := Await(context.Background(), func(ctx context.Context) (bool, error) {
		return true, nil
	}, func(bool) bool { return true }, opts)
	require.Error(t, err)
	require.Equal(t, "POLLING_TIMEOUT", errors.Code(err))
}

func TestAwaitPerCallTimeout(t *testing.T) {
	opts := fastOptions()
	opts.RequestCallTimeout = 10 * time.Millisecond
	_, err := Await(context.Background(), func(ctx context.Context) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	}, func(bool) bool { return true }, opts)
	require.Error(t, err)
	require.Equal(t, "POLLING_REQUEST_TIMEOUT", errors.Code(err))
}

func TestAwaitPropagatesFetchError(t *testing.T) {
	want := errors.Transport("API_HTTP_ERROR", "backend exploded")
	_, err := Await(context.Background(), func(ctx context.Context) (bool, error) {
		return false, want
	}, func(bool) bool { return true }, fastOptions())
	require.Equal(t, "API_HTTP_ERROR", errors.Code(err))
}

func TestAwaitCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	opts := fastOptions()
	opts.Delay = 50 * time.Millisecond
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := Await(ctx, func(ctx context.Context) (bool, error) {
		return true, nil
	}, func(bool) bool { return true }, opts)
	require.Error(t, err)
	require.Equal(t, "POLLING_CANCELED", errors.Code(err))
}

type fakeVisibility struct{ hidden atomic.Bool }

func (f *fakeVisibility) Hidden() bool { return f.hidden.Load() }

func TestAwaitBlocksWhileHidden(t *testing.T) {
	opts := fastOptions()
	visibility := &fakeVisibility{}
	visibility.hidden.Store(true)
	opts.Visibility = visibility
	opts.BackgroundVisibilityTimeout = time.Second

	go func() {
		time.Sleep(20 * time.Millisecond)
		visibility.hidden.Store(false)
	}()
	value, err := Await(context.Background(), func(ctx context.Context) (string, error) {
		require.False(t, visibility.Hidden(), "fetch must not run while hidden")
		return "ok", nil
	}, func(string) bool { return false }, opts)
	require.NoError(t, err)
	require.Equal(t, "ok", value)
}

func TestAwaitHiddenTimeout(t *testing.T) {
	opts := fastOptions()
	hidden := &fakeVisibility{}
	hidden.hidden.Store(true)
	opts.Visibility = hidden
	_, err := Await(context.Background(), func(ctx context.Context) (bool, error) {
		t.Fatal("fetch must not run while hidden")
		return false, nil
	}, func(bool) bool { return true }, opts)
	require.Error(t, err)
	require.Equal(t, "VISIBILITY_TIMEOUT", errors.Code(err))
}
