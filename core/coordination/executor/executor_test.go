package executor

import (
	"testing"
	"time"

	"github.com/kizunadb/kizunadb/core/transaction"
	"github.com/kizunadb/kizunadb/internal/clock"
	"github.com/stretchr/testify/require"
)

// --- Test Cases ---

// TestPool_ScheduleRunsPromptly checks the immediate path: the callback runs
// off the calling goroutine with no cancellation error.
func TestPool_ScheduleRunsPromptly(t *testing.T) {
	p := NewPool(nil, nil)
	defer func() {
		p.Shutdown()
		p.Join()
	}()

	fired := make(chan error, 1)
	_, err := p.Schedule(func(args CallbackArgs) { fired <- args.Err })
	require.NoError(t, err)

	select {
	case err := <-fired:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduled callback never ran")
	}
}

// TestPool_ScheduleAtWaitsForClock drives a deferred task with the manual
// clock: it must not run before the deadline and must run with a nil error
// once the clock passes it.
func TestPool_ScheduleAtWaitsForClock(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	p := NewPool(clk, nil)
	defer func() {
		p.Shutdown()
		p.Join()
	}()

	fired := make(chan error, 1)
	_, err := p.ScheduleAt(clk.Now().Add(5*time.Second), func(args CallbackArgs) { fired <- args.Err })
	require.NoError(t, err)

	// 1. Wait until the task has parked on its timer.
	require.Eventually(t, func() bool { return clk.PendingTimers() == 1 },
		time.Second, time.Millisecond)

	// 2. Before the deadline nothing fires.
	select {
	case <-fired:
		t.Fatal("task ran before its deadline")
	case <-time.After(50 * time.Millisecond):
	}

	// 3. Advancing past the deadline dispatches it.
	clk.Advance(5 * time.Second)
	select {
	case err := <-fired:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("task did not run after the clock advanced")
	}
}

// TestPool_CanceledTaskStillRuns pins the cancellation contract: a canceled
// sleeper is dispatched anyway, with its error set, rather than dropped.
func TestPool_CanceledTaskStillRuns(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	p := NewPool(clk, nil)
	defer func() {
		p.Shutdown()
		p.Join()
	}()

	fired := make(chan error, 1)
	handle, err := p.ScheduleAt(clk.Now().Add(time.Hour), func(args CallbackArgs) { fired <- args.Err })
	require.NoError(t, err)
	require.Eventually(t, func() bool { return clk.PendingTimers() == 1 },
		time.Second, time.Millisecond)

	handle.Cancel()
	select {
	case err := <-fired:
		require.ErrorIs(t, err, transaction.ErrCallbackCanceled)
	case <-time.After(time.Second):
		t.Fatal("canceled task was dropped instead of dispatched")
	}
}

// TestPool_ShutdownCancelsAndRejects verifies shutdown cancels outstanding
// sleepers, rejects new work, and lets Join return.
func TestPool_ShutdownCancelsAndRejects(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	p := NewPool(clk, nil)

	fired := make(chan error, 1)
	_, err := p.ScheduleAt(clk.Now().Add(time.Hour), func(args CallbackArgs) { fired <- args.Err })
	require.NoError(t, err)
	require.Eventually(t, func() bool { return clk.PendingTimers() == 1 },
		time.Second, time.Millisecond)

	p.Shutdown()

	select {
	case err := <-fired:
		require.ErrorIs(t, err, transaction.ErrCallbackCanceled)
	case <-time.After(time.Second):
		t.Fatal("outstanding task was not canceled by shutdown")
	}

	_, err = p.Schedule(func(CallbackArgs) {})
	require.ErrorIs(t, err, transaction.ErrShutdownInProgress)

	p.Join()
}
