package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kizunadb/kizunadb/core/coordination/executor"
	"github.com/kizunadb/kizunadb/core/transaction"
	"github.com/kizunadb/kizunadb/internal/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// --- Test Helpers ---

// fakeService is an in-process participant that records every request and
// answers with a canned reply.
type fakeService struct {
	mu    sync.Mutex
	seen  []transaction.CommandRequest
	reply transaction.CommandResponse
}

func (s *fakeService) Handle(_ context.Context, req transaction.CommandRequest) transaction.CommandResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, req)
	return s.reply
}

func (s *fakeService) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// fakeTargeter resolves from a fixed table and records health notes.
type fakeTargeter struct {
	mu     sync.Mutex
	addrs  map[transaction.ShardID]string
	health []bool
}

func (ft *fakeTargeter) ResolveShard(_ context.Context, shard transaction.ShardID) (string, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	addr, ok := ft.addrs[shard]
	if !ok {
		return "", transaction.ErrShardNotFound
	}
	return addr, nil
}

func (ft *fakeTargeter) NoteShardHealth(_ transaction.ShardID, healthy bool) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.health = append(ft.health, healthy)
}

func (ft *fakeTargeter) healthNotes() []bool {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return append([]bool(nil), ft.health...)
}

type runnerFunc func(ctx context.Context, target string, req transaction.CommandRequest) (transaction.CommandResponse, error)

func (f runnerFunc) Run(ctx context.Context, target string, req transaction.CommandRequest) (transaction.CommandResponse, error) {
	return f(ctx, target, req)
}

// setupScheduler builds a scheduler over a fresh pool (unless cfg brings
// its own executor) and tears both down after the test.
func setupScheduler(t *testing.T, cfg Config) *AsyncWorkScheduler {
	t.Helper()
	if cfg.Executor == nil {
		pool := executor.NewPool(clock.Real{}, zap.NewNop())
		t.Cleanup(func() {
			pool.Shutdown()
			pool.Join()
		})
		cfg.Executor = pool
	}
	ws := NewAsyncWorkScheduler(cfg)
	t.Cleanup(func() {
		ws.Shutdown(transaction.ErrShutdownInProgress)
		ws.Join()
	})
	return ws
}

// --- Test Cases ---

// TestScheduler_ScheduleWorkRunsAndSettles verifies the basic path: work
// runs off the calling goroutine and its result settles the future.
func TestScheduler_ScheduleWorkRunsAndSettles(t *testing.T) {
	ws := setupScheduler(t, Config{})

	fut := ScheduleWork(ws, func(ctx context.Context) (int, error) {
		return 42, nil
	})

	v, err := fut.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, 42, v)
}

// TestScheduler_ScheduleWorkInDefersOnClock verifies deferred work does not
// run until the executor's clock reaches its deadline.
func TestScheduler_ScheduleWorkInDefersOnClock(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	pool := executor.NewPool(clk, zap.NewNop())
	defer func() {
		pool.Shutdown()
		pool.Join()
	}()
	ws := setupScheduler(t, Config{Executor: pool})

	var ran atomic.Bool
	fut := ScheduleWorkIn(ws, time.Minute, func(ctx context.Context) (struct{}, error) {
		ran.Store(true)
		return struct{}{}, nil
	})

	// 1. The sleeper must be parked on the clock, not running.
	require.Eventually(t, func() bool { return clk.PendingTimers() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.False(t, ran.Load())

	// 2. Advancing past the deadline releases it.
	clk.Advance(2 * time.Minute)
	_, err := fut.Get(context.Background())
	require.NoError(t, err)
	require.True(t, ran.Load())
}

// TestScheduler_ShutdownCancelsSleeperPromptly verifies shutdown does not
// wait out pending delays: a task parked an hour away settles with the
// shutdown reason immediately and its body never runs.
func TestScheduler_ShutdownCancelsSleeperPromptly(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	pool := executor.NewPool(clk, zap.NewNop())
	defer func() {
		pool.Shutdown()
		pool.Join()
	}()
	ws := setupScheduler(t, Config{Executor: pool})

	var ran atomic.Bool
	fut := ScheduleWorkIn(ws, time.Hour, func(ctx context.Context) (struct{}, error) {
		ran.Store(true)
		return struct{}{}, nil
	})
	require.Eventually(t, func() bool { return clk.PendingTimers() == 1 }, 2*time.Second, 10*time.Millisecond)

	ws.Shutdown(transaction.ErrSteppingDown)

	// No clock advance: the cancellation alone must settle the future.
	_, err := fut.Get(context.Background())
	require.ErrorIs(t, err, transaction.ErrSteppingDown)
	require.False(t, ran.Load())
	ws.Join()
}

// TestScheduler_ShutdownSubstitutesReason verifies a task interrupted
// mid-flight reports the recorded shutdown reason, not a bare context
// cancellation.
func TestScheduler_ShutdownSubstitutesReason(t *testing.T) {
	ws := setupScheduler(t, Config{})

	started := make(chan struct{})
	fut := ScheduleWork(ws, func(ctx context.Context) (struct{}, error) {
		close(started)
		<-ctx.Done()
		return struct{}{}, ctx.Err()
	})
	<-started

	ws.Shutdown(transaction.ErrSteppingDown)

	_, err := fut.Get(context.Background())
	require.ErrorIs(t, err, transaction.ErrSteppingDown)
	require.NotErrorIs(t, err, context.Canceled)
}

// TestScheduler_ScheduleAfterShutdownStillRunsWork verifies the submission
// contract after shutdown: the work is not dropped, it runs with a context
// that is already canceled.
func TestScheduler_ScheduleAfterShutdownStillRunsWork(t *testing.T) {
	ws := setupScheduler(t, Config{})
	ws.Shutdown(transaction.ErrSteppingDown)

	ctxErrAtEntry := make(chan error, 1)
	fut := ScheduleWork(ws, func(ctx context.Context) (struct{}, error) {
		ctxErrAtEntry <- ctx.Err()
		return struct{}{}, ctx.Err()
	})

	_, err := fut.Get(context.Background())
	require.ErrorIs(t, err, transaction.ErrSteppingDown)

	select {
	case entry := <-ctxErrAtEntry:
		require.ErrorIs(t, entry, context.Canceled)
	default:
		t.Fatal("work scheduled after shutdown never ran")
	}
}

// TestScheduler_JoinWaitsForAllWork verifies Join blocks until in-flight
// work drains and returns once it has.
func TestScheduler_JoinWaitsForAllWork(t *testing.T) {
	ws := setupScheduler(t, Config{})

	release := make(chan struct{})
	started := make(chan struct{})
	ScheduleWork(ws, func(ctx context.Context) (struct{}, error) {
		close(started)
		<-release
		return struct{}{}, nil
	})
	<-started

	joined := make(chan struct{})
	go func() {
		ws.Join()
		close(joined)
	}()

	// 1. Join must not return while the task is held open.
	select {
	case <-joined:
		t.Fatal("Join returned while work was still running")
	case <-time.After(100 * time.Millisecond):
	}
	require.False(t, ws.Quiescent())

	// 2. Releasing the task unblocks Join.
	close(release)
	select {
	case <-joined:
	case <-time.After(2 * time.Second):
		t.Fatal("Join did not return after work drained")
	}
	require.True(t, ws.Quiescent())
}

// TestScheduler_ChildInheritsShutdown verifies cancellation cascades down
// the scheduler tree, and that a child created after shutdown is born
// already shut down with the same reason.
func TestScheduler_ChildInheritsShutdown(t *testing.T) {
	ws := setupScheduler(t, Config{})
	child := ws.MakeChildScheduler()

	started := make(chan struct{})
	fut := ScheduleWork(child, func(ctx context.Context) (struct{}, error) {
		close(started)
		<-ctx.Done()
		return struct{}{}, ctx.Err()
	})
	<-started

	ws.Shutdown(transaction.ErrSteppingDown)

	_, err := fut.Get(context.Background())
	require.ErrorIs(t, err, transaction.ErrSteppingDown)
	require.ErrorIs(t, child.ShutdownReason(), transaction.ErrSteppingDown)

	lateChild := ws.MakeChildScheduler()
	require.ErrorIs(t, lateChild.ShutdownReason(), transaction.ErrSteppingDown)

	child.Close()
	lateChild.Close()
	ws.Join()
}

// TestScheduler_CloseDetachesChild verifies a parent cannot quiesce while a
// child is registered, and that closing the child releases it.
func TestScheduler_CloseDetachesChild(t *testing.T) {
	ws := setupScheduler(t, Config{})
	child := ws.MakeChildScheduler()

	joined := make(chan struct{})
	go func() {
		ws.Join()
		close(joined)
	}()

	select {
	case <-joined:
		t.Fatal("parent Join returned while a child was still registered")
	case <-time.After(100 * time.Millisecond):
	}

	child.Close()
	select {
	case <-joined:
	case <-time.After(2 * time.Second):
		t.Fatal("parent Join did not return after child closed")
	}
}

// TestScheduler_RemoteCommandLocalShortCircuit verifies commands addressed
// to the scheduler's own shard dispatch in-process and never touch the
// resolver or the wire.
func TestScheduler_RemoteCommandLocalShortCircuit(t *testing.T) {
	svc := &fakeService{reply: transaction.CommandResponse{Status: transaction.StatusOK}}
	var runnerCalls atomic.Int32
	ws := setupScheduler(t, Config{
		LocalService: svc,
		LocalShard:   "shard-a",
		Targeter:     &fakeTargeter{},
		Runner: runnerFunc(func(ctx context.Context, target string, req transaction.CommandRequest) (transaction.CommandResponse, error) {
			runnerCalls.Add(1)
			return transaction.CommandResponse{}, transaction.ErrHostUnreachable
		}),
	})

	fut := ws.ScheduleRemoteCommand("shard-a", transaction.CommandRequest{Kind: transaction.CmdPrepareTransaction})
	resp, err := fut.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, LocalTarget, resp.Target)
	require.Equal(t, transaction.StatusOK, resp.Reply.Status)
	require.Equal(t, 1, svc.calls())
	require.Equal(t, int32(0), runnerCalls.Load())
}

// TestScheduler_RemoteCommandResolvesAndRuns verifies the remote path:
// resolve, dispatch, reply, and a healthy note for the shard.
func TestScheduler_RemoteCommandResolvesAndRuns(t *testing.T) {
	ft := &fakeTargeter{addrs: map[transaction.ShardID]string{"shard-b": "10.0.0.2:7700"}}
	prepTS := &transaction.Timestamp{WallTime: 77, Logical: 1}
	ws := setupScheduler(t, Config{
		Targeter: ft,
		Runner: runnerFunc(func(ctx context.Context, target string, req transaction.CommandRequest) (transaction.CommandResponse, error) {
			require.Equal(t, "10.0.0.2:7700", target)
			return transaction.CommandResponse{Status: transaction.StatusVoteCommit, PrepareTimestamp: prepTS}, nil
		}),
	})

	fut := ws.ScheduleRemoteCommand("shard-b", transaction.CommandRequest{Kind: transaction.CmdPrepareTransaction})
	resp, err := fut.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, "10.0.0.2:7700", resp.Target)
	require.Equal(t, transaction.StatusVoteCommit, resp.Reply.Status)
	require.Equal(t, []bool{true}, ft.healthNotes())
}

// TestScheduler_RemoteCommandFailureNotesUnhealthy verifies a transport
// failure settles the future with the error and records an unhealthy note.
func TestScheduler_RemoteCommandFailureNotesUnhealthy(t *testing.T) {
	ft := &fakeTargeter{addrs: map[transaction.ShardID]string{"shard-b": "10.0.0.2:7700"}}
	ws := setupScheduler(t, Config{
		Targeter: ft,
		Runner: runnerFunc(func(ctx context.Context, target string, req transaction.CommandRequest) (transaction.CommandResponse, error) {
			return transaction.CommandResponse{}, transaction.ErrHostUnreachable
		}),
	})

	fut := ws.ScheduleRemoteCommand("shard-b", transaction.CommandRequest{Kind: transaction.CmdCommitTransaction})
	_, err := fut.Get(context.Background())
	require.ErrorIs(t, err, transaction.ErrHostUnreachable)
	require.True(t, transaction.IsRetryableRemoteError(err))
	require.Equal(t, []bool{false}, ft.healthNotes())
}

// TestScheduler_RemoteAfterShutdownFailsFast verifies a remote command
// submitted after shutdown settles immediately with the recorded reason
// and never reaches the runner.
func TestScheduler_RemoteAfterShutdownFailsFast(t *testing.T) {
	var runnerCalls atomic.Int32
	ws := setupScheduler(t, Config{
		Targeter: &fakeTargeter{addrs: map[transaction.ShardID]string{"shard-b": "10.0.0.2:7700"}},
		Runner: runnerFunc(func(ctx context.Context, target string, req transaction.CommandRequest) (transaction.CommandResponse, error) {
			runnerCalls.Add(1)
			return transaction.CommandResponse{}, nil
		}),
	})

	ws.Shutdown(transaction.ErrReachedAbortDecision)

	fut := ws.ScheduleRemoteCommand("shard-b", transaction.CommandRequest{Kind: transaction.CmdCommitTransaction})
	require.True(t, fut.Ready())
	_, err := fut.Get(context.Background())
	require.ErrorIs(t, err, transaction.ErrReachedAbortDecision)
	require.Equal(t, int32(0), runnerCalls.Load())
}

// TestScheduler_ShutdownInterruptsRemoteCommand verifies an in-flight
// remote exchange is cut short by shutdown and reports the reason.
func TestScheduler_ShutdownInterruptsRemoteCommand(t *testing.T) {
	ft := &fakeTargeter{addrs: map[transaction.ShardID]string{"shard-b": "10.0.0.2:7700"}}
	inFlight := make(chan struct{})
	ws := setupScheduler(t, Config{
		Targeter: ft,
		Runner: runnerFunc(func(ctx context.Context, target string, req transaction.CommandRequest) (transaction.CommandResponse, error) {
			close(inFlight)
			<-ctx.Done()
			return transaction.CommandResponse{}, ctx.Err()
		}),
	})

	fut := ws.ScheduleRemoteCommand("shard-b", transaction.CommandRequest{Kind: transaction.CmdPrepareTransaction})
	<-inFlight

	ws.Shutdown(transaction.ErrSteppingDown)

	_, err := fut.Get(context.Background())
	require.ErrorIs(t, err, transaction.ErrSteppingDown)
	ws.Join()
}

// TestScheduler_DoWhileRetriesUntilConclusive verifies the retry loop backs
// off through failures and settles with the first conclusive outcome.
func TestScheduler_DoWhileRetriesUntilConclusive(t *testing.T) {
	ws := setupScheduler(t, Config{})

	var attempts atomic.Int32
	fut := DoWhile(ws,
		Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond},
		func(_ string, err error) bool { return err != nil },
		func(ctx context.Context) (string, error) {
			if attempts.Add(1) < 3 {
				return "", transaction.ErrHostUnreachable
			}
			return "done", nil
		})

	v, err := fut.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, "done", v)
	require.Equal(t, int32(3), attempts.Load())
}

// TestScheduler_DoWhileConcludesOnShutdown verifies an endless retry loop
// is broken by scheduler shutdown and reports the shutdown reason.
func TestScheduler_DoWhileConcludesOnShutdown(t *testing.T) {
	ws := setupScheduler(t, Config{})

	var attempts atomic.Int32
	fut := DoWhile(ws,
		Backoff{Initial: 5 * time.Millisecond, Max: 10 * time.Millisecond},
		func(_ struct{}, err error) bool { return true },
		func(ctx context.Context) (struct{}, error) {
			attempts.Add(1)
			return struct{}{}, transaction.ErrHostUnreachable
		})

	require.Eventually(t, func() bool { return attempts.Load() >= 1 }, 2*time.Second, time.Millisecond)
	ws.Shutdown(transaction.ErrSteppingDown)

	_, err := fut.Get(context.Background())
	require.ErrorIs(t, err, transaction.ErrSteppingDown)
	ws.Join()
}

// TestScheduler_WhenAllGathersResults verifies WhenAll preserves input
// order on success and surfaces the first failure.
func TestScheduler_WhenAllGathersResults(t *testing.T) {
	ws := setupScheduler(t, Config{})

	mk := func(v int, delay time.Duration) *Future[int] {
		return ScheduleWork(ws, func(ctx context.Context) (int, error) {
			time.Sleep(delay)
			return v, nil
		})
	}
	all := WhenAll(mk(1, 30*time.Millisecond), mk(2, 0), mk(3, 10*time.Millisecond))
	vs, err := all.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 3}, vs)

	failing := WhenAll(
		ScheduleWork(ws, func(ctx context.Context) (int, error) { return 0, transaction.ErrNoSuchTransaction }),
		ScheduleWork(ws, func(ctx context.Context) (int, error) { return 9, nil }),
	)
	_, err = failing.Get(context.Background())
	require.ErrorIs(t, err, transaction.ErrNoSuchTransaction)
}

// TestScheduler_ShutdownRequiresReason verifies the reason contract is
// enforced rather than silently accepting a nil.
func TestScheduler_ShutdownRequiresReason(t *testing.T) {
	ws := setupScheduler(t, Config{})
	require.Panics(t, func() { ws.Shutdown(nil) })

	// First non-nil reason wins over later ones.
	ws.Shutdown(transaction.ErrSteppingDown)
	ws.Shutdown(transaction.ErrReachedAbortDecision)
	require.ErrorIs(t, ws.ShutdownReason(), transaction.ErrSteppingDown)
	require.NotErrorIs(t, ws.ShutdownReason(), transaction.ErrReachedAbortDecision)
}
