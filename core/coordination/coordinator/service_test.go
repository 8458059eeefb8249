package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kizunadb/kizunadb/core/coordination/executor"
	"github.com/kizunadb/kizunadb/core/transaction"
	"github.com/kizunadb/kizunadb/internal/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// --- Test Helpers ---

type recordedDecision struct {
	lsid         transaction.SessionID
	txn          transaction.TxnNumber
	dec          transaction.Decision
	participants transaction.ParticipantList
}

type capturingPublisher struct {
	mu   sync.Mutex
	seen []recordedDecision
}

func (p *capturingPublisher) PublishDecision(lsid transaction.SessionID, txn transaction.TxnNumber, dec transaction.Decision, participants transaction.ParticipantList) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, recordedDecision{lsid, txn, dec, participants})
}

func (p *capturingPublisher) published() []recordedDecision {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]recordedDecision(nil), p.seen...)
}

type serviceHarness struct {
	svc       *Service
	stubs     *stubShards
	store     *Store
	publisher *capturingPublisher
}

func setupService(t *testing.T) *serviceHarness {
	t.Helper()
	pool := executor.NewPool(clock.Real{}, zap.NewNop())
	stubs := newStubShards()
	store := NewStore()
	publisher := &capturingPublisher{}
	svc, err := NewService(ServiceConfig{
		Executor:       pool,
		Runner:         stubs,
		Targeter:       stubs,
		Store:          store,
		Logger:         zap.NewNop(),
		Publisher:      publisher,
		Retry:          fastRetry,
		CommandTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
		pool.Shutdown()
		pool.Join()
	})
	return &serviceHarness{svc: svc, stubs: stubs, store: store, publisher: publisher}
}

// --- Test Cases ---

// TestService_CoordinateCommitEndToEnd verifies a full coordination round
// through the service: step-up gate, commit decision, publication, and
// catalog drain.
func TestService_CoordinateCommitEndToEnd(t *testing.T) {
	h := setupService(t)
	h.stubs.set("shard-a", voteCommitAt(10))
	h.stubs.set("shard-b", voteCommitAt(40))

	h.svc.OnStepUp(1)

	fut, err := h.svc.CoordinateCommit(context.Background(), "sess-1", 1, transaction.ParticipantList{"shard-a", "shard-b"})
	require.NoError(t, err)

	dec, err := fut.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, transaction.DecisionCommit, dec.Kind)
	require.Equal(t, int64(40), dec.CommitTimestamp.WallTime)

	// The decision reaches the publisher and the record is cleaned up.
	require.Eventually(t, func() bool { return len(h.publisher.published()) == 1 }, 2*time.Second, 5*time.Millisecond)
	got := h.publisher.published()[0]
	require.Equal(t, transaction.SessionID("sess-1"), got.lsid)
	require.Equal(t, transaction.DecisionCommit, got.dec.Kind)
	require.True(t, got.participants.Equal(transaction.ParticipantList{"shard-a", "shard-b"}))
	require.Eventually(t, func() bool { return h.store.Count() == 0 }, 2*time.Second, 5*time.Millisecond)
}

// TestService_RepeatedCoordinateCommitJoinsExisting verifies a retry of
// the same commit request joins the live coordinator instead of spawning a
// second one.
func TestService_RepeatedCoordinateCommitJoinsExisting(t *testing.T) {
	h := setupService(t)
	release := make(chan struct{})
	h.stubs.set("shard-a", ackingHandler(func(ctx context.Context) (transaction.CommandResponse, error) {
		select {
		case <-release:
			return transaction.CommandResponse{
				Status:           transaction.StatusVoteCommit,
				PrepareTimestamp: &transaction.Timestamp{WallTime: 3},
			}, nil
		case <-ctx.Done():
			return transaction.CommandResponse{}, ctx.Err()
		}
	}))

	h.svc.OnStepUp(1)

	first, err := h.svc.CoordinateCommit(context.Background(), "sess-1", 1, transaction.ParticipantList{"shard-a"})
	require.NoError(t, err)
	second, err := h.svc.CoordinateCommit(context.Background(), "sess-1", 1, transaction.ParticipantList{"shard-a"})
	require.NoError(t, err)

	close(release)
	d1, err := first.Get(context.Background())
	require.NoError(t, err)
	d2, err := second.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, d1, d2)
}

// TestService_StepUpRecoveryResumesCoordinators verifies persisted records
// are replayed on step-up: decided transactions resume delivery, undecided
// ones rerun the vote round, and the store ends empty.
func TestService_StepUpRecoveryResumesCoordinators(t *testing.T) {
	h := setupService(t)
	h.stubs.set("shard-a", voteCommitAt(10))
	h.stubs.set("shard-b", voteCommitAt(20))

	// One record with a durable commit decision, one still undecided.
	require.NoError(t, h.store.Upsert("sess-1", 1, transaction.ParticipantList{"shard-a"}))
	require.NoError(t, h.store.WriteDecision("sess-1", 1, transaction.CommitDecision(transaction.Timestamp{WallTime: 10})))
	require.NoError(t, h.store.Upsert("sess-2", 1, transaction.ParticipantList{"shard-b"}))

	h.svc.OnStepUp(1)

	require.Eventually(t, func() bool { return h.store.Count() == 0 }, 5*time.Second, 10*time.Millisecond)

	// The decided one went straight to commit delivery; the undecided one
	// was re-prepared first.
	require.Equal(t, []transaction.CommandKind{transaction.CmdCommitTransaction}, h.stubs.kindsFor("shard-a"))
	require.Equal(t,
		[]transaction.CommandKind{transaction.CmdPrepareTransaction, transaction.CmdCommitTransaction},
		h.stubs.kindsFor("shard-b"))
}

// TestService_OnStepDownCancelsUndecided verifies step-down abandons a
// coordinator still gathering votes, keeps its record for the next term,
// and drains cleanly.
func TestService_OnStepDownCancelsUndecided(t *testing.T) {
	h := setupService(t)
	h.stubs.set("shard-a", blockingPrepare())

	h.svc.OnStepUp(1)

	fut, err := h.svc.CoordinateCommit(context.Background(), "sess-1", 1, transaction.ParticipantList{"shard-a"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(h.stubs.kindsFor("shard-a")) > 0
	}, 2*time.Second, 5*time.Millisecond)

	h.svc.OnStepDown()

	_, err = fut.Get(context.Background())
	require.Error(t, err)
	require.True(t, transaction.IsShutdownError(err))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.svc.JoinPreviousRound(ctx))

	// The participant list record survives for the next step-up.
	require.Equal(t, 1, h.store.Count())

	// New work is refused until another step-up.
	_, err = h.svc.CoordinateCommit(context.Background(), "sess-9", 1, transaction.ParticipantList{"shard-a"})
	require.ErrorIs(t, err, transaction.ErrSteppingDown)
}

// TestService_HigherTxnNumberSupersedes verifies a newer transaction on
// the same session cancels an undecided older one, and an older number is
// refused.
func TestService_HigherTxnNumberSupersedes(t *testing.T) {
	h := setupService(t)
	commitRelease := make(chan struct{})
	h.stubs.set("shard-a", func(ctx context.Context, req transaction.CommandRequest) (transaction.CommandResponse, error) {
		switch req.Kind {
		case transaction.CmdPrepareTransaction:
			if req.TxnNumber == 5 {
				<-ctx.Done()
				return transaction.CommandResponse{}, ctx.Err()
			}
			return transaction.CommandResponse{
				Status:           transaction.StatusVoteCommit,
				PrepareTimestamp: &transaction.Timestamp{WallTime: 8},
			}, nil
		case transaction.CmdCommitTransaction:
			select {
			case <-commitRelease:
				return transaction.CommandResponse{Status: transaction.StatusCommitted}, nil
			case <-ctx.Done():
				return transaction.CommandResponse{}, ctx.Err()
			}
		}
		return transaction.CommandResponse{Status: transaction.StatusAborted}, nil
	})

	h.svc.OnStepUp(1)

	oldFut, err := h.svc.CoordinateCommit(context.Background(), "sess-1", 5, transaction.ParticipantList{"shard-a"})
	require.NoError(t, err)

	newFut, err := h.svc.CoordinateCommit(context.Background(), "sess-1", 6, transaction.ParticipantList{"shard-a"})
	require.NoError(t, err)

	// The superseded coordinator fails with a cancellation reason; the new
	// one decides commit.
	_, err = oldFut.Get(context.Background())
	require.ErrorIs(t, err, transaction.ErrCoordinatorCanceled)
	dec, err := newFut.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, transaction.DecisionCommit, dec.Kind)

	// Going back down the sequence is refused while txn 6 is still live.
	_, err = h.svc.CoordinateCommit(context.Background(), "sess-1", 4, transaction.ParticipantList{"shard-a"})
	require.ErrorIs(t, err, transaction.ErrTransactionTooOld)

	close(commitRelease)
	require.Eventually(t, func() bool { return h.store.Count() == 1 }, 2*time.Second, 5*time.Millisecond)
	rec, ok := h.store.Get("sess-1", 5)
	require.True(t, ok)
	require.Nil(t, rec.Decision)
}

// TestService_RecoverCommitJoinsDecision verifies a reconnecting client
// can learn the fate of its transaction while the coordinator is live, and
// gets the right refusals otherwise.
func TestService_RecoverCommitJoinsDecision(t *testing.T) {
	h := setupService(t)
	release := make(chan struct{})
	h.stubs.set("shard-a", func(ctx context.Context, req transaction.CommandRequest) (transaction.CommandResponse, error) {
		switch req.Kind {
		case transaction.CmdPrepareTransaction:
			return transaction.CommandResponse{
				Status:           transaction.StatusVoteCommit,
				PrepareTimestamp: &transaction.Timestamp{WallTime: 12},
			}, nil
		case transaction.CmdCommitTransaction:
			select {
			case <-release:
				return transaction.CommandResponse{Status: transaction.StatusCommitted}, nil
			case <-ctx.Done():
				return transaction.CommandResponse{}, ctx.Err()
			}
		}
		return transaction.CommandResponse{Status: transaction.StatusAborted}, nil
	})

	h.svc.OnStepUp(1)

	_, err := h.svc.CoordinateCommit(context.Background(), "sess-1", 3, transaction.ParticipantList{"shard-a"})
	require.NoError(t, err)

	// 1. While the coordinator is live, recovery joins its decision.
	recFut, err := h.svc.RecoverCommit(context.Background(), "sess-1", 3)
	require.NoError(t, err)
	dec, err := recFut.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, transaction.DecisionCommit, dec.Kind)

	// 2. Wrong numbers are classified, not guessed at.
	_, err = h.svc.RecoverCommit(context.Background(), "sess-1", 2)
	require.ErrorIs(t, err, transaction.ErrTransactionTooOld)
	_, err = h.svc.RecoverCommit(context.Background(), "sess-1", 4)
	require.ErrorIs(t, err, transaction.ErrNoSuchTransaction)

	// 3. An unknown session has nothing to recover.
	_, err = h.svc.RecoverCommit(context.Background(), "sess-unknown", 1)
	require.ErrorIs(t, err, transaction.ErrNoSuchTransaction)

	close(release)
}

// TestService_CommitDeadlineCancelsStalledCoordinator verifies a
// coordinator that cannot reach a decision in time cancels itself.
func TestService_CommitDeadlineCancelsStalledCoordinator(t *testing.T) {
	pool := executor.NewPool(clock.Real{}, zap.NewNop())
	stubs := newStubShards()
	stubs.set("shard-a", blockingPrepare())
	store := NewStore()
	svc, err := NewService(ServiceConfig{
		Executor:       pool,
		Runner:         stubs,
		Targeter:       stubs,
		Store:          store,
		Logger:         zap.NewNop(),
		Retry:          fastRetry,
		CommitDeadline: 75 * time.Millisecond,
		CommandTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
		pool.Shutdown()
		pool.Join()
	})

	svc.OnStepUp(1)

	fut, err := svc.CoordinateCommit(context.Background(), "sess-1", 1, transaction.ParticipantList{"shard-a"})
	require.NoError(t, err)

	_, err = fut.Get(context.Background())
	require.ErrorIs(t, err, transaction.ErrCoordinatorCanceled)
}
