// Package coordinator drives two-phase commit for distributed transactions.
// A TransactionCoordinator walks one transaction through prepare voting,
// decision persistence, and decision delivery on its own child work
// scheduler; the Catalog registers one coordinator per (session,
// transaction number) pair; the Service owns the per-term machinery and
// the step-up/step-down lifecycle around it.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kizunadb/kizunadb/core/coordination/scheduler"
	"github.com/kizunadb/kizunadb/core/transaction"
	"go.uber.org/zap"
)

// errDeadlineTaskCanceled quietly retires the commit deadline watch once
// the coordinator finishes on its own.
var errDeadlineTaskCanceled = errors.New("coordinator deadline task no longer needed")

// Step is the coordinator's position in the two-phase commit sequence.
// Steps only ever advance.
type Step int

const (
	StepInit Step = iota
	StepWritingParticipantList
	StepWaitingForVotes
	StepWritingDecision
	StepWaitingForDecisionAcks
	StepDeletingCoordinatorDoc
	StepDone
)

func (s Step) String() string {
	switch s {
	case StepInit:
		return "init"
	case StepWritingParticipantList:
		return "writing_participant_list"
	case StepWaitingForVotes:
		return "waiting_for_votes"
	case StepWritingDecision:
		return "writing_decision"
	case StepWaitingForDecisionAcks:
		return "waiting_for_decision_acks"
	case StepDeletingCoordinatorDoc:
		return "deleting_coordinator_doc"
	case StepDone:
		return "done"
	default:
		return "unknown"
	}
}

// Coordinator is the face a registered coordinator shows the catalog and
// the service. *TransactionCoordinator implements it; tests substitute
// doubles.
type Coordinator interface {
	// OnCompletion settles when the coordinator is finished with the
	// transaction, successfully or not. The catalog deregisters on it.
	OnCompletion() *scheduler.Future[struct{}]
	// OnDecision settles with the commit/abort decision as soon as it is
	// durable, before participants have acknowledged it.
	OnDecision() *scheduler.Future[transaction.Decision]
	// CancelIfCommitNotYetStarted abandons the transaction unless its
	// decision is already durable.
	CancelIfCommitNotYetStarted()
}

// Config wires one TransactionCoordinator.
type Config struct {
	SessionID transaction.SessionID
	TxnNumber transaction.TxnNumber

	// Scheduler is the service's scheduler; the coordinator runs on a
	// child of it.
	Scheduler *scheduler.AsyncWorkScheduler
	Store     *Store
	Logger    *zap.Logger

	// Retry paces persist and per-shard command retries.
	Retry scheduler.Backoff
	// CommitDeadline bounds how long the coordinator may go without a
	// durable decision before canceling itself. Zero disables the watch.
	CommitDeadline time.Duration
}

func (c *Config) setDefaults() {
	if c.Retry.Initial <= 0 {
		c.Retry = scheduler.Backoff{Initial: 50 * time.Millisecond, Max: time.Second, Jitter: 0.2}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// TransactionCoordinator drives one transaction to a commit or abort
// outcome and sees the decision delivered to every participant.
type TransactionCoordinator struct {
	lsid  transaction.SessionID
	txn   transaction.TxnNumber
	sched *scheduler.AsyncWorkScheduler
	store *Store
	log   *zap.Logger
	retry scheduler.Backoff

	startOnce sync.Once

	mu           sync.Mutex
	step         Step
	participants transaction.ParticipantList

	decisionP   *scheduler.Promise[transaction.Decision]
	completionP *scheduler.Promise[struct{}]
}

// NewTransactionCoordinator registers a child scheduler for the
// transaction and arms the commit deadline watch. The coordinator is inert
// until RunCommit or ContinueCommit.
func NewTransactionCoordinator(cfg Config) *TransactionCoordinator {
	cfg.setDefaults()
	tc := &TransactionCoordinator{
		lsid:        cfg.SessionID,
		txn:         cfg.TxnNumber,
		sched:       cfg.Scheduler.MakeChildScheduler(),
		store:       cfg.Store,
		retry:       cfg.Retry,
		log:         cfg.Logger.With(zap.String("txn", transaction.TxnIDString(cfg.SessionID, cfg.TxnNumber))),
		decisionP:   scheduler.NewPromise[transaction.Decision](),
		completionP: scheduler.NewPromise[struct{}](),
	}
	if cfg.CommitDeadline > 0 {
		scheduler.ScheduleWorkIn(tc.sched, cfg.CommitDeadline, func(ctx context.Context) (struct{}, error) {
			if ctx.Err() != nil {
				return struct{}{}, ctx.Err()
			}
			tc.log.Warn("Commit deadline passed without a durable decision, canceling coordinator")
			tc.CancelIfCommitNotYetStarted()
			return struct{}{}, nil
		})
	}
	return tc
}

// OnCompletion settles once the coordinator has fully finished or
// abandoned the transaction.
func (tc *TransactionCoordinator) OnCompletion() *scheduler.Future[struct{}] {
	return tc.completionP.Future()
}

// OnDecision settles with the durable decision, or with the abandonment
// reason if the coordinator never reached one.
func (tc *TransactionCoordinator) OnDecision() *scheduler.Future[transaction.Decision] {
	return tc.decisionP.Future()
}

// Step reports the coordinator's current position.
func (tc *TransactionCoordinator) Step() Step {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.step
}

// Participants reports the shard set the coordinator is driving. Empty
// until RunCommit or ContinueCommit.
func (tc *TransactionCoordinator) Participants() transaction.ParticipantList {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.participants
}

// RunCommit starts driving the transaction with the given participants.
// Only the first RunCommit/ContinueCommit call takes effect.
func (tc *TransactionCoordinator) RunCommit(participants transaction.ParticipantList) {
	tc.startOnce.Do(func() {
		tc.mu.Lock()
		tc.participants = participants
		tc.mu.Unlock()
		go tc.run(participants)
	})
}

// ContinueCommit resumes a coordinator recovered from its store record
// during step-up. With a durable decision on file the prepare round is
// skipped and delivery resumes; otherwise the whole sequence restarts,
// which is safe because prepare is idempotent on participants.
func (tc *TransactionCoordinator) ContinueCommit(rec Record) {
	tc.startOnce.Do(func() {
		tc.mu.Lock()
		tc.participants = rec.Participants
		tc.mu.Unlock()
		if rec.Decision != nil {
			decision := *rec.Decision
			go func() {
				tc.log.Info("Resuming decision delivery from recovered record",
					zap.String("decision", string(decision.Kind)))
				tc.decisionP.Set(decision, nil)
				tc.deliverAndFinish(rec.Participants, decision)
			}()
			return
		}
		tc.log.Info("Restarting two-phase commit from recovered record")
		go tc.run(rec.Participants)
	})
}

// CancelIfCommitNotYetStarted abandons the coordinator unless the decision
// is already durable. Coordinators delivering a persisted decision are
// past the point of no return and must be left to finish (or be resumed
// by recovery).
func (tc *TransactionCoordinator) CancelIfCommitNotYetStarted() {
	tc.mu.Lock()
	if tc.step >= StepWaitingForDecisionAcks {
		tc.mu.Unlock()
		return
	}
	tc.mu.Unlock()
	tc.sched.Shutdown(transaction.ErrCoordinatorCanceled)
}

func (tc *TransactionCoordinator) run(participants transaction.ParticipantList) {
	tc.setStep(StepWritingParticipantList)
	if err := tc.persist("participant list", func() error {
		return tc.store.Upsert(tc.lsid, tc.txn, participants)
	}); err != nil {
		tc.abandon(err)
		return
	}

	tc.setStep(StepWaitingForVotes)
	decision, err := tc.sendPrepare(participants)
	if err != nil {
		tc.abandon(err)
		return
	}

	tc.setStep(StepWritingDecision)
	if err := tc.persist("decision", func() error {
		return tc.store.WriteDecision(tc.lsid, tc.txn, decision)
	}); err != nil {
		tc.abandon(err)
		return
	}

	// The decision is durable: answer waiters now, before chasing acks.
	tc.decisionP.Set(decision, nil)
	tc.deliverAndFinish(participants, decision)
}

func (tc *TransactionCoordinator) deliverAndFinish(participants transaction.ParticipantList, decision transaction.Decision) {
	tc.setStep(StepWaitingForDecisionAcks)
	if err := tc.sendDecision(participants, decision); err != nil {
		tc.abandon(err)
		return
	}

	tc.setStep(StepDeletingCoordinatorDoc)
	if err := tc.persist("record cleanup", func() error {
		return tc.store.Delete(tc.lsid, tc.txn)
	}); err != nil {
		tc.abandon(err)
		return
	}

	tc.setStep(StepDone)
	tc.log.Info("Transaction coordinator finished", zap.String("decision", string(decision.Kind)))
	tc.finish(nil)
}

// persist runs op on the scheduler, retrying until it succeeds or the
// coordinator is shut down. A participant-set mismatch means two
// coordinators were driving the same transaction, which the catalog is
// supposed to make impossible.
func (tc *TransactionCoordinator) persist(what string, op func() error) error {
	fut := scheduler.DoWhile(tc.sched, tc.retry,
		func(_ struct{}, err error) bool { return err != nil },
		func(ctx context.Context) (struct{}, error) {
			if err := ctx.Err(); err != nil {
				return struct{}{}, err
			}
			return struct{}{}, op()
		})
	_, err := fut.Get(context.Background())
	if err != nil && errors.Is(err, ErrParticipantMismatch) {
		panic(fmt.Sprintf("two coordinators raced on %s: %v", transaction.TxnIDString(tc.lsid, tc.txn), err))
	}
	if err != nil {
		return fmt.Errorf("failed to persist %s: %w", what, err)
	}
	return nil
}

// sendPrepare fans prepareTransaction out to every participant on a child
// scheduler and tallies the votes. The first abort vote shuts the child
// down, canceling the remaining prepares; a full house of commit votes
// yields a commit decision at the maximum prepare timestamp.
func (tc *TransactionCoordinator) sendPrepare(participants transaction.ParticipantList) (transaction.Decision, error) {
	child := tc.sched.MakeChildScheduler()
	defer child.Close()

	tally := &prepareTally{needed: len(participants)}
	waits := make([]*scheduler.Future[struct{}], 0, len(participants))
	for _, shard := range participants {
		waits = append(waits, tc.prepareShard(child, tally, shard))
	}
	for _, w := range waits {
		w.Get(context.Background())
	}

	decision, ok := tally.decision()
	if !ok {
		reason := child.ShutdownReason()
		if reason == nil {
			reason = transaction.ErrSteppingDown
		}
		return transaction.Decision{}, fmt.Errorf("prepare round did not complete: %w", reason)
	}
	return decision, nil
}

func (tc *TransactionCoordinator) prepareShard(child *scheduler.AsyncWorkScheduler, tally *prepareTally, shard transaction.ShardID) *scheduler.Future[struct{}] {
	req := transaction.CommandRequest{
		Kind:      transaction.CmdPrepareTransaction,
		SessionID: tc.lsid,
		TxnNumber: tc.txn,
	}
	loop := scheduler.DoWhile(child, tc.retry,
		func(r scheduler.RemoteResponse, err error) bool { return !prepareConclusive(r, err) },
		func(ctx context.Context) (scheduler.RemoteResponse, error) {
			return child.ScheduleRemoteCommand(shard, req).Get(ctx)
		})

	p := scheduler.NewPromise[struct{}]()
	go func() {
		resp, err := loop.Get(context.Background())
		vote := voteFromPrepare(shard, resp, err)
		if vote.abortReason != "" {
			tc.log.Info("Participant voted to abort",
				zap.String("shard", string(shard)),
				zap.String("reason", vote.abortReason))
		}
		if firstAbort := tally.register(vote); firstAbort {
			child.Shutdown(transaction.ErrReachedAbortDecision)
		}
		p.Set(struct{}{}, nil)
	}()
	return p.Future()
}

// sendDecision delivers the decision to every participant and waits for
// all acknowledgements. Abort deliveries accept "transaction unknown"
// class replies as acks, since an unprepared or already-aborted
// participant has nothing left to do. A commit delivery finding the
// participant's prepared state gone is unrecoverable.
func (tc *TransactionCoordinator) sendDecision(participants transaction.ParticipantList, decision transaction.Decision) error {
	child := tc.sched.MakeChildScheduler()
	defer child.Close()

	req := transaction.CommandRequest{
		SessionID: tc.lsid,
		TxnNumber: tc.txn,
	}
	if decision.Kind == transaction.DecisionCommit {
		req.Kind = transaction.CmdCommitTransaction
		req.CommitTimestamp = decision.CommitTimestamp
	} else {
		req.Kind = transaction.CmdAbortTransaction
	}

	acks := make([]*scheduler.Future[struct{}], 0, len(participants))
	for _, shard := range participants {
		loop := scheduler.DoWhile(child, tc.retry,
			func(r scheduler.RemoteResponse, err error) bool { return !decisionConclusive(r, err) },
			func(ctx context.Context) (scheduler.RemoteResponse, error) {
				return child.ScheduleRemoteCommand(shard, req).Get(ctx)
			})

		p := scheduler.NewPromise[struct{}]()
		go func() {
			resp, err := loop.Get(context.Background())
			if ackErr := tc.ackFromDecision(decision.Kind, shard, resp, err); ackErr != nil {
				p.SetError(ackErr)
				return
			}
			p.Set(struct{}{}, nil)
		}()
		acks = append(acks, p.Future())
	}

	_, err := scheduler.WhenAll(acks...).Get(context.Background())
	return err
}

// ackFromDecision classifies the terminal outcome of one decision
// delivery. Nil means acknowledged.
func (tc *TransactionCoordinator) ackFromDecision(kind transaction.DecisionKind, shard transaction.ShardID, r scheduler.RemoteResponse, err error) error {
	if err != nil {
		if errors.Is(err, transaction.ErrShardNotFound) {
			if kind == transaction.DecisionCommit {
				panic(fmt.Sprintf("shard %s with prepared transaction %s is gone while delivering commit",
					shard, transaction.TxnIDString(tc.lsid, tc.txn)))
			}
			// Nothing to abort on a shard that no longer exists.
			return nil
		}
		return fmt.Errorf("decision delivery to %s interrupted: %w", shard, err)
	}

	switch r.Reply.Status {
	case transaction.StatusCommitted, transaction.StatusAborted, transaction.StatusOK:
		return nil
	}
	replyErr := r.Reply.Err()
	if replyErr != nil && (transaction.IsVoteAbortError(replyErr) || errors.Is(replyErr, transaction.ErrShardNotFound)) {
		if kind == transaction.DecisionCommit {
			panic(fmt.Sprintf("shard %s lost prepared state for %s while delivering commit: %v",
				shard, transaction.TxnIDString(tc.lsid, tc.txn), replyErr))
		}
		return nil
	}
	return fmt.Errorf("decision delivery to %s failed: %v", shard, replyErr)
}

// decisionConclusive reports whether one delivery attempt settled: the
// participant acknowledged, or its reply proves there is nothing left to
// deliver to. Anything else is retried until the scheduler is shut down.
func decisionConclusive(r scheduler.RemoteResponse, err error) bool {
	if err != nil {
		return transaction.IsShutdownError(err) || errors.Is(err, transaction.ErrShardNotFound)
	}
	switch r.Reply.Status {
	case transaction.StatusCommitted, transaction.StatusAborted, transaction.StatusOK:
		return true
	}
	replyErr := r.Reply.Err()
	return replyErr != nil && (transaction.IsVoteAbortError(replyErr) || errors.Is(replyErr, transaction.ErrShardNotFound))
}

func (tc *TransactionCoordinator) setStep(next Step) {
	tc.mu.Lock()
	prev := tc.step
	tc.step = next
	tc.mu.Unlock()
	tc.log.Debug("Coordinator step", zap.String("from", prev.String()), zap.String("to", next.String()))
}

func (tc *TransactionCoordinator) abandon(reason error) {
	tc.log.Warn("Transaction coordinator abandoned",
		zap.String("step", tc.Step().String()),
		zap.Error(reason))
	tc.finish(reason)
}

// finish settles both futures and quiesces the child scheduler. The
// shutdown retires the deadline watch; Close detaches from the service
// scheduler so it can quiesce.
func (tc *TransactionCoordinator) finish(err error) {
	if err != nil {
		tc.decisionP.SetError(err)
		tc.sched.Shutdown(err)
	} else {
		tc.sched.Shutdown(errDeadlineTaskCanceled)
	}
	tc.sched.Close()
	if err != nil {
		tc.completionP.SetError(err)
	} else {
		tc.completionP.Set(struct{}{}, nil)
	}
}

// --- Prepare vote accounting ---

type prepareVote struct {
	shard       transaction.ShardID
	commit      bool
	empty       bool
	prepareTS   transaction.Timestamp
	abortReason string
}

// prepareTally folds individual prepare outcomes into a decision. The
// commit timestamp is the maximum prepare timestamp across commit votes.
type prepareTally struct {
	mu      sync.Mutex
	needed  int
	commits int
	aborted bool
	reason  string
	maxTS   transaction.Timestamp
}

// register folds one vote in and reports whether it was the first abort.
func (t *prepareTally) register(v prepareVote) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case v.empty:
		return false
	case v.commit:
		t.commits++
		if t.maxTS.Less(v.prepareTS) {
			t.maxTS = v.prepareTS
		}
		return false
	default:
		first := !t.aborted
		t.aborted = true
		if t.reason == "" {
			t.reason = v.abortReason
		}
		return first
	}
}

// decision produces the consensus outcome; ok is false when the round was
// cut short before every vote arrived and nobody voted to abort.
func (t *prepareTally) decision() (transaction.Decision, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.aborted {
		return transaction.AbortDecision(t.reason), true
	}
	if t.commits == t.needed {
		return transaction.CommitDecision(t.maxTS), true
	}
	return transaction.Decision{}, false
}

// prepareConclusive reports whether one prepare attempt produced a
// terminal outcome. Anything else is retried until the scheduler is shut
// down.
func prepareConclusive(r scheduler.RemoteResponse, err error) bool {
	if err != nil {
		return transaction.IsShutdownError(err) || errors.Is(err, transaction.ErrShardNotFound)
	}
	switch r.Reply.Status {
	case transaction.StatusVoteCommit, transaction.StatusVoteAbort:
		return true
	}
	replyErr := r.Reply.Err()
	return replyErr != nil && transaction.IsVoteAbortError(replyErr)
}

// voteFromPrepare translates the terminal prepare outcome into a vote. An
// unreachable shard votes abort by proxy; a canceled prepare contributes
// nothing, leaving the consensus incomplete.
func voteFromPrepare(shard transaction.ShardID, r scheduler.RemoteResponse, err error) prepareVote {
	if err != nil {
		if errors.Is(err, transaction.ErrShardNotFound) {
			return prepareVote{shard: shard, abortReason: err.Error()}
		}
		return prepareVote{shard: shard, empty: true}
	}
	switch r.Reply.Status {
	case transaction.StatusVoteCommit:
		if r.Reply.PrepareTimestamp == nil {
			return prepareVote{shard: shard, abortReason: fmt.Sprintf("shard %s voted commit without a prepare timestamp", shard)}
		}
		return prepareVote{shard: shard, commit: true, prepareTS: *r.Reply.PrepareTimestamp}
	case transaction.StatusVoteAbort:
		reason := r.Reply.Error
		if reason == "" {
			reason = string(r.Reply.Code)
		}
		return prepareVote{shard: shard, abortReason: reason}
	}
	if replyErr := r.Reply.Err(); replyErr != nil {
		return prepareVote{shard: shard, abortReason: replyErr.Error()}
	}
	return prepareVote{shard: shard, abortReason: fmt.Sprintf("unexpected prepare reply status %q", r.Reply.Status)}
}
