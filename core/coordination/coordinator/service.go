package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kizunadb/kizunadb/core/coordination/executor"
	"github.com/kizunadb/kizunadb/core/coordination/scheduler"
	"github.com/kizunadb/kizunadb/core/transaction"
	internaltelemetry "github.com/kizunadb/kizunadb/internal/telemetry"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// DecisionPublisher receives durable commit decisions for broadcast to
// observers. The events sender satisfies it; nil disables publishing.
type DecisionPublisher interface {
	PublishDecision(lsid transaction.SessionID, txn transaction.TxnNumber, decision transaction.Decision, participants transaction.ParticipantList)
}

// ServiceConfig wires the coordinator service.
type ServiceConfig struct {
	// LocalShard names the shard colocated with this node, if any, so its
	// commands short-circuit the network.
	LocalShard   transaction.ShardID
	Executor     executor.TaskExecutor
	Runner       scheduler.CommandRunner
	Targeter     scheduler.Targeter
	LocalService scheduler.ServiceEntryPoint
	Store        *Store
	Logger       *zap.Logger

	Metrics   *internaltelemetry.TwoPhaseCommitMetrics
	Publisher DecisionPublisher

	// CommitDeadline bounds how long a coordinator may run without a
	// durable decision.
	CommitDeadline time.Duration
	Retry          scheduler.Backoff
	ResolveTimeout time.Duration
	CommandTimeout time.Duration
	Hooks          scheduler.Hooks
}

func (c *ServiceConfig) setDefaults() {
	if c.CommitDeadline <= 0 {
		c.CommitDeadline = 60 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// serviceRound is the machinery for one term of coordination duty. Each
// step-up builds a fresh round; step-down retires it for joining.
type serviceRound struct {
	term    uint64
	scoped  *executor.ScopedTaskExecutor
	sched   *scheduler.AsyncWorkScheduler
	catalog *Catalog
}

// Service accepts commit coordinations while the node holds the
// coordinating role. Step-up recovers persisted coordinators before
// opening for business; step-down cancels what it safely can and leaves
// the rest for the next term's recovery.
type Service struct {
	cfg ServiceConfig
	log *zap.Logger

	mu       sync.Mutex
	current  *serviceRound
	previous []*serviceRound

	// createMu serializes the lookup-then-insert section of
	// CoordinateCommit so concurrent retries of one transaction cannot
	// race into the catalog's duplicate-insert invariant.
	createMu sync.Mutex
}

// NewService validates the wiring and returns an inert service; nothing
// runs until OnStepUp.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Executor == nil {
		return nil, fmt.Errorf("coordinator service requires an executor")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("coordinator service requires a record store")
	}
	cfg.setDefaults()
	return &Service{cfg: cfg, log: cfg.Logger}, nil
}

// OnStepUp builds the round for the new term and replays persisted
// coordinator records before lifting the catalog's step-up gate. An
// unjoined prior round is stepped down first.
func (s *Service) OnStepUp(term uint64) {
	s.OnStepDown()

	scoped := executor.NewScopedTaskExecutor(s.cfg.Executor, transaction.ErrSteppingDown)
	sched := scheduler.NewAsyncWorkScheduler(scheduler.Config{
		Executor:       scoped,
		Runner:         s.cfg.Runner,
		Targeter:       s.cfg.Targeter,
		LocalService:   s.cfg.LocalService,
		LocalShard:     s.cfg.LocalShard,
		ResolveTimeout: s.cfg.ResolveTimeout,
		CommandTimeout: s.cfg.CommandTimeout,
		Logger:         s.log,
		Hooks:          s.cfg.Hooks,
	})
	round := &serviceRound{
		term:    term,
		scoped:  scoped,
		sched:   sched,
		catalog: NewCatalog(scoped, s.log),
	}

	s.mu.Lock()
	s.current = round
	s.mu.Unlock()

	s.log.Info("Coordinator service stepping up", zap.Uint64("term", term))
	go s.recoverCoordinators(round)
}

// OnStepDown retires the current round: the scheduler is shut down, every
// coordinator that has not started committing is canceled, and the round
// is parked for JoinPreviousRound.
func (s *Service) OnStepDown() {
	s.mu.Lock()
	round := s.current
	s.current = nil
	if round != nil {
		s.previous = append(s.previous, round)
	}
	s.mu.Unlock()
	if round == nil {
		return
	}

	s.log.Info("Coordinator service stepping down", zap.Uint64("term", round.term))
	round.sched.Shutdown(transaction.ErrSteppingDown)
	round.catalog.OnStepDown()
	round.scoped.Shutdown()
}

// JoinPreviousRound drains every retired round: catalog empty, scheduler
// quiesced, scoped executor drained. A canceled ctx re-parks the remaining
// rounds so a later join can finish the job.
func (s *Service) JoinPreviousRound(ctx context.Context) error {
	s.mu.Lock()
	rounds := s.previous
	s.previous = nil
	s.mu.Unlock()

	for i, round := range rounds {
		s.log.Info("Waiting for coordinators from a previous term to drain", zap.Uint64("term", round.term))
		if err := round.catalog.Join(ctx); err != nil {
			s.mu.Lock()
			s.previous = append(rounds[i:], s.previous...)
			s.mu.Unlock()
			return err
		}
		round.sched.Join()
		round.scoped.Join()
	}
	return nil
}

// CoordinateCommit runs (or joins) two-phase commit for the transaction
// and returns the decision future. A higher transaction number on the same
// session supersedes a lower one still deciding; a lower number than the
// session's latest is refused outright.
func (s *Service) CoordinateCommit(ctx context.Context, lsid transaction.SessionID, txn transaction.TxnNumber, participants transaction.ParticipantList) (*scheduler.Future[transaction.Decision], error) {
	if err := participants.Validate(); err != nil {
		return nil, err
	}
	round := s.round()
	if round == nil {
		return nil, transaction.ErrSteppingDown
	}

	s.createMu.Lock()
	defer s.createMu.Unlock()

	existing, err := round.catalog.Get(ctx, lsid, txn)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing.OnDecision(), nil
	}

	latest, prev, err := round.catalog.GetLatestOnSession(ctx, lsid)
	if err != nil {
		return nil, err
	}
	if prev != nil {
		if latest > txn {
			return nil, fmt.Errorf("%w: session already coordinating transaction %d", transaction.ErrTransactionTooOld, latest)
		}
		s.log.Info("Canceling coordinator superseded by a newer transaction",
			zap.String("txn", transaction.TxnIDString(lsid, latest)),
			zap.Int64("superseded_by", int64(txn)))
		prev.CancelIfCommitNotYetStarted()
	}

	tc := s.newCoordinator(round, lsid, txn)
	if err := round.catalog.Insert(ctx, lsid, txn, tc, false); err != nil {
		return nil, err
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.CoordinatorsCreatedCounter.Add(ctx, 1)
	}
	tc.RunCommit(participants)
	return tc.OnDecision(), nil
}

// RecoverCommit lets a client that lost its connection learn the fate of a
// transaction: it joins the live coordinator's decision if one exists.
func (s *Service) RecoverCommit(ctx context.Context, lsid transaction.SessionID, txn transaction.TxnNumber) (*scheduler.Future[transaction.Decision], error) {
	round := s.round()
	if round == nil {
		return nil, transaction.ErrSteppingDown
	}
	latest, tc, err := round.catalog.GetLatestOnSession(ctx, lsid)
	if err != nil {
		return nil, err
	}
	if tc == nil {
		return nil, fmt.Errorf("%w: no live coordinator for session %s", transaction.ErrNoSuchTransaction, lsid)
	}
	if latest > txn {
		return nil, fmt.Errorf("%w: session already coordinating transaction %d", transaction.ErrTransactionTooOld, latest)
	}
	if latest < txn {
		return nil, fmt.Errorf("%w: transaction %d was never started here", transaction.ErrNoSuchTransaction, txn)
	}
	return tc.OnDecision(), nil
}

// Shutdown steps down and drains everything; used at process teardown.
func (s *Service) Shutdown(ctx context.Context) error {
	s.OnStepDown()
	return s.JoinPreviousRound(ctx)
}

func (s *Service) round() *serviceRound {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Service) recoverCoordinators(round *serviceRound) {
	recs := s.cfg.Store.All()
	for _, rec := range recs {
		tc := s.newCoordinator(round, rec.SessionID, rec.TxnNumber)
		if err := round.catalog.Insert(context.Background(), rec.SessionID, rec.TxnNumber, tc, true); err != nil {
			round.catalog.ExitStepUp(fmt.Errorf("failed to register recovered coordinator %s: %w", rec.TxnID(), err))
			return
		}
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.CoordinatorsRecoveredCounter.Add(context.Background(), 1)
		}
		tc.ContinueCommit(rec)
	}
	if len(recs) > 0 {
		s.log.Info("Resumed transaction coordinators from persisted records", zap.Int("count", len(recs)))
	}
	round.catalog.ExitStepUp(nil)
}

// newCoordinator builds a coordinator for the round and attaches the
// decision/completion observers for metrics and event publishing.
func (s *Service) newCoordinator(round *serviceRound, lsid transaction.SessionID, txn transaction.TxnNumber) *TransactionCoordinator {
	tc := NewTransactionCoordinator(Config{
		SessionID:      lsid,
		TxnNumber:      txn,
		Scheduler:      round.sched,
		Store:          s.cfg.Store,
		Logger:         s.log,
		Retry:          s.cfg.Retry,
		CommitDeadline: s.cfg.CommitDeadline,
	})

	start := time.Now()
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ActiveCoordinatorsUpDownCounter.Add(context.Background(), 1)
	}
	go func() {
		ctx := context.Background()
		if dec, err := tc.OnDecision().Get(ctx); err == nil {
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.DecisionsCounter.Add(ctx, 1,
					metric.WithAttributes(internaltelemetry.DecisionKindAttr(string(dec.Kind))))
			}
			if s.cfg.Publisher != nil {
				s.cfg.Publisher.PublishDecision(lsid, txn, dec, tc.Participants())
			}
		}
		tc.OnCompletion().Get(ctx)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.ActiveCoordinatorsUpDownCounter.Add(ctx, -1)
			s.cfg.Metrics.CommitLatencyHistogram.Record(ctx, time.Since(start).Milliseconds())
		}
	}()
	return tc
}
