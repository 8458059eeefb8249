// Package scheduler implements the cancellable, hierarchical asynchronous
// work scheduler the two-phase commit coordinator runs on. Work is either a
// local function with its own cancellable operation context or a command
// against a participant shard; both come back as futures. Schedulers form a
// tree: shutting a parent down cancels every child, and a scheduler only
// quiesces once all of its local tasks, remote commands, and children are
// gone.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kizunadb/kizunadb/core/coordination/executor"
	"github.com/kizunadb/kizunadb/core/transaction"
	"go.uber.org/zap"
)

// Targeter resolves a logical shard to a dialable address and absorbs
// observed health signals. The topology registry implements it.
type Targeter interface {
	// ResolveShard blocks until the shard is known or ctx expires.
	ResolveShard(ctx context.Context, shard transaction.ShardID) (string, error)
	// NoteShardHealth records the outcome of one remote exchange.
	NoteShardHealth(shard transaction.ShardID, healthy bool)
}

// ServiceEntryPoint is the in-process command surface of a colocated
// participant. Commands for the scheduler's own shard dispatch through it
// instead of the network, so coordinator and participant state transitions
// on one process stay sequentially ordered.
type ServiceEntryPoint interface {
	Handle(ctx context.Context, req transaction.CommandRequest) transaction.CommandResponse
}

// CommandRunner delivers one command envelope to a resolved address.
type CommandRunner interface {
	Run(ctx context.Context, target string, req transaction.CommandRequest) (transaction.CommandResponse, error)
}

// RemoteResponse is the settled outcome of ScheduleRemoteCommand: the reply
// a participant produced, where it came from, and how long the exchange
// took. Transport-level failures settle the future's error instead.
type RemoteResponse struct {
	Shard   transaction.ShardID
	Target  string
	Reply   transaction.CommandResponse
	Latency time.Duration
}

// LocalTarget is the Target value used for replies produced by the
// in-process dispatch path.
const LocalTarget = "local"

// Hooks are optional pause points the tests use to hold a dispatch at a
// known moment. Production leaves them nil.
type Hooks struct {
	OnBeforeLocalDispatch  func(shard transaction.ShardID)
	OnBeforeRemoteDispatch func(shard transaction.ShardID, target string)
}

// Config wires a scheduler's collaborators. Executor is required; the rest
// default per setDefaults.
type Config struct {
	Executor     executor.TaskExecutor
	Runner       CommandRunner
	Targeter     Targeter
	LocalService ServiceEntryPoint
	LocalShard   transaction.ShardID

	// ResolveTimeout bounds the wait for shard address resolution.
	ResolveTimeout time.Duration
	// CommandTimeout bounds one remote exchange. Zero means unbounded.
	CommandTimeout time.Duration

	Logger *zap.Logger
	Hooks  Hooks
}

func (c *Config) setDefaults() {
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = 20 * time.Second
	}
	if c.CommandTimeout < 0 {
		c.CommandTimeout = 0
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// AsyncWorkScheduler tracks every piece of asynchronous work it issued:
// operation contexts of local tasks, executor handles of scheduled and
// remote work, and child schedulers. One mutex guards all three; futures
// are always completed with it released.
type AsyncWorkScheduler struct {
	cfg Config
	log *zap.Logger

	parent *AsyncWorkScheduler
	selfID uint64

	mu             sync.Mutex
	quiesced       *sync.Cond
	shutdownReason error
	nextID         uint64
	activeOps      map[uint64]context.CancelFunc
	// activeHandles holds executor handles; a nil entry marks a task whose
	// handle is not recorded yet.
	activeHandles map[uint64]executor.CallbackHandle
	children      map[uint64]*AsyncWorkScheduler
}

// NewAsyncWorkScheduler builds a root scheduler. cfg.Executor must be set.
func NewAsyncWorkScheduler(cfg Config) *AsyncWorkScheduler {
	if cfg.Executor == nil {
		panic("scheduler requires a task executor")
	}
	cfg.setDefaults()
	ws := &AsyncWorkScheduler{
		cfg:           cfg,
		log:           cfg.Logger,
		activeOps:     make(map[uint64]context.CancelFunc),
		activeHandles: make(map[uint64]executor.CallbackHandle),
		children:      make(map[uint64]*AsyncWorkScheduler),
	}
	ws.quiesced = sync.NewCond(&ws.mu)
	return ws
}

// ScheduleWork runs fn off the calling goroutine with a fresh operation
// context and returns a future of its result. If the scheduler is already
// shut down the work still runs, but its context is born canceled; fn is
// expected to notice and bail out.
func ScheduleWork[T any](ws *AsyncWorkScheduler, fn func(ctx context.Context) (T, error)) *Future[T] {
	return ScheduleWorkAt(ws, time.Time{}, fn)
}

// ScheduleWorkIn is ScheduleWork delayed by d on the executor's clock.
func ScheduleWorkIn[T any](ws *AsyncWorkScheduler, d time.Duration, fn func(ctx context.Context) (T, error)) *Future[T] {
	return ScheduleWorkAt(ws, ws.cfg.Executor.Now().Add(d), fn)
}

// ScheduleWorkAt is ScheduleWork deferred until when. A canceled sleeper
// settles the future with the cancellation reason without running fn.
func ScheduleWorkAt[T any](ws *AsyncWorkScheduler, when time.Time, fn func(ctx context.Context) (T, error)) *Future[T] {
	p := NewPromise[T]()

	ws.mu.Lock()
	id := ws.nextID
	ws.nextID++
	opCtx, cancel := context.WithCancel(context.Background())
	bornShutdown := ws.shutdownReason != nil
	if bornShutdown {
		cancel()
	}
	ws.activeOps[id] = cancel
	ws.activeHandles[id] = nil
	ws.mu.Unlock()

	run := func(args executor.CallbackArgs) {
		if args.Err != nil {
			ws.eraseTask(id)
			p.SetError(ws.substituteShutdown(args.Err))
			return
		}
		// Tie executor-level cancellation into the op context so fn has a
		// single cancellation signal to watch.
		stop := context.AfterFunc(args.Ctx, cancel)
		defer stop()

		v, err := fn(opCtx)
		ws.eraseTask(id)
		p.Set(v, ws.substituteShutdown(err))
	}

	var handle executor.CallbackHandle
	var err error
	if when.IsZero() {
		handle, err = ws.cfg.Executor.Schedule(run)
	} else {
		handle, err = ws.cfg.Executor.ScheduleAt(when, run)
	}
	if err != nil {
		ws.eraseTask(id)
		p.SetError(ws.substituteShutdown(err))
		return p.Future()
	}
	ws.stashHandle(id, handle, bornShutdown)
	return p.Future()
}

// ScheduleRemoteCommand sends req to the given shard and returns a future
// of the reply. The local/remote split is decided once here, never per
// retry: commands for the scheduler's own shard always dispatch in-process
// to keep colocated state transitions ordered; all others resolve the
// shard's address (bounded wait) and go over the wire.
func (ws *AsyncWorkScheduler) ScheduleRemoteCommand(shard transaction.ShardID, req transaction.CommandRequest) *Future[RemoteResponse] {
	p := NewPromise[RemoteResponse]()
	isLocal := ws.cfg.LocalService != nil && shard == ws.cfg.LocalShard

	ws.mu.Lock()
	if ws.shutdownReason != nil {
		reason := ws.shutdownReason
		ws.mu.Unlock()
		p.SetError(reason)
		return p.Future()
	}
	id := ws.nextID
	ws.nextID++
	ws.activeHandles[id] = nil
	ws.mu.Unlock()

	run := func(args executor.CallbackArgs) {
		resp, err := ws.runRemoteAttempt(args, shard, req, isLocal)
		ws.eraseTask(id)
		if err != nil {
			p.SetError(err)
			return
		}
		p.Set(resp, nil)
	}

	handle, err := ws.cfg.Executor.Schedule(run)
	if err != nil {
		ws.eraseTask(id)
		p.SetError(ws.substituteShutdown(err))
		return p.Future()
	}
	ws.stashHandle(id, handle, false)
	return p.Future()
}

func (ws *AsyncWorkScheduler) runRemoteAttempt(args executor.CallbackArgs, shard transaction.ShardID, req transaction.CommandRequest, isLocal bool) (RemoteResponse, error) {
	if args.Err != nil {
		return RemoteResponse{}, ws.substituteShutdown(args.Err)
	}

	if isLocal {
		if h := ws.cfg.Hooks.OnBeforeLocalDispatch; h != nil {
			h(shard)
		}
		start := time.Now()
		reply := ws.cfg.LocalService.Handle(args.Ctx, req)
		return RemoteResponse{Shard: shard, Target: LocalTarget, Reply: reply, Latency: time.Since(start)}, nil
	}

	resolveCtx, cancelResolve := context.WithTimeout(args.Ctx, ws.cfg.ResolveTimeout)
	target, err := ws.cfg.Targeter.ResolveShard(resolveCtx, shard)
	cancelResolve()
	if err != nil {
		if args.Ctx.Err() != nil {
			err = transaction.ErrCallbackCanceled
		}
		return RemoteResponse{}, ws.substituteShutdown(err)
	}

	if h := ws.cfg.Hooks.OnBeforeRemoteDispatch; h != nil {
		h(shard, target)
	}

	runCtx := args.Ctx
	if ws.cfg.CommandTimeout > 0 {
		var cancelRun context.CancelFunc
		runCtx, cancelRun = context.WithTimeout(args.Ctx, ws.cfg.CommandTimeout)
		defer cancelRun()
	}
	start := time.Now()
	reply, err := ws.cfg.Runner.Run(runCtx, target, req)
	if err == nil {
		ws.cfg.Targeter.NoteShardHealth(shard, true)
	} else if transaction.IsRetryableRemoteError(err) {
		// Only transport-class failures count against the shard; a run cut
		// short by shutdown says nothing about its reachability.
		ws.cfg.Targeter.NoteShardHealth(shard, false)
	}
	if err != nil {
		// A cancellation raised after shutdown began must surface the
		// recorded shutdown reason, not the transport symptom.
		if args.Ctx.Err() != nil {
			err = transaction.ErrCallbackCanceled
		}
		return RemoteResponse{}, ws.substituteShutdown(err)
	}
	return RemoteResponse{Shard: shard, Target: target, Reply: reply, Latency: time.Since(start)}, nil
}

// MakeChildScheduler returns a scheduler whose cancellation is chained to
// this one. A child born after shutdown starts out shut down with the same
// reason.
func (ws *AsyncWorkScheduler) MakeChildScheduler() *AsyncWorkScheduler {
	child := NewAsyncWorkScheduler(ws.cfg)
	child.parent = ws

	ws.mu.Lock()
	id := ws.nextID
	ws.nextID++
	child.selfID = id
	ws.children[id] = child
	reason := ws.shutdownReason
	ws.mu.Unlock()

	if reason != nil {
		child.Shutdown(reason)
	}
	return child
}

// Shutdown cancels all active work and cascades to children. The first
// reason sticks; later calls are no-ops. Reason must be non-nil, since it
// is what pending futures settle with.
func (ws *AsyncWorkScheduler) Shutdown(reason error) {
	if reason == nil {
		panic("scheduler shutdown requires a reason")
	}
	ws.mu.Lock()
	if ws.shutdownReason != nil {
		ws.mu.Unlock()
		return
	}
	ws.shutdownReason = reason
	cancels := make([]context.CancelFunc, 0, len(ws.activeOps))
	for _, c := range ws.activeOps {
		cancels = append(cancels, c)
	}
	handles := make([]executor.CallbackHandle, 0, len(ws.activeHandles))
	for _, h := range ws.activeHandles {
		if h != nil {
			handles = append(handles, h)
		}
	}
	kids := make([]*AsyncWorkScheduler, 0, len(ws.children))
	for _, child := range ws.children {
		kids = append(kids, child)
	}
	ws.mu.Unlock()

	ws.log.Debug("Work scheduler shutting down",
		zap.Error(reason),
		zap.Int("active_ops", len(cancels)),
		zap.Int("active_handles", len(handles)),
		zap.Int("children", len(kids)))

	for _, c := range cancels {
		c()
	}
	for _, h := range handles {
		h.Cancel()
	}
	for _, child := range kids {
		child.Shutdown(reason)
	}
}

// Join blocks until the scheduler has no active tasks, no in-flight remote
// commands, and no children.
func (ws *AsyncWorkScheduler) Join() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for !ws.quiescedLocked() {
		ws.quiesced.Wait()
	}
}

// Close joins and, for a child, detaches it from its parent so the parent
// can quiesce.
func (ws *AsyncWorkScheduler) Close() {
	ws.Join()
	if ws.parent != nil {
		ws.parent.removeChild(ws.selfID)
	}
}

// Quiescent reports whether the scheduler currently has nothing in flight.
func (ws *AsyncWorkScheduler) Quiescent() bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.quiescedLocked()
}

// ShutdownReason returns the recorded reason, or nil while running.
func (ws *AsyncWorkScheduler) ShutdownReason() error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.shutdownReason
}

func (ws *AsyncWorkScheduler) quiescedLocked() bool {
	return len(ws.activeOps) == 0 && len(ws.activeHandles) == 0 && len(ws.children) == 0
}

func (ws *AsyncWorkScheduler) eraseTask(id uint64) {
	ws.mu.Lock()
	delete(ws.activeOps, id)
	delete(ws.activeHandles, id)
	if ws.quiescedLocked() {
		ws.quiesced.Broadcast()
	}
	ws.mu.Unlock()
}

func (ws *AsyncWorkScheduler) removeChild(id uint64) {
	ws.mu.Lock()
	delete(ws.children, id)
	if ws.quiescedLocked() {
		ws.quiesced.Broadcast()
	}
	ws.mu.Unlock()
}

// stashHandle records the executor handle for a task registered under id.
// If the task already finished there is nothing to record. If shutdown ran
// between registration and here, it could not see this handle, so it is
// canceled on shutdown's behalf. Tasks submitted after shutdown began
// (bornShutdown) are exempt: their contract is to run with an
// already-canceled context, not to be dropped by the executor.
func (ws *AsyncWorkScheduler) stashHandle(id uint64, handle executor.CallbackHandle, bornShutdown bool) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if recorded, present := ws.activeHandles[id]; present && recorded == nil {
		if ws.shutdownReason != nil && !bornShutdown {
			handle.Cancel()
		}
		ws.activeHandles[id] = handle
	}
}

// substituteShutdown maps cancellation-shaped errors onto the recorded
// shutdown reason so callers see one consistent explanation, and passes
// every other error through.
func (ws *AsyncWorkScheduler) substituteShutdown(err error) error {
	if err == nil {
		return nil
	}
	ws.mu.Lock()
	reason := ws.shutdownReason
	ws.mu.Unlock()
	if reason == nil {
		return err
	}
	if errors.Is(err, transaction.ErrCallbackCanceled) ||
		errors.Is(err, transaction.ErrShutdownInProgress) ||
		errors.Is(err, context.Canceled) {
		return reason
	}
	return err
}
