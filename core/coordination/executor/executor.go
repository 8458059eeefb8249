// Package executor provides the task execution substrate for the
// transaction coordination core: a goroutine-backed TaskExecutor and a
// scoped wrapper that cancels everything it scheduled when shut down.
package executor

import (
	"context"
	"sync"
	"time"

	"github.com/kizunadb/kizunadb/core/transaction"
	"github.com/kizunadb/kizunadb/internal/clock"
	"go.uber.org/zap"
)

// CallbackArgs is handed to every scheduled callback. Err is non-nil when
// the task was canceled before it ran; canceled tasks are still dispatched
// so they can observe the cancellation and wind down, they are never
// silently dropped. Ctx is canceled when the task is.
type CallbackArgs struct {
	Ctx context.Context
	Err error
}

// CallbackFn is a unit of schedulable work.
type CallbackFn func(args CallbackArgs)

// CallbackHandle allows canceling one scheduled task.
type CallbackHandle interface {
	// Cancel requests cancellation. A task that has not started yet runs
	// with CallbackArgs.Err set; a running task sees its context canceled.
	// Canceling a finished task is a no-op.
	Cancel()
}

// TaskExecutor runs callbacks off the calling goroutine, immediately or at
// a clock deadline.
type TaskExecutor interface {
	Now() time.Time
	Schedule(fn CallbackFn) (CallbackHandle, error)
	ScheduleAt(when time.Time, fn CallbackFn) (CallbackHandle, error)
	Shutdown()
	Join()
}

// Pool is the process-wide TaskExecutor. Each task runs on its own
// goroutine; deadlines wait on the injected clock so tests can drive timers
// manually.
type Pool struct {
	clk clock.Clock
	log *zap.Logger

	mu     sync.Mutex
	nextID uint64
	tasks  map[uint64]context.CancelFunc
	down   bool
	wg     sync.WaitGroup
}

// NewPool creates a Pool. A nil clock means wall time; a nil logger means
// silence.
func NewPool(clk clock.Clock, logger *zap.Logger) *Pool {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		clk:   clk,
		log:   logger,
		tasks: make(map[uint64]context.CancelFunc),
	}
}

func (p *Pool) Now() time.Time { return p.clk.Now() }

// Schedule runs fn as soon as a goroutine picks it up.
func (p *Pool) Schedule(fn CallbackFn) (CallbackHandle, error) {
	return p.schedule(time.Time{}, fn)
}

// ScheduleAt runs fn once the clock reaches when. A past deadline behaves
// like Schedule.
func (p *Pool) ScheduleAt(when time.Time, fn CallbackFn) (CallbackHandle, error) {
	return p.schedule(when, fn)
}

func (p *Pool) schedule(when time.Time, fn CallbackFn) (CallbackHandle, error) {
	p.mu.Lock()
	if p.down {
		p.mu.Unlock()
		return nil, transaction.ErrShutdownInProgress
	}
	id := p.nextID
	p.nextID++
	ctx, cancel := context.WithCancel(context.Background())
	p.tasks[id] = cancel
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		var runErr error
		if !when.IsZero() {
			if delay := when.Sub(p.clk.Now()); delay > 0 {
				select {
				case <-p.clk.After(delay):
				case <-ctx.Done():
					runErr = transaction.ErrCallbackCanceled
				}
			}
		}
		if runErr == nil && ctx.Err() != nil {
			runErr = transaction.ErrCallbackCanceled
		}
		fn(CallbackArgs{Ctx: ctx, Err: runErr})

		p.mu.Lock()
		delete(p.tasks, id)
		p.mu.Unlock()
		cancel()
	}()

	return poolHandle{cancel: cancel}, nil
}

type poolHandle struct {
	cancel context.CancelFunc
}

func (h poolHandle) Cancel() { h.cancel() }

// Shutdown stops accepting new work and cancels every outstanding task.
// The canceled tasks still dispatch with their cancellation error.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.down {
		p.mu.Unlock()
		return
	}
	p.down = true
	cancels := make([]context.CancelFunc, 0, len(p.tasks))
	for _, c := range p.tasks {
		cancels = append(cancels, c)
	}
	outstanding := len(cancels)
	p.mu.Unlock()

	p.log.Info("Task executor shutting down", zap.Int("outstanding_tasks", outstanding))
	for _, c := range cancels {
		c()
	}
}

// Join blocks until every dispatched task has returned.
func (p *Pool) Join() { p.wg.Wait() }
