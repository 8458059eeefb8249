package executor

import (
	"sync"
	"time"
)

// ScopedTaskExecutor wraps a parent TaskExecutor and tracks every task it
// schedules, so one call can cancel all of them without touching the parent
// or any sibling scope. The coordinator service creates one per term: step
// down shuts the scope, the shared pool lives on.
//
// The bookkeeping has to survive three races between scheduling, running,
// and shutting down: a task can finish before its handle is recorded, a
// shutdown can land between recording the intent to schedule and holding
// the handle, and a task can start running after shutdown began. Each case
// is handled below; the invariants are that Shutdown cancels every task it
// can reach, tasks it cannot reach cancel themselves, and tasks that run
// anyway observe the scope's shutdown error.
type ScopedTaskExecutor struct {
	parent      TaskExecutor
	shutdownErr error

	mu         sync.Mutex
	cond       *sync.Cond
	inShutdown bool
	nextID     uint64
	// id -> parent handle; a nil value marks a task that is being
	// scheduled but whose handle is not recorded yet.
	handles map[uint64]CallbackHandle
}

// NewScopedTaskExecutor wraps parent. shutdownErr is what tasks observe when
// they run after Shutdown; it is also what Schedule returns once shut down.
func NewScopedTaskExecutor(parent TaskExecutor, shutdownErr error) *ScopedTaskExecutor {
	e := &ScopedTaskExecutor{
		parent:      parent,
		shutdownErr: shutdownErr,
		handles:     make(map[uint64]CallbackHandle),
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

func (e *ScopedTaskExecutor) Now() time.Time { return e.parent.Now() }

func (e *ScopedTaskExecutor) Schedule(fn CallbackFn) (CallbackHandle, error) {
	return e.schedule(time.Time{}, fn)
}

func (e *ScopedTaskExecutor) ScheduleAt(when time.Time, fn CallbackFn) (CallbackHandle, error) {
	return e.schedule(when, fn)
}

func (e *ScopedTaskExecutor) schedule(when time.Time, fn CallbackFn) (CallbackHandle, error) {
	e.mu.Lock()
	if e.inShutdown {
		e.mu.Unlock()
		return nil, e.shutdownErr
	}
	id := e.nextID
	e.nextID++
	e.handles[id] = nil
	e.mu.Unlock()

	wrapped := func(args CallbackArgs) {
		e.mu.Lock()
		if e.inShutdown {
			args.Err = e.shutdownErr
		}
		e.mu.Unlock()

		fn(args)

		e.mu.Lock()
		e.eraseAndNotifyLocked(id)
		e.mu.Unlock()
	}

	var handle CallbackHandle
	var err error
	if when.IsZero() {
		handle, err = e.parent.Schedule(wrapped)
	} else {
		handle, err = e.parent.ScheduleAt(when, wrapped)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.eraseAndNotifyLocked(id)
		return nil, err
	}
	if recorded, present := e.handles[id]; present && recorded == nil {
		if e.inShutdown {
			// Shutdown ran while the handle was unrecorded and could
			// not cancel this task; do it on its behalf.
			handle.Cancel()
		}
		e.handles[id] = handle
	}
	// If the entry is gone the task already ran to completion; there is
	// nothing left to record or cancel.
	return handle, nil
}

// Shutdown cancels every tracked task and fails future scheduling. It is
// idempotent and never blocks on task completion.
func (e *ScopedTaskExecutor) Shutdown() {
	e.mu.Lock()
	if e.inShutdown {
		e.mu.Unlock()
		return
	}
	e.inShutdown = true
	toCancel := make([]CallbackHandle, 0, len(e.handles))
	for _, h := range e.handles {
		if h != nil {
			toCancel = append(toCancel, h)
		}
	}
	e.cond.Broadcast()
	e.mu.Unlock()

	for _, h := range toCancel {
		h.Cancel()
	}
}

// Join blocks until the scope is shut down and every task it dispatched has
// finished.
func (e *ScopedTaskExecutor) Join() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for !e.inShutdown || len(e.handles) > 0 {
		e.cond.Wait()
	}
}

func (e *ScopedTaskExecutor) eraseAndNotifyLocked(id uint64) {
	delete(e.handles, id)
	if e.inShutdown && len(e.handles) == 0 {
		e.cond.Broadcast()
	}
}
