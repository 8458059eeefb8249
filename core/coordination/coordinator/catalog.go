package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kizunadb/kizunadb/core/coordination/executor"
	"github.com/kizunadb/kizunadb/core/transaction"
	"go.uber.org/zap"
)

// Catalog is the in-memory registry of live coordinators, keyed by session
// and transaction number. After a step-up it holds registration and
// lookups back until recovery has replayed prior state; entries remove
// themselves when their coordinator's completion future settles.
type Catalog struct {
	log  *zap.Logger
	exec executor.TaskExecutor

	// stepUpDone is closed by ExitStepUp; stepUpErr is immutable once the
	// channel is closed.
	stepUpDone chan struct{}
	stepUpErr  error

	mu        sync.Mutex
	completed bool
	bySession map[transaction.SessionID]map[transaction.TxnNumber]Coordinator
	// drained is non-nil exactly while the catalog is non-empty; closing
	// it wakes Join waiters.
	drained chan struct{}
}

// NewCatalog builds a catalog gated on step-up. exec hosts the deferred
// entry removals so completion callbacks never reenter the catalog lock.
func NewCatalog(exec executor.TaskExecutor, log *zap.Logger) *Catalog {
	if log == nil {
		log = zap.NewNop()
	}
	return &Catalog{
		log:        log,
		exec:       exec,
		stepUpDone: make(chan struct{}),
		bySession:  make(map[transaction.SessionID]map[transaction.TxnNumber]Coordinator),
	}
}

// ExitStepUp records the outcome of step-up recovery and unblocks every
// gated caller. Success lets them proceed; a failure is what every present
// and future caller observes instead. Calling this twice is a caller bug.
func (c *Catalog) ExitStepUp(err error) {
	c.mu.Lock()
	if c.completed {
		c.mu.Unlock()
		panic("catalog step-up completion signaled twice")
	}
	c.completed = true
	c.stepUpErr = err
	c.mu.Unlock()
	close(c.stepUpDone)

	if err != nil {
		c.log.Error("Step-up recovery failed, coordinator registration disabled", zap.Error(err))
		return
	}
	c.log.Info("Step-up recovery complete, incoming commit coordinations are now enabled")
}

// WaitForStepUp blocks until ExitStepUp has run, then reports its outcome.
func (c *Catalog) WaitForStepUp(ctx context.Context) error {
	select {
	case <-c.stepUpDone:
		return c.stepUpErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Insert registers a coordinator under (lsid, txn). Unless the insert is
// part of step-up recovery itself, it first waits out the step-up gate.
// Inserting over a live entry is a caller bug: transaction numbers are
// single-writer per session. The entry deregisters itself when the
// coordinator's completion future settles.
func (c *Catalog) Insert(ctx context.Context, lsid transaction.SessionID, txn transaction.TxnNumber, tc Coordinator, forStepUp bool) error {
	if !forStepUp {
		if err := c.WaitForStepUp(ctx); err != nil {
			return err
		}
	}

	c.mu.Lock()
	inner := c.bySession[lsid]
	if inner == nil {
		inner = make(map[transaction.TxnNumber]Coordinator)
		c.bySession[lsid] = inner
	}
	if _, exists := inner[txn]; exists {
		c.mu.Unlock()
		panic(fmt.Sprintf("coordinator already registered for %s", transaction.TxnIDString(lsid, txn)))
	}
	inner[txn] = tc
	if c.drained == nil {
		c.drained = make(chan struct{})
	}
	c.mu.Unlock()

	// Subscribe with the lock released: the completion future may already
	// be settled and fire the callback inline.
	go c.removeOnCompletion(lsid, txn, tc)
	return nil
}

// Get returns the coordinator registered under the exact key, or nil.
func (c *Catalog) Get(ctx context.Context, lsid transaction.SessionID, txn transaction.TxnNumber) (Coordinator, error) {
	if err := c.WaitForStepUp(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bySession[lsid][txn], nil
}

// GetLatestOnSession returns the coordinator with the highest transaction
// number on the session, or nil if the session has none.
func (c *Catalog) GetLatestOnSession(ctx context.Context, lsid transaction.SessionID) (transaction.TxnNumber, Coordinator, error) {
	if err := c.WaitForStepUp(ctx); err != nil {
		return 0, nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var (
		latest transaction.TxnNumber
		found  Coordinator
	)
	for txn, tc := range c.bySession[lsid] {
		if found == nil || txn > latest {
			latest = txn
			found = tc
		}
	}
	return latest, found, nil
}

// OnStepDown asks every registered coordinator to cancel itself unless its
// commit is already underway. The snapshot is taken under the lock, the
// cancellations run outside it, since a cancellation can complete a
// coordinator and re-enter the catalog through its removal.
func (c *Catalog) OnStepDown() {
	c.mu.Lock()
	var coords []Coordinator
	for _, inner := range c.bySession {
		for _, tc := range inner {
			coords = append(coords, tc)
		}
	}
	c.mu.Unlock()

	c.log.Info("Canceling coordinators that have not started committing", zap.Int("registered", len(coords)))
	for _, tc := range coords {
		tc.CancelIfCommitNotYetStarted()
	}
}

// Join blocks until every coordinator has completed and deregistered,
// logging progress while it waits.
func (c *Catalog) Join(ctx context.Context) error {
	for {
		c.mu.Lock()
		if len(c.bySession) == 0 {
			c.mu.Unlock()
			return nil
		}
		sessions := len(c.bySession)
		ch := c.drained
		c.mu.Unlock()

		select {
		case <-ch:
		case <-time.After(5 * time.Second):
			c.log.Info("Waiting for in-progress transaction coordinators to complete",
				zap.Int("sessions", sessions))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Catalog) removeOnCompletion(lsid transaction.SessionID, txn transaction.TxnNumber, tc Coordinator) {
	tc.OnCompletion().Get(context.Background())

	remove := func(executor.CallbackArgs) { c.remove(lsid, txn) }
	if _, err := c.exec.Schedule(remove); err != nil {
		// Executor already torn down; removal still must happen or Join
		// never returns.
		c.remove(lsid, txn)
	}
}

func (c *Catalog) remove(lsid transaction.SessionID, txn transaction.TxnNumber) {
	c.mu.Lock()
	inner := c.bySession[lsid]
	if _, ok := inner[txn]; !ok {
		c.mu.Unlock()
		return
	}
	delete(inner, txn)
	if len(inner) == 0 {
		delete(c.bySession, lsid)
	}
	var woke bool
	if len(c.bySession) == 0 && c.drained != nil {
		close(c.drained)
		c.drained = nil
		woke = true
	}
	c.mu.Unlock()

	c.log.Debug("Coordinator deregistered",
		zap.String("txn", transaction.TxnIDString(lsid, txn)),
		zap.Bool("catalog_empty", woke))
}
