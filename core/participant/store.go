// Package participant implements the shard side of two-phase commit: an
// in-memory keyed store with per-key transaction locks, prepared-state
// tracking, and the command service the coordinator talks to.
package participant

import (
	"fmt"
	"sync"

	"github.com/kizunadb/kizunadb/core/transaction"
	"github.com/kizunadb/kizunadb/internal/clock"
	"go.uber.org/zap"
)

// Operation command verbs accepted in prepare write sets.
const (
	OpPut    = "PUT"
	OpDelete = "DELETE"
)

type txnKey struct {
	lsid transaction.SessionID
	txn  transaction.TxnNumber
}

func (k txnKey) String() string { return transaction.TxnIDString(k.lsid, k.txn) }

// preparedTxn is a write set holding its key locks while the coordinator
// gathers votes.
type preparedTxn struct {
	ops       []transaction.Operation
	prepareTS transaction.Timestamp
}

// Store is the participant's keyed value store. Committed state lives in
// data. A client transaction stages its writes here first, one Stage call
// per operation; Prepare freezes the staged set into a prepared write set
// that holds per-key locks until the coordinator's decision arrives. Reads
// never see staged or prepared writes.
type Store struct {
	shard transaction.ShardID
	clk   clock.Clock
	log   *zap.Logger

	mu        sync.Mutex
	data      map[string]string
	staged    map[txnKey][]transaction.Operation
	locks     map[string]txnKey
	prepared  map[txnKey]*preparedTxn
	completed map[txnKey]transaction.TransactionState
	latestTxn map[transaction.SessionID]transaction.TxnNumber
	lastTS    transaction.Timestamp
}

func NewStore(shard transaction.ShardID, clk clock.Clock, log *zap.Logger) *Store {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		shard:     shard,
		clk:       clk,
		log:       log.With(zap.String("shard", string(shard))),
		data:      make(map[string]string),
		staged:    make(map[txnKey][]transaction.Operation),
		locks:     make(map[string]txnKey),
		prepared:  make(map[txnKey]*preparedTxn),
		completed: make(map[txnKey]transaction.TransactionState),
		latestTxn: make(map[transaction.SessionID]transaction.TxnNumber),
	}
}

// Stage queues one write under an open transaction. Staged operations live
// outside the committed state and take no locks; Prepare turns them into
// the write set this shard votes on. Staging is refused once the
// transaction is prepared or decided.
func (s *Store) Stage(lsid transaction.SessionID, txn transaction.TxnNumber, op transaction.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := validateOp(op); err != nil {
		return err
	}
	key := txnKey{lsid, txn}
	if latest, ok := s.latestTxn[lsid]; ok && txn < latest {
		return fmt.Errorf("%w: %d, session has seen %d", transaction.ErrTransactionTooOld, txn, latest)
	}
	if _, ok := s.prepared[key]; ok {
		return fmt.Errorf("%w: %s", transaction.ErrAlreadyPrepared, key)
	}
	if state, ok := s.completed[key]; ok {
		return fmt.Errorf("%w: %s already %s", transaction.ErrNoSuchTransaction, key, state)
	}

	s.staged[key] = append(s.staged[key], op)
	return nil
}

// Prepare freezes a write set, locks its keys, and issues the prepare
// timestamp this shard votes with. An empty ops argument adopts whatever
// the transaction staged earlier, which is how the coordinator's op-less
// prepare picks up the client's writes. A repeated prepare of the same
// transaction returns the original timestamp.
func (s *Store) Prepare(lsid transaction.SessionID, txn transaction.TxnNumber, ops []transaction.Operation) (transaction.Timestamp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := txnKey{lsid, txn}
	if latest, ok := s.latestTxn[lsid]; ok && txn < latest {
		return transaction.Timestamp{}, fmt.Errorf("%w: %d, session has seen %d", transaction.ErrTransactionTooOld, txn, latest)
	}
	if p, ok := s.prepared[key]; ok {
		return p.prepareTS, nil
	}
	if state, ok := s.completed[key]; ok {
		return transaction.Timestamp{}, fmt.Errorf("%w: %s already %s", transaction.ErrNoSuchTransaction, key, state)
	}
	if len(ops) == 0 {
		ops = s.staged[key]
	}

	for _, op := range ops {
		if err := validateOp(op); err != nil {
			return transaction.Timestamp{}, err
		}
	}
	for _, op := range ops {
		if holder, locked := s.locks[op.Key]; locked && holder != key {
			return transaction.Timestamp{}, fmt.Errorf("%w: %q held by %s", transaction.ErrKeyLocked, op.Key, holder)
		}
	}

	for _, op := range ops {
		s.locks[op.Key] = key
	}
	ts := s.nextPrepareTimestampLocked()
	s.prepared[key] = &preparedTxn{ops: ops, prepareTS: ts}
	delete(s.staged, key)
	if txn > s.latestTxn[lsid] {
		s.latestTxn[lsid] = txn
	}
	// A newer transaction on the session retires staged leftovers from
	// abandoned older ones.
	for k := range s.staged {
		if k.lsid == lsid && k.txn < txn {
			delete(s.staged, k)
		}
	}

	s.log.Info("Transaction prepared",
		zap.String("txn", key.String()),
		zap.Stringer("prepare_ts", ts),
		zap.Int("writes", len(ops)))
	return ts, nil
}

// Commit applies the staged write set at the coordinator's commit
// timestamp and releases the locks. Committing an already committed
// transaction is a no-op so delivery retries are safe.
func (s *Store) Commit(lsid transaction.SessionID, txn transaction.TxnNumber, commitTS transaction.Timestamp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := txnKey{lsid, txn}
	p, ok := s.prepared[key]
	if !ok {
		if s.completed[key] == transaction.TxnStateCommitted {
			return nil
		}
		return fmt.Errorf("%w: %s was never prepared here", transaction.ErrNoSuchTransaction, key)
	}

	for _, op := range p.ops {
		switch op.Command {
		case OpPut:
			s.data[op.Key] = op.Value
		case OpDelete:
			delete(s.data, op.Key)
		}
	}
	s.releaseLocksLocked(key, p.ops)
	delete(s.prepared, key)
	s.completed[key] = transaction.TxnStateCommitted
	// Keep the timestamp source ahead of anything applied.
	if s.lastTS.Less(commitTS) {
		s.lastTS = commitTS
	}

	s.log.Info("Transaction committed",
		zap.String("txn", key.String()),
		zap.Stringer("commit_ts", commitTS),
		zap.Int("writes", len(p.ops)))
	return nil
}

// Abort discards the transaction's write set, staged or prepared, and
// releases any locks. Aborting an unknown transaction reports
// ErrNoSuchTransaction; repeating an abort is a no-op.
func (s *Store) Abort(lsid transaction.SessionID, txn transaction.TxnNumber) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := txnKey{lsid, txn}
	p, ok := s.prepared[key]
	if !ok {
		if _, wasStaged := s.staged[key]; wasStaged {
			delete(s.staged, key)
			s.completed[key] = transaction.TxnStateAborted
			s.log.Info("Transaction aborted before prepare", zap.String("txn", key.String()))
			return nil
		}
		if s.completed[key] == transaction.TxnStateAborted {
			return nil
		}
		return fmt.Errorf("%w: %s was never prepared here", transaction.ErrNoSuchTransaction, key)
	}

	s.releaseLocksLocked(key, p.ops)
	delete(s.prepared, key)
	s.completed[key] = transaction.TxnStateAborted

	s.log.Info("Transaction aborted", zap.String("txn", key.String()))
	return nil
}

// Get returns the committed value for a key. Staged writes are invisible.
func (s *Store) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

// Put writes a key outside any transaction. Keys locked by a prepared
// transaction refuse the write until the decision lands.
func (s *Store) Put(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if holder, locked := s.locks[key]; locked {
		return fmt.Errorf("%w: %q held by %s", transaction.ErrKeyLocked, key, holder)
	}
	s.data[key] = value
	return nil
}

// Delete removes a key outside any transaction, subject to the same lock
// rule as Put.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if holder, locked := s.locks[key]; locked {
		return fmt.Errorf("%w: %q held by %s", transaction.ErrKeyLocked, key, holder)
	}
	if _, ok := s.data[key]; !ok {
		return fmt.Errorf("%w: %q", transaction.ErrKeyNotFound, key)
	}
	delete(s.data, key)
	return nil
}

// Len reports the number of committed keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// PreparedCount reports how many transactions are holding locks.
func (s *Store) PreparedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prepared)
}

// StagedCount reports how many transactions have writes queued but not yet
// prepared.
func (s *Store) StagedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.staged)
}

func validateOp(op transaction.Operation) error {
	if op.Key == "" {
		return fmt.Errorf("%w: operation with empty key", transaction.ErrPrepareFailed)
	}
	if op.Command != OpPut && op.Command != OpDelete {
		return fmt.Errorf("%w: unknown operation %q", transaction.ErrPrepareFailed, op.Command)
	}
	return nil
}

func (s *Store) releaseLocksLocked(key txnKey, ops []transaction.Operation) {
	for _, op := range ops {
		if s.locks[op.Key] == key {
			delete(s.locks, op.Key)
		}
	}
}

// nextPrepareTimestampLocked issues a timestamp strictly greater than any
// issued or applied before it: the wall second advances when it can, the
// logical counter breaks ties when it cannot.
func (s *Store) nextPrepareTimestampLocked() transaction.Timestamp {
	now := s.clk.Now().Unix()
	if now > s.lastTS.WallTime {
		s.lastTS = transaction.Timestamp{WallTime: now, Logical: 1}
	} else {
		s.lastTS.Logical++
	}
	return s.lastTS
}
