package coordinator

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kizunadb/kizunadb/core/transaction"
)

// ErrParticipantMismatch reports an upsert whose participant set disagrees
// with the record already on file for the same transaction. Only a caller
// bug can produce it, so the driver treats it as fatal.
var ErrParticipantMismatch = errors.New("coordinator record exists with a different participant set")

// Record is the durable footprint of one coordinator: who participates and,
// once reached, the decision. It is what step-up recovery replays.
type Record struct {
	SessionID    transaction.SessionID
	TxnNumber    transaction.TxnNumber
	Participants transaction.ParticipantList
	Decision     *transaction.Decision
	CreatedAt    time.Time
}

// TxnID returns the record's transaction identity for logs.
func (r Record) TxnID() string {
	return transaction.TxnIDString(r.SessionID, r.TxnNumber)
}

type recordKey struct {
	sessionID transaction.SessionID
	txnNumber transaction.TxnNumber
}

// Store keeps coordinator records for the node. It stands in for a
// replicated coordinators collection: records written here outlive
// individual coordinator objects and step-down/step-up cycles within the
// process, which is what makes decision recovery work.
type Store struct {
	mu   sync.RWMutex
	recs map[recordKey]*Record
}

func NewStore() *Store {
	return &Store{recs: make(map[recordKey]*Record)}
}

// Upsert writes the participant list record for a transaction. Re-writing
// the same list is a no-op so persist retries and recovery replays are
// safe; a different list for the same key fails with
// ErrParticipantMismatch.
func (s *Store) Upsert(lsid transaction.SessionID, txn transaction.TxnNumber, participants transaction.ParticipantList) error {
	if err := participants.Validate(); err != nil {
		return fmt.Errorf("invalid participant list for %s: %w", transaction.TxnIDString(lsid, txn), err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := recordKey{lsid, txn}
	if existing, ok := s.recs[key]; ok {
		if !existing.Participants.Equal(participants) {
			return fmt.Errorf("%w: %s", ErrParticipantMismatch, transaction.TxnIDString(lsid, txn))
		}
		return nil
	}
	s.recs[key] = &Record{
		SessionID:    lsid,
		TxnNumber:    txn,
		Participants: append(transaction.ParticipantList(nil), participants...),
		CreatedAt:    time.Now(),
	}
	return nil
}

// WriteDecision stamps the decision onto an existing record. The record
// must exist: decisions are only ever written after the participant list.
// Re-writing the same decision kind is a no-op for retries.
func (s *Store) WriteDecision(lsid transaction.SessionID, txn transaction.TxnNumber, decision transaction.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[recordKey{lsid, txn}]
	if !ok {
		return fmt.Errorf("no coordinator record for %s", transaction.TxnIDString(lsid, txn))
	}
	if rec.Decision != nil && rec.Decision.Kind != decision.Kind {
		return fmt.Errorf("record for %s already decided %s", transaction.TxnIDString(lsid, txn), rec.Decision.Kind)
	}
	d := decision
	rec.Decision = &d
	return nil
}

// Delete removes a record. Deleting an absent record is a no-op so the
// final cleanup step can be retried.
func (s *Store) Delete(lsid transaction.SessionID, txn transaction.TxnNumber) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recs, recordKey{lsid, txn})
	return nil
}

// Get returns a copy of the record for the key, if present.
func (s *Store) Get(lsid transaction.SessionID, txn transaction.TxnNumber) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[recordKey{lsid, txn}]
	if !ok {
		return Record{}, false
	}
	return copyRecord(rec), true
}

// All returns a snapshot of every record, ordered by session then
// transaction number so recovery replays deterministically.
func (s *Store) All() []Record {
	s.mu.RLock()
	out := make([]Record, 0, len(s.recs))
	for _, rec := range s.recs {
		out = append(out, copyRecord(rec))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].SessionID != out[j].SessionID {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].TxnNumber < out[j].TxnNumber
	})
	return out
}

// Count reports how many records are on file.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.recs)
}

func copyRecord(rec *Record) Record {
	out := *rec
	out.Participants = append(transaction.ParticipantList(nil), rec.Participants...)
	if rec.Decision != nil {
		d := *rec.Decision
		out.Decision = &d
	}
	return out
}
