// Package transaction holds the domain types shared by the two-phase commit
// coordinator, the participant shards, and the wire protocol between them.
package transaction

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// SessionID identifies one logical client session. Values are UUIDs in string
// form so they travel through JSON envelopes unchanged.
type SessionID string

// NewSessionID returns a fresh random session identifier.
func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

// TxnNumber is the monotonically increasing transaction counter within a
// session. Together with the SessionID it names one transaction attempt.
type TxnNumber int64

// ShardID is the logical identifier of a participant shard. The topology
// registry resolves it to a network address.
type ShardID string

// TxnIDString renders the compound transaction key the way it appears in
// logs and coordinator records.
func TxnIDString(lsid SessionID, txnNumber TxnNumber) string {
	return fmt.Sprintf("%s:%d", lsid, txnNumber)
}

// Timestamp is a cluster-logical point in time: a wall-clock second paired
// with a logical counter that orders events within the same second.
// Participants issue one when they prepare; the coordinator commits at the
// maximum prepare timestamp across all participants.
type Timestamp struct {
	WallTime int64  `json:"wall_time"`
	Logical  uint32 `json:"logical"`
}

// IsZero reports whether t is the unset timestamp.
func (t Timestamp) IsZero() bool {
	return t.WallTime == 0 && t.Logical == 0
}

// Less reports whether t orders strictly before o.
func (t Timestamp) Less(o Timestamp) bool {
	if t.WallTime != o.WallTime {
		return t.WallTime < o.WallTime
	}
	return t.Logical < o.Logical
}

func (t Timestamp) String() string {
	return fmt.Sprintf("%d.%d", t.WallTime, t.Logical)
}

// MaxTimestamp returns the later of a and b.
func MaxTimestamp(a, b Timestamp) Timestamp {
	if a.Less(b) {
		return b
	}
	return a
}

// DecisionKind is the outcome of the vote phase.
type DecisionKind string

const (
	DecisionCommit DecisionKind = "commit"
	DecisionAbort  DecisionKind = "abort"
)

// Decision is the coordinator's resolved outcome for one transaction.
// CommitTimestamp is set only for commit decisions; AbortReason only for
// abort decisions.
type Decision struct {
	Kind            DecisionKind `json:"kind"`
	CommitTimestamp *Timestamp   `json:"commit_timestamp,omitempty"`
	AbortReason     string       `json:"abort_reason,omitempty"`
}

// CommitDecision builds a commit decision at the given timestamp.
func CommitDecision(ts Timestamp) Decision {
	return Decision{Kind: DecisionCommit, CommitTimestamp: &ts}
}

// AbortDecision builds an abort decision carrying the reason shown to
// recovering participants.
func AbortDecision(reason string) Decision {
	return Decision{Kind: DecisionAbort, AbortReason: reason}
}

// ParticipantList is the set of shards taking part in one transaction.
type ParticipantList []ShardID

// Validate rejects empty lists and duplicate shards. A duplicate would make
// the coordinator double-count that shard's vote.
func (p ParticipantList) Validate() error {
	if len(p) == 0 {
		return fmt.Errorf("participant list must not be empty")
	}
	seen := make(map[ShardID]struct{}, len(p))
	for _, shard := range p {
		if _, dup := seen[shard]; dup {
			return fmt.Errorf("participant list names shard %q twice", shard)
		}
		seen[shard] = struct{}{}
	}
	return nil
}

// Contains reports whether shard is in the list.
func (p ParticipantList) Contains(shard ShardID) bool {
	for _, s := range p {
		if s == shard {
			return true
		}
	}
	return false
}

// Sorted returns a sorted copy, used to compare participant lists across
// coordinator records regardless of arrival order.
func (p ParticipantList) Sorted() ParticipantList {
	out := make(ParticipantList, len(p))
	copy(out, p)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Equal reports whether p and o name the same shards, order-insensitive.
func (p ParticipantList) Equal(o ParticipantList) bool {
	if len(p) != len(o) {
		return false
	}
	a, b := p.Sorted(), o.Sorted()
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// TransactionState represents the in-memory state of a transaction on a participant.
type TransactionState int

const (
	TxnStateRunning   TransactionState = iota // Transaction is active, operations are being applied
	TxnStatePrepared                          // Participant has voted COMMIT and is waiting for the global decision
	TxnStateCommitted                         // Participant has received the COMMIT decision
	TxnStateAborted                           // Participant has received the ABORT decision or aborted locally
)

func (s TransactionState) String() string {
	switch s {
	case TxnStateRunning:
		return "running"
	case TxnStatePrepared:
		return "prepared"
	case TxnStateCommitted:
		return "committed"
	case TxnStateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Operation represents a single write within a distributed transaction on a
// participant. Command is PUT or DELETE.
type Operation struct {
	Command string `json:"command"`
	Key     string `json:"key"`
	Value   string `json:"value,omitempty"`
}
