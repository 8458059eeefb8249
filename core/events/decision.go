package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/kizunadb/kizunadb/core/transaction"
)

// DecisionEvent is the wire schema for one resolved transaction as seen by
// downstream consumers of the decision stream.
type DecisionEvent struct {
	EventID         string                      `json:"event_id"`
	SessionID       transaction.SessionID       `json:"session_id"`
	TxnNumber       transaction.TxnNumber       `json:"txn_number"`
	Decision        transaction.DecisionKind    `json:"decision"`
	CommitTimestamp *transaction.Timestamp      `json:"commit_timestamp,omitempty"`
	AbortReason     string                      `json:"abort_reason,omitempty"`
	Participants    transaction.ParticipantList `json:"participants,omitempty"`
	DecidedAt       time.Time                   `json:"decided_at"`
}

// PublishDecision satisfies the coordinator's publisher contract. The
// decision is wrapped in a DecisionEvent and enqueued without blocking the
// caller when possible; a full queue falls back to a blocking enqueue so
// decisions are only lost when the sender is closing.
func (s *Sender) PublishDecision(lsid transaction.SessionID, txn transaction.TxnNumber, decision transaction.Decision, participants transaction.ParticipantList) {
	ev := DecisionEvent{
		EventID:         uuid.NewString(),
		SessionID:       lsid,
		TxnNumber:       txn,
		Decision:        decision.Kind,
		CommitTimestamp: decision.CommitTimestamp,
		AbortReason:     decision.AbortReason,
		Participants:    participants,
		DecidedAt:       time.Now().UTC(),
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		s.cfg.Logger.Errorf("marshal decision event for %s: %v", transaction.TxnIDString(lsid, txn), err)
		return
	}
	if s.TrySend(payload) {
		return
	}
	if err := s.Send(payload); err != nil {
		s.cfg.Logger.Warnf("dropping decision event for %s: %v", transaction.TxnIDString(lsid, txn), err)
	}
}
