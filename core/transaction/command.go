package transaction

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// The shard command protocol is newline-delimited JSON over TCP: one
// CommandRequest per line in, one CommandResponse per line out. The same
// envelope is used by the in-process dispatch path, so a colocated
// coordinator and participant exchange exactly what remote ones do.

// CommandKind names one shard command.
type CommandKind string

const (
	// Two-phase commit commands issued by the coordinator.
	CmdPrepareTransaction CommandKind = "prepare_transaction"
	CmdCommitTransaction  CommandKind = "commit_transaction"
	CmdAbortTransaction   CommandKind = "abort_transaction"

	// Commands clients send to the coordinator node. CoordinateCommit
	// starts two-phase commit across the request's participant list and
	// replies with the decision; RecoverDecision re-asks for the decision
	// of a transaction whose first commit reply was lost.
	CmdCoordinateCommit CommandKind = "coordinate_commit"
	CmdRecoverDecision  CommandKind = "recover_decision"

	// Data commands issued by clients.
	CmdPut    CommandKind = "put"
	CmdGet    CommandKind = "get"
	CmdDelete CommandKind = "delete"
)

// CommandRequest is the request envelope. Fields beyond Kind are populated
// per command: transaction commands carry the session/number pair, prepare
// additionally carries the write set, commit carries the commit timestamp,
// and data commands carry Key/Value.
type CommandRequest struct {
	Kind            CommandKind     `json:"kind"`
	SessionID       SessionID       `json:"session_id,omitempty"`
	TxnNumber       TxnNumber       `json:"txn_number,omitempty"`
	Operations      []Operation     `json:"operations,omitempty"`
	Participants    ParticipantList `json:"participants,omitempty"`
	CommitTimestamp *Timestamp      `json:"commit_timestamp,omitempty"`
	Key             string          `json:"key,omitempty"`
	Value           string          `json:"value,omitempty"`
}

// ResponseStatus is the application-level outcome of a command.
type ResponseStatus string

const (
	StatusOK         ResponseStatus = "ok"
	StatusVoteCommit ResponseStatus = "vote_commit"
	StatusVoteAbort  ResponseStatus = "vote_abort"
	StatusCommitted  ResponseStatus = "committed"
	StatusAborted    ResponseStatus = "aborted"
	StatusError      ResponseStatus = "error"
	StatusRedirect   ResponseStatus = "redirect"
)

// CommandResponse is the reply envelope. PrepareTimestamp accompanies a
// vote_commit, CommitTimestamp a committed decision; Code and Error
// describe failures; RedirectTo names the owning shard when the request
// landed on the wrong one.
type CommandResponse struct {
	Status           ResponseStatus `json:"status"`
	Code             ErrorCode      `json:"code,omitempty"`
	Error            string         `json:"error,omitempty"`
	PrepareTimestamp *Timestamp     `json:"prepare_timestamp,omitempty"`
	CommitTimestamp  *Timestamp     `json:"commit_timestamp,omitempty"`
	Value            string         `json:"value,omitempty"`
	RedirectTo       ShardID        `json:"redirect_to,omitempty"`
}

// ErrorResponse wraps a participant error into the reply envelope.
func ErrorResponse(err error) CommandResponse {
	return CommandResponse{
		Status: StatusError,
		Code:   CodeForError(err),
		Error:  err.Error(),
	}
}

// Err converts a failure reply back into a Go error the coordinator can
// classify with errors.Is. Successful statuses and explicit votes return
// nil; votes are protocol outcomes, not errors.
func (r CommandResponse) Err() error {
	switch r.Status {
	case StatusError:
		if sentinel := ErrorForCode(r.Code); sentinel != nil {
			return fmt.Errorf("%w: %s", sentinel, r.Error)
		}
		return fmt.Errorf("command failed: %s", r.Error)
	case StatusRedirect:
		return fmt.Errorf("%w: owned by %s", ErrWrongShard, r.RedirectTo)
	default:
		return nil
	}
}

// WriteJSONLine marshals v and writes it as a single newline-terminated
// frame.
func WriteJSONLine(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// ReadJSONLine reads one newline-terminated frame into v.
func ReadJSONLine(r *bufio.Reader, v any) error {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return err
	}
	if err := json.Unmarshal(line, v); err != nil {
		return fmt.Errorf("failed to unmarshal frame: %w", err)
	}
	return nil
}
