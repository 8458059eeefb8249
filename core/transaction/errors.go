package transaction

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
)

// --- Error Definitions ---

var (
	// Lifecycle errors raised by the coordination machinery.
	ErrShutdownInProgress   = errors.New("shutdown already in progress")
	ErrSteppingDown         = errors.New("transaction coordinator stepping down")
	ErrReachedAbortDecision = errors.New("transaction coordinator reached abort decision")
	ErrCoordinatorCanceled  = errors.New("transaction coordinator canceled before commit started")
	ErrCallbackCanceled     = errors.New("callback canceled")

	// Targeting and transport errors.
	ErrShardNotFound   = errors.New("shard not found in topology")
	ErrHostUnreachable = errors.New("host unreachable")

	// Participant-side transaction errors. These travel back to the
	// coordinator through CommandResponse codes.
	ErrNoSuchTransaction = errors.New("no such transaction")
	ErrTransactionTooOld = errors.New("transaction number is too old for this session")
	ErrKeyLocked         = errors.New("key is currently locked by another transaction")
	ErrPrepareFailed     = errors.New("prepare phase failed for transaction")
	ErrAlreadyPrepared   = errors.New("transaction is prepared and its write set is frozen")
	ErrWrongShard        = errors.New("key is not owned by this shard")
	ErrKeyNotFound       = errors.New("key not found")
)

// ErrorCode is the machine-readable error class carried in a
// CommandResponse, so the coordinator can classify a participant failure
// without string matching.
type ErrorCode string

const (
	CodeNone              ErrorCode = ""
	CodeNoSuchTransaction ErrorCode = "no_such_transaction"
	CodeTransactionTooOld ErrorCode = "transaction_too_old"
	CodeKeyLocked         ErrorCode = "key_locked"
	CodePrepareFailed     ErrorCode = "prepare_failed"
	CodeAlreadyPrepared   ErrorCode = "already_prepared"
	CodeWrongShard        ErrorCode = "wrong_shard"
	CodeShardNotFound     ErrorCode = "shard_not_found"
	CodeKeyNotFound       ErrorCode = "key_not_found"
	CodeInternal          ErrorCode = "internal"
)

var codeToErr = map[ErrorCode]error{
	CodeNoSuchTransaction: ErrNoSuchTransaction,
	CodeTransactionTooOld: ErrTransactionTooOld,
	CodeKeyLocked:         ErrKeyLocked,
	CodePrepareFailed:     ErrPrepareFailed,
	CodeAlreadyPrepared:   ErrAlreadyPrepared,
	CodeWrongShard:        ErrWrongShard,
	CodeShardNotFound:     ErrShardNotFound,
	CodeKeyNotFound:       ErrKeyNotFound,
}

// CodeForError maps a participant error onto its wire code.
func CodeForError(err error) ErrorCode {
	switch {
	case err == nil:
		return CodeNone
	case errors.Is(err, ErrNoSuchTransaction):
		return CodeNoSuchTransaction
	case errors.Is(err, ErrTransactionTooOld):
		return CodeTransactionTooOld
	case errors.Is(err, ErrKeyLocked):
		return CodeKeyLocked
	case errors.Is(err, ErrPrepareFailed):
		return CodePrepareFailed
	case errors.Is(err, ErrAlreadyPrepared):
		return CodeAlreadyPrepared
	case errors.Is(err, ErrWrongShard):
		return CodeWrongShard
	case errors.Is(err, ErrShardNotFound):
		return CodeShardNotFound
	case errors.Is(err, ErrKeyNotFound):
		return CodeKeyNotFound
	default:
		return CodeInternal
	}
}

// ErrorForCode reconstructs the sentinel for a wire code, so errors.Is works
// on the coordinator side of the connection.
func ErrorForCode(code ErrorCode) error {
	if err, ok := codeToErr[code]; ok {
		return err
	}
	return nil
}

// IsVoteAbortError reports whether a prepare failure means the participant
// can no longer commit, so the coordinator must treat it as an abort vote
// rather than retrying.
func IsVoteAbortError(err error) bool {
	return errors.Is(err, ErrNoSuchTransaction) ||
		errors.Is(err, ErrTransactionTooOld) ||
		errors.Is(err, ErrKeyLocked) ||
		errors.Is(err, ErrPrepareFailed)
}

// IsRetryableRemoteError reports whether a remote command failure is
// transient at the transport level: the request may never have reached the
// participant, so resending it is safe and required.
func IsRetryableRemoteError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrHostUnreachable) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

// IsShutdownError reports whether err is one of the cooperative-cancellation
// reasons, as opposed to a genuine command failure.
func IsShutdownError(err error) bool {
	return errors.Is(err, ErrShutdownInProgress) ||
		errors.Is(err, ErrSteppingDown) ||
		errors.Is(err, ErrReachedAbortDecision) ||
		errors.Is(err, ErrCoordinatorCanceled) ||
		errors.Is(err, ErrCallbackCanceled) ||
		errors.Is(err, context.Canceled)
}
