package participant

import (
	"context"
	"fmt"

	"github.com/kizunadb/kizunadb/core/transaction"
	"go.uber.org/zap"
)

// Router answers which node owns a key's slot. The topology FSM satisfies
// it; a nil router means this shard serves every key it is asked about.
type Router interface {
	NodeForKey(keyspace, key string) (string, bool)
}

// ServiceConfig wires a command service to its store and, optionally, the
// shard map for ownership checks.
type ServiceConfig struct {
	ShardID  transaction.ShardID
	Keyspace string
	Store    *Store
	Router   Router
	Logger   *zap.Logger
}

// Service maps command envelopes onto the participant store. It serves
// both the in-process dispatch path of a colocated coordinator and the
// TCP listener, so the two see identical semantics.
type Service struct {
	shard    transaction.ShardID
	keyspace string
	store    *Store
	router   Router
	log      *zap.Logger
}

func NewService(cfg ServiceConfig) *Service {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		shard:    cfg.ShardID,
		keyspace: cfg.Keyspace,
		store:    cfg.Store,
		router:   cfg.Router,
		log:      log.With(zap.String("shard", string(cfg.ShardID))),
	}
}

// Handle executes one command and shapes the reply envelope. Put and
// delete requests carrying a session stage under that transaction instead
// of applying immediately; gets always read committed state.
func (s *Service) Handle(_ context.Context, req transaction.CommandRequest) transaction.CommandResponse {
	switch req.Kind {
	case transaction.CmdPrepareTransaction:
		return s.handlePrepare(req)
	case transaction.CmdCommitTransaction:
		return s.handleCommit(req)
	case transaction.CmdAbortTransaction:
		return s.handleAbort(req)
	case transaction.CmdPut:
		return s.handleData(req, OpPut)
	case transaction.CmdDelete:
		return s.handleData(req, OpDelete)
	case transaction.CmdGet:
		return s.handleGet(req)
	default:
		return transaction.ErrorResponse(fmt.Errorf("unsupported command %q", req.Kind))
	}
}

func (s *Service) handlePrepare(req transaction.CommandRequest) transaction.CommandResponse {
	// A write set routed to the wrong shard can never commit here, so the
	// answer is an abort vote, not a redirect.
	for _, op := range req.Operations {
		if owner, ok := s.owner(op.Key); ok && owner != s.shard {
			s.log.Warn("Prepare carries a foreign key",
				zap.String("txn", transaction.TxnIDString(req.SessionID, req.TxnNumber)),
				zap.String("key", op.Key),
				zap.String("owner", string(owner)))
			return transaction.CommandResponse{
				Status: transaction.StatusVoteAbort,
				Code:   transaction.CodeWrongShard,
				Error:  fmt.Sprintf("key %q is owned by shard %s", op.Key, owner),
			}
		}
	}

	ts, err := s.store.Prepare(req.SessionID, req.TxnNumber, req.Operations)
	if err != nil {
		return transaction.CommandResponse{
			Status: transaction.StatusVoteAbort,
			Code:   transaction.CodeForError(err),
			Error:  err.Error(),
		}
	}
	return transaction.CommandResponse{
		Status:           transaction.StatusVoteCommit,
		PrepareTimestamp: &ts,
	}
}

func (s *Service) handleCommit(req transaction.CommandRequest) transaction.CommandResponse {
	if req.CommitTimestamp == nil {
		return transaction.ErrorResponse(fmt.Errorf("commit for %s carries no timestamp",
			transaction.TxnIDString(req.SessionID, req.TxnNumber)))
	}
	if err := s.store.Commit(req.SessionID, req.TxnNumber, *req.CommitTimestamp); err != nil {
		return transaction.ErrorResponse(err)
	}
	return transaction.CommandResponse{Status: transaction.StatusCommitted}
}

func (s *Service) handleAbort(req transaction.CommandRequest) transaction.CommandResponse {
	if err := s.store.Abort(req.SessionID, req.TxnNumber); err != nil {
		return transaction.ErrorResponse(err)
	}
	return transaction.CommandResponse{Status: transaction.StatusAborted}
}

func (s *Service) handleData(req transaction.CommandRequest, verb string) transaction.CommandResponse {
	if resp, redirected := s.redirect(req.Key); redirected {
		return resp
	}
	if req.SessionID != "" {
		op := transaction.Operation{Command: verb, Key: req.Key, Value: req.Value}
		if err := s.store.Stage(req.SessionID, req.TxnNumber, op); err != nil {
			return transaction.ErrorResponse(err)
		}
		return transaction.CommandResponse{Status: transaction.StatusOK}
	}
	var err error
	switch verb {
	case OpPut:
		err = s.store.Put(req.Key, req.Value)
	case OpDelete:
		err = s.store.Delete(req.Key)
	}
	if err != nil {
		return transaction.ErrorResponse(err)
	}
	return transaction.CommandResponse{Status: transaction.StatusOK}
}

func (s *Service) handleGet(req transaction.CommandRequest) transaction.CommandResponse {
	if resp, redirected := s.redirect(req.Key); redirected {
		return resp
	}
	v, ok := s.store.Get(req.Key)
	if !ok {
		return transaction.ErrorResponse(fmt.Errorf("%w: %q", transaction.ErrKeyNotFound, req.Key))
	}
	return transaction.CommandResponse{Status: transaction.StatusOK, Value: v}
}

// owner reports the shard owning a key's slot, when the shard map has an
// answer.
func (s *Service) owner(key string) (transaction.ShardID, bool) {
	if s.router == nil {
		return "", false
	}
	node, ok := s.router.NodeForKey(s.keyspace, key)
	if !ok {
		return "", false
	}
	return transaction.ShardID(node), true
}

func (s *Service) redirect(key string) (transaction.CommandResponse, bool) {
	owner, ok := s.owner(key)
	if !ok || owner == s.shard {
		return transaction.CommandResponse{}, false
	}
	return transaction.CommandResponse{
		Status:     transaction.StatusRedirect,
		RedirectTo: owner,
	}, true
}
