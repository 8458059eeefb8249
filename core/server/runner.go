package server

import (
	"bufio"
	"context"
	"time"

	"github.com/kizunadb/kizunadb/core/transaction"
	"github.com/kizunadb/kizunadb/pkg/connection"
	"go.uber.org/zap"
)

// Runner sends command envelopes to remote shards over pooled TCP
// connections. It satisfies the scheduler's CommandRunner: one request
// line out, one response line back, bounded by the context deadline.
type Runner struct {
	pool *connection.Manager
	log  *zap.Logger
}

// NewRunner builds a runner with its own connection pool. maxPerShard
// caps open connections per remote address, dialTimeout bounds dials.
func NewRunner(maxPerShard int, dialTimeout time.Duration, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		pool: connection.NewManager(maxPerShard, dialTimeout),
		log:  log,
	}
}

// Run performs one request/response exchange with target. A write failure
// on the first attempt is retried once on a fresh connection, since a
// pooled connection may have been closed by the remote while idle. A read
// failure is never retried here: the request may already have executed,
// and only the caller knows whether the command is safe to repeat.
func (r *Runner) Run(ctx context.Context, target string, req transaction.CommandRequest) (transaction.CommandResponse, error) {
	resp, err, wrote := r.attempt(ctx, target, req)
	if err != nil && !wrote && ctx.Err() == nil {
		r.log.Debug("Retrying command on fresh connection",
			zap.String("target", target), zap.String("command", string(req.Kind)), zap.Error(err))
		resp, err, _ = r.attempt(ctx, target, req)
	}
	return resp, err
}

// attempt reports wrote=true once any part of the request may have
// reached the remote.
func (r *Runner) attempt(ctx context.Context, target string, req transaction.CommandRequest) (transaction.CommandResponse, error, bool) {
	conn, err := r.get(ctx, target)
	if err != nil {
		return transaction.CommandResponse{}, err, false
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			conn.Discard()
			return transaction.CommandResponse{}, err, false
		}
	}
	if err := transaction.WriteJSONLine(conn, req); err != nil {
		conn.Discard()
		return transaction.CommandResponse{}, err, false
	}
	var resp transaction.CommandResponse
	if err := transaction.ReadJSONLine(bufio.NewReader(conn), &resp); err != nil {
		conn.Discard()
		return transaction.CommandResponse{}, err, true
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		conn.Discard()
		return resp, nil, true
	}
	conn.Close()
	return resp, nil, true
}

// get bounds the pool checkout by ctx. Get blocks when a shard is at its
// connection cap, and a command must not outlive its deadline waiting for
// a slot.
func (r *Runner) get(ctx context.Context, target string) (*connection.PooledConn, error) {
	type result struct {
		conn *connection.PooledConn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := r.pool.Get(target)
		ch <- result{conn, err}
	}()
	select {
	case res := <-ch:
		return res.conn, res.err
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// Close shuts the connection pool down. In-flight exchanges fail on their
// next read or write.
func (r *Runner) Close() {
	r.pool.Close()
}
