package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/kizunadb/kizunadb/core/participant"
	"github.com/kizunadb/kizunadb/core/topology"
	"github.com/kizunadb/kizunadb/core/transaction"
	"github.com/kizunadb/kizunadb/internal/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// --- Test Helpers ---

// scriptedHandler records every request and answers with a canned reply.
// A non-nil block channel holds Handle until the channel closes or the
// request context is canceled.
type scriptedHandler struct {
	mu    sync.Mutex
	calls []transaction.CommandRequest
	reply func(req transaction.CommandRequest) transaction.CommandResponse
	block chan struct{}
}

func (h *scriptedHandler) Handle(ctx context.Context, req transaction.CommandRequest) transaction.CommandResponse {
	h.mu.Lock()
	h.calls = append(h.calls, req)
	h.mu.Unlock()
	if h.block != nil {
		select {
		case <-h.block:
		case <-ctx.Done():
			return transaction.ErrorResponse(ctx.Err())
		}
	}
	if h.reply != nil {
		return h.reply(req)
	}
	return transaction.CommandResponse{Status: transaction.StatusOK, Value: req.Key}
}

func (h *scriptedHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

func startListener(t *testing.T, h Handler) *Listener {
	t.Helper()
	l, err := NewListener(ListenerConfig{Addr: "127.0.0.1:0", Handler: h, Logger: zap.NewNop()})
	require.NoError(t, err)
	require.NoError(t, l.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		l.Close(ctx)
	})
	return l
}

func dialListener(t *testing.T, l *Listener) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", l.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func exchange(t *testing.T, conn net.Conn, reader *bufio.Reader, req transaction.CommandRequest) transaction.CommandResponse {
	t.Helper()
	require.NoError(t, transaction.WriteJSONLine(conn, req))
	var resp transaction.CommandResponse
	require.NoError(t, transaction.ReadJSONLine(reader, &resp))
	return resp
}

// --- Test Cases ---

// TestListener_ServesCommandsOverOneConnection verifies that a single
// connection carries multiple request/response exchanges in order.
func TestListener_ServesCommandsOverOneConnection(t *testing.T) {
	handler := &scriptedHandler{}
	l := startListener(t, handler)

	conn := dialListener(t, l)
	reader := bufio.NewReader(conn)

	first := exchange(t, conn, reader, transaction.CommandRequest{Kind: transaction.CmdGet, Key: "alpha"})
	require.Equal(t, transaction.StatusOK, first.Status)
	require.Equal(t, "alpha", first.Value)

	second := exchange(t, conn, reader, transaction.CommandRequest{Kind: transaction.CmdGet, Key: "beta"})
	require.Equal(t, "beta", second.Value)

	require.Equal(t, 2, handler.count())
}

// TestListener_BadFrameGetsErrorThenDrop verifies that a line that does
// not parse gets one error reply and then the connection is closed, since
// the newline framing cannot be trusted afterwards.
func TestListener_BadFrameGetsErrorThenDrop(t *testing.T) {
	handler := &scriptedHandler{}
	l := startListener(t, handler)

	conn := dialListener(t, l)
	reader := bufio.NewReader(conn)

	_, err := conn.Write([]byte("this is not json\n"))
	require.NoError(t, err)

	var resp transaction.CommandResponse
	require.NoError(t, transaction.ReadJSONLine(reader, &resp))
	require.Equal(t, transaction.StatusError, resp.Status)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var next transaction.CommandResponse
	require.Error(t, transaction.ReadJSONLine(reader, &next))
	require.Equal(t, 0, handler.count())
}

// TestListener_CloseDisconnectsClients verifies that Close severs open
// connections and that a second Close is a no-op.
func TestListener_CloseDisconnectsClients(t *testing.T) {
	handler := &scriptedHandler{}
	l := startListener(t, handler)

	conn := dialListener(t, l)
	reader := bufio.NewReader(conn)
	exchange(t, conn, reader, transaction.CommandRequest{Kind: transaction.CmdGet, Key: "k"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, l.Close(ctx))
	require.NoError(t, l.Close(ctx))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp transaction.CommandResponse
	require.Error(t, transaction.ReadJSONLine(reader, &resp))
}

// TestListener_CloseCancelsInFlightHandlers verifies that a handler
// blocked on its context is released when the listener shuts down, so
// Close does not hang behind slow requests.
func TestListener_CloseCancelsInFlightHandlers(t *testing.T) {
	handler := &scriptedHandler{block: make(chan struct{})}
	l := startListener(t, handler)

	conn := dialListener(t, l)
	require.NoError(t, transaction.WriteJSONLine(conn, transaction.CommandRequest{Kind: transaction.CmdGet, Key: "slow"}))
	require.Eventually(t, func() bool { return handler.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, l.Close(ctx))
}

// TestRunner_ExchangesOverPooledConnections verifies the basic remote
// exchange path, including reuse of the pool across sequential calls.
func TestRunner_ExchangesOverPooledConnections(t *testing.T) {
	handler := &scriptedHandler{}
	l := startListener(t, handler)

	runner := NewRunner(2, time.Second, zap.NewNop())
	defer runner.Close()

	for _, key := range []string{"one", "two", "three"} {
		resp, err := runner.Run(context.Background(), l.Addr(), transaction.CommandRequest{Kind: transaction.CmdGet, Key: key})
		require.NoError(t, err)
		require.Equal(t, transaction.StatusOK, resp.Status)
		require.Equal(t, key, resp.Value)
	}
	require.Equal(t, 3, handler.count())
}

// TestRunner_DeadlineBoundsExchange verifies that the context deadline
// becomes the connection deadline, and that a failed read is surfaced
// without a second attempt, since the command may already have executed.
func TestRunner_DeadlineBoundsExchange(t *testing.T) {
	handler := &scriptedHandler{block: make(chan struct{})}
	l := startListener(t, handler)

	runner := NewRunner(2, time.Second, zap.NewNop())
	defer runner.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := runner.Run(ctx, l.Addr(), transaction.CommandRequest{Kind: transaction.CmdGet, Key: "held"})
	require.Error(t, err)
	require.Less(t, time.Since(start), 2*time.Second)

	var netErr net.Error
	require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "expected a timeout, got %v", err)
	require.Equal(t, 1, handler.count())

	close(handler.block)
}

// TestRunner_CheckoutHonorsContext verifies that waiting for a pool slot
// gives up when the context expires instead of queueing forever.
func TestRunner_CheckoutHonorsContext(t *testing.T) {
	handler := &scriptedHandler{block: make(chan struct{})}
	l := startListener(t, handler)

	runner := NewRunner(1, time.Second, zap.NewNop())
	defer runner.Close()

	firstDone := make(chan error, 1)
	go func() {
		_, err := runner.Run(context.Background(), l.Addr(), transaction.CommandRequest{Kind: transaction.CmdGet, Key: "first"})
		firstDone <- err
	}()
	require.Eventually(t, func() bool { return handler.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := runner.Run(ctx, l.Addr(), transaction.CommandRequest{Kind: transaction.CmdGet, Key: "second"})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(handler.block)
	require.NoError(t, <-firstDone)
}

// TestAdmin_ShardServerEndpoints verifies the endpoint set a plain shard
// server exposes: health, a status report fed by the local store and
// route cache, and nothing cluster-scoped.
func TestAdmin_ShardServerEndpoints(t *testing.T) {
	store := participant.NewStore("node-2", clock.Real{}, zap.NewNop())
	require.NoError(t, store.Put("k1", "v1"))
	require.NoError(t, store.Stage("sess-1", 1, transaction.Operation{Command: participant.OpPut, Key: "k2", Value: "v2"}))

	router := topology.NewCachedRouter()
	router.Update(topology.RoutingSnapshot{
		Nodes:  map[string]string{"node-2": "127.0.0.1:9001"},
		Ranges: []topology.SlotRange{{Keyspace: "default", Start: 0, End: topology.TotalHashSlots, NodeID: "node-2"}},
	})

	admin := &Admin{Logger: zap.NewNop(), ShardID: "node-2", Store: store, Router: router}
	mux := http.NewServeMux()
	admin.RegisterHandlers(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	var status struct {
		ShardID       string `json:"shard_id"`
		Leader        bool   `json:"leader"`
		RoutingRanges int    `json:"routing_ranges"`
		Keys          int    `json:"keys"`
		Staged        int    `json:"staged_transactions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	require.Equal(t, "node-2", status.ShardID)
	require.False(t, status.Leader)
	require.Equal(t, 1, status.RoutingRanges)
	require.Equal(t, 1, status.Keys)
	require.Equal(t, 1, status.Staged)

	resp, err = http.Get(srv.URL + "/cluster/routing")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// TestAdmin_StepTransitions verifies the operator-forced coordinator
// transitions: POST only, and the step-up reply carries the new term.
func TestAdmin_StepTransitions(t *testing.T) {
	var stepUps, stepDowns int
	admin := &Admin{
		Logger:   zap.NewNop(),
		ShardID:  "node-1",
		StepUp:   func() uint64 { stepUps++; return 7 },
		StepDown: func() { stepDowns++ },
	}
	mux := http.NewServeMux()
	admin.RegisterHandlers(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/coordinator/step_up")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	require.Equal(t, 0, stepUps)

	resp, err = http.Post(srv.URL+"/coordinator/step_up", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var reply map[string]uint64
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
	require.Equal(t, uint64(7), reply["term"])
	require.Equal(t, 1, stepUps)

	resp, err = http.Post(srv.URL+"/coordinator/step_down", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, stepDowns)
}
