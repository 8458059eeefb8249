// Package server is the network surface of a KizunaDB node: the TCP
// listener serving the JSON-line command protocol, the pooled runner that
// sends commands to other shards, and the HTTP admin surface.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/kizunadb/kizunadb/core/transaction"
	"go.uber.org/zap"
)

// Handler executes one command envelope. The participant service and the
// coordinator node's command bridge both satisfy it.
type Handler interface {
	Handle(ctx context.Context, req transaction.CommandRequest) transaction.CommandResponse
}

// ListenerConfig wires a command listener.
type ListenerConfig struct {
	Addr    string
	Handler Handler
	Logger  *zap.Logger
}

// Listener serves the newline-delimited JSON command protocol over TCP.
// One connection carries any number of request/response exchanges in
// order.
type Listener struct {
	cfg ListenerConfig
	log *zap.Logger

	ln      net.Listener
	quit    chan struct{}
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	started int32
	closed  int32
}

func NewListener(cfg ListenerConfig) (*Listener, error) {
	if cfg.Addr == "" {
		return nil, errors.New("command listener requires an address")
	}
	if cfg.Handler == nil {
		return nil, errors.New("command listener requires a handler")
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{
		cfg:     cfg,
		log:     log,
		quit:    make(chan struct{}),
		baseCtx: ctx,
		cancel:  cancel,
		conns:   make(map[net.Conn]struct{}),
	}, nil
}

// Start binds the address and begins accepting connections.
func (l *Listener) Start() error {
	if !atomic.CompareAndSwapInt32(&l.started, 0, 1) {
		return errors.New("command listener already started")
	}
	ln, err := net.Listen("tcp", l.cfg.Addr)
	if err != nil {
		return fmt.Errorf("binding command listener: %w", err)
	}
	l.ln = ln
	l.wg.Add(1)
	go l.acceptLoop()
	l.log.Info("Command listener started", zap.String("address", ln.Addr().String()))
	return nil
}

// Addr reports the bound address once Start succeeded, which is how ":0"
// binds learn their port.
func (l *Listener) Addr() string {
	if l.ln == nil {
		return ""
	}
	return l.ln.Addr().String()
}

// Close stops accepting, cancels in-flight handler contexts, and closes
// every open connection, then waits for the handlers bounded by ctx.
// Clients are expected to retry against another node.
func (l *Listener) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&l.closed, 0, 1) {
		return nil
	}
	close(l.quit)
	var err error
	if l.ln != nil {
		err = l.ln.Close()
	}
	l.cancel()

	l.mu.Lock()
	for conn := range l.conns {
		conn.Close()
	}
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		l.log.Warn("Command listener close timed out waiting for connections")
		return ctx.Err()
	}
	l.log.Info("Command listener stopped")
	return err
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.quit:
				return
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			l.log.Error("Command listener accept failed", zap.Error(err))
			return
		}
		l.mu.Lock()
		l.conns[conn] = struct{}{}
		l.mu.Unlock()
		l.wg.Add(1)
		go l.serveConn(conn)
	}
}

func (l *Listener) serveConn(conn net.Conn) {
	defer l.wg.Done()
	defer func() {
		l.mu.Lock()
		delete(l.conns, conn)
		l.mu.Unlock()
		conn.Close()
	}()

	remote := conn.RemoteAddr().String()
	l.log.Debug("Accepted command connection", zap.String("from", remote))
	reader := bufio.NewReader(conn)
	for {
		var req transaction.CommandRequest
		if err := transaction.ReadJSONLine(reader, &req); err != nil {
			if isConnectionGone(err) {
				return
			}
			select {
			case <-l.quit:
				return
			default:
			}
			// A malformed line poisons the newline framing; answer once
			// and drop the connection.
			l.log.Warn("Dropping command connection after bad frame",
				zap.String("from", remote), zap.Error(err))
			_ = transaction.WriteJSONLine(conn, transaction.ErrorResponse(fmt.Errorf("malformed request: %v", err)))
			return
		}

		resp := l.cfg.Handler.Handle(l.baseCtx, req)
		if err := transaction.WriteJSONLine(conn, resp); err != nil {
			if !isConnectionGone(err) {
				l.log.Warn("Failed to write command response",
					zap.String("from", remote), zap.Error(err))
			}
			return
		}
	}
}

func isConnectionGone(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
