package events

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
)

// ReceiverHooks let callers wire metrics and alerts without coupling.
type ReceiverHooks struct {
	OnAccepted    func()                         // event handed to the channel
	OnDropped     func(reason string)            // event discarded (queue full, too large, ...)
	OnStreamStart func(remote string)            // new incoming POST stream
	OnStreamClose func(remote string)            // stream ended
	OnServerStart func(addr string)
	OnServerClose func()
	OnError       func(stage string, err error)
}

// BackpressurePolicy decides what a full events channel does to the
// producing stream.
type BackpressurePolicy int

const (
	// BlockSender parks the handler until a slot frees up. Protects
	// against loss at the cost of head-of-line blocking.
	BlockSender BackpressurePolicy = iota
	// DropIfFull discards the event immediately. Lossy, protects latency.
	DropIfFull
)

// ReceiverConfig controls Receiver behavior.
type ReceiverConfig struct {
	Addr    string       // e.g. ":8444"; use "127.0.0.1:0" in tests
	URLPath string       // e.g. "/events"
	TLS     *tls.Config  // required for HTTP/3
	QUIC    *quic.Config // optional transport knobs

	QueueCapacity int // capacity of the events channel

	MaxEventBytes  int   // maximum single event size; frames above it end the stream
	MaxStreamBytes int64 // total bytes accepted from one stream; 0 = unlimited
	MaxConcurrency int   // concurrent stream handlers; 0 = unlimited
	Backpressure   BackpressurePolicy

	// ResponseOnStart writes 200 OK as soon as a stream opens, so senders
	// waiting on response headers unblock before the stream ends.
	ResponseOnStart bool
	RequireMethod   bool // enforce POST
}

// Receiver accepts framed event streams over HTTP/3 and republishes the
// events on a channel.
type Receiver struct {
	cfg     ReceiverConfig
	log     Logger
	hooks   ReceiverHooks
	server  *http3.Server
	ln      net.PacketConn
	events  chan []byte
	pool    *sync.Pool
	wg      sync.WaitGroup
	started int32
	closed  int32

	// mu fences handler deliveries against the channel close: handlers
	// deliver under RLock, Close flips chClosed and closes under Lock.
	mu       sync.RWMutex
	chClosed bool
}

// NewReceiver builds a receiver. A nil logger logs nothing.
func NewReceiver(cfg ReceiverConfig, log Logger, hooks ReceiverHooks) (*Receiver, error) {
	if cfg.Addr == "" {
		return nil, errors.New("ReceiverConfig.Addr is required")
	}
	if cfg.TLS == nil {
		return nil, errors.New("ReceiverConfig.TLS is required for HTTP/3")
	}
	if cfg.URLPath == "" {
		cfg.URLPath = "/events"
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 4096
	}
	if cfg.MaxEventBytes <= 0 {
		cfg.MaxEventBytes = 1 << 20
	}
	if log == nil {
		log = NopLogger{}
	}

	r := &Receiver{
		cfg:    cfg,
		log:    log,
		hooks:  hooks,
		events: make(chan []byte, cfg.QueueCapacity),
		pool: &sync.Pool{
			New: func() any {
				b := make([]byte, 4096)
				return &b
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.URLPath, r.handleStream)
	r.server = &http3.Server{
		Addr:       cfg.Addr,
		TLSConfig:  cfg.TLS,
		Handler:    withConcurrencyLimit(cfg.MaxConcurrency, mux),
		QUICConfig: cfg.QUIC,
	}
	return r, nil
}

// withConcurrencyLimit caps the number of in-flight handlers.
func withConcurrencyLimit(limit int, next http.Handler) http.Handler {
	if limit <= 0 {
		return next
	}
	sem := make(chan struct{}, limit)
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		sem <- struct{}{}
		defer func() { <-sem }()
		next.ServeHTTP(w, req)
	})
}

// Start binds the UDP socket and begins serving HTTP/3.
func (r *Receiver) Start() error {
	if !atomic.CompareAndSwapInt32(&r.started, 0, 1) {
		return errors.New("receiver already started")
	}

	conn, err := net.ListenPacket("udp", r.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen udp %s: %w", r.cfg.Addr, err)
	}
	r.ln = conn

	if r.hooks.OnServerStart != nil {
		r.hooks.OnServerStart(conn.LocalAddr().String())
	}
	r.log.Infof("event receiver listening on %s path=%s", conn.LocalAddr(), r.cfg.URLPath)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.server.Serve(conn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Errorf("event receiver serve: %v", err)
			if r.hooks.OnError != nil {
				r.hooks.OnError("serve", err)
			}
		}
	}()
	return nil
}

// Addr reports the bound listen address, empty before Start.
func (r *Receiver) Addr() string {
	if atomic.LoadInt32(&r.started) == 0 || r.ln == nil {
		return ""
	}
	return r.ln.LocalAddr().String()
}

// Close stops the server and, once every handler has exited, closes the
// events channel. When ctx expires first the channel stays open so a
// straggling handler cannot write to a closed channel; the caller loses
// only the close-of-channel signal.
func (r *Receiver) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&r.closed, 0, 1) {
		return nil
	}

	err := r.server.Close()
	if r.ln != nil {
		_ = r.ln.Close()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		r.log.Warnf("event receiver close timed out: %v", ctx.Err())
		return ctx.Err()
	case <-done:
	}

	r.mu.Lock()
	r.chClosed = true
	close(r.events)
	r.mu.Unlock()

	if r.hooks.OnServerClose != nil {
		r.hooks.OnServerClose()
	}
	r.log.Infof("event receiver closed")
	return err
}

// Events returns the consumer channel. It closes after a completed Close.
func (r *Receiver) Events() <-chan []byte {
	return r.events
}

// handleStream consumes one length-prefixed stream: [4B big-endian len][payload]...
func (r *Receiver) handleStream(w http.ResponseWriter, req *http.Request) {
	if r.cfg.RequireMethod && req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if req.Body == nil {
		http.Error(w, "empty body", http.StatusBadRequest)
		return
	}

	remote := req.RemoteAddr
	if r.hooks.OnStreamStart != nil {
		r.hooks.OnStreamStart(remote)
	}
	defer func(start time.Time) {
		if r.hooks.OnStreamClose != nil {
			r.hooks.OnStreamClose(remote)
		}
		r.log.Debugf("stream from %s finished in %s", remote, time.Since(start))
	}(time.Now())

	// Senders block on response headers until something is written.
	if r.cfg.ResponseOnStart {
		w.WriteHeader(http.StatusOK)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}

	ctx := req.Context()
	body := req.Body
	var lenBuf [4]byte
	var streamBytes int64

	for {
		select {
		case <-ctx.Done():
			r.log.Debugf("client at %s cancelled: %v", remote, ctx.Err())
			return
		default:
		}

		if r.cfg.MaxStreamBytes > 0 && streamBytes >= r.cfg.MaxStreamBytes {
			r.drop("stream_bytes_cap", fmt.Errorf("stream exceeded cap %d", r.cfg.MaxStreamBytes))
			return
		}

		if _, err := io.ReadFull(body, lenBuf[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				// Normal end of stream, or a truncated final frame.
				return
			}
			r.fail("read_len", err)
			if !r.cfg.ResponseOnStart {
				http.Error(w, "bad stream", http.StatusBadRequest)
			}
			return
		}
		streamBytes += 4

		n := binary.BigEndian.Uint32(lenBuf[:])
		if n == 0 {
			continue
		}
		if int64(n) > int64(r.cfg.MaxEventBytes) {
			r.drop("event_too_large", fmt.Errorf("event size %d > max %d", n, r.cfg.MaxEventBytes))
			if !r.cfg.ResponseOnStart {
				http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			}
			return
		}

		bufPtr := r.pool.Get().(*[]byte)
		b := *bufPtr
		if cap(b) < int(n) {
			b = make([]byte, int(n))
		} else {
			b = b[:int(n)]
		}

		if _, err := io.ReadFull(body, b); err != nil {
			r.pool.Put(&b)
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return
			}
			r.fail("read_payload", err)
			if !r.cfg.ResponseOnStart {
				http.Error(w, "bad stream", http.StatusBadRequest)
			}
			return
		}
		streamBytes += int64(n)

		// Hand off a stable copy so the pooled buffer can be reused.
		ev := make([]byte, int(n))
		copy(ev, b)
		r.pool.Put(&b)

		if !r.deliver(ctx, ev) {
			return
		}
	}
}

// deliver hands ev to the events channel under the backpressure policy.
// False means the receiver is closing or the client went away.
func (r *Receiver) deliver(ctx context.Context, ev []byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.chClosed {
		r.drop("receiver_closing", nil)
		return false
	}

	switch r.cfg.Backpressure {
	case DropIfFull:
		select {
		case r.events <- ev:
			if r.hooks.OnAccepted != nil {
				r.hooks.OnAccepted()
			}
		default:
			r.drop("queue_full", nil)
		}
		return true
	default: // BlockSender
		select {
		case r.events <- ev:
			if r.hooks.OnAccepted != nil {
				r.hooks.OnAccepted()
			}
			return true
		case <-ctx.Done():
			r.drop("client_cancelled_blocking", ctx.Err())
			return false
		}
	}
}

func (r *Receiver) fail(stage string, err error) {
	r.log.Errorf("event receiver %s: %v", stage, err)
	if r.hooks.OnError != nil {
		r.hooks.OnError(stage, err)
	}
}

func (r *Receiver) drop(reason string, err error) {
	if err != nil {
		r.log.Warnf("event receiver dropped (%s): %v", reason, err)
	} else {
		r.log.Warnf("event receiver dropped (%s)", reason)
	}
	if r.hooks.OnDropped != nil {
		r.hooks.OnDropped(reason)
	}
}
