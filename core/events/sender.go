// Package events streams transaction decisions to downstream observers
// over HTTP/3. The sender batches length-prefixed frames onto long-lived
// request streams with bounded buffering and retry; the receiver
// reassembles the frames and hands them to consumers through a channel.
package events

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/time/rate"
)

// ErrSenderClosed is returned by Send once Close has begun.
var ErrSenderClosed = errors.New("event sender closed")

// Logger is the small leveled surface the package logs through.
// *zap.SugaredLogger satisfies it; NopLogger is used when nil is given.
type Logger interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
	Debugf(format string, args ...any)
}

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) Infof(string, ...any)  {}
func (NopLogger) Warnf(string, ...any)  {}
func (NopLogger) Errorf(string, ...any) {}
func (NopLogger) Debugf(string, ...any) {}

// Metrics hooks observe sender behavior without coupling this package to a
// metrics library. Nil hooks are skipped.
type Metrics struct {
	OnEnqueued        func(bytes int)
	OnBatchDispatched func(connID int, bytes int, msgs int)
	OnBatchRetried    func(connID int, attempt int)
	OnBatchDropped    func(connID int, reason string)
	OnConnEstablished func(connID int)
	OnConnFailed      func(connID int, err error)
	OnConnTornDown    func(connID int)
}

// Config controls Sender behavior.
type Config struct {
	// Remote endpoint.
	Addr    string      // host:port
	URLPath string      // e.g. "/events"
	TLS     *tls.Config // SNI, RootCAs; ALPN must allow h3

	// Concurrency and buffering.
	NumConnections   int           // concurrent streaming POSTs
	QueueCapacity    int           // ingress queue capacity, in messages
	MaxBatchBytes    int           // max bytes per batch
	MaxBatchMessages int           // max messages per batch
	FlushInterval    time.Duration // max wait before flushing a partial batch

	// EnqueueBytesPerSec throttles admission into the ingress queue.
	// Zero disables the limiter.
	EnqueueBytesPerSec int

	// Retry policy for establishing streams and writing batches.
	MaxWriteRetries   int           // total attempts = 1 + MaxWriteRetries
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffJitterFrac float64 // 0.2 => ±20% jitter

	// CloseTimeout bounds how long Close waits for in-flight streams to
	// finish before tearing down the transport.
	CloseTimeout time.Duration

	// QUIC transport knobs. Nil gets keepalive defaults.
	QUIC *quic.Config

	Logger  Logger
	Metrics *Metrics
}

func (c *Config) setDefaults() {
	if c.URLPath == "" {
		c.URLPath = "/events"
	}
	if c.NumConnections <= 0 {
		c.NumConnections = 4
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 4096
	}
	if c.MaxBatchBytes <= 0 {
		c.MaxBatchBytes = 64 * 1024
	}
	if c.MaxBatchMessages <= 0 {
		c.MaxBatchMessages = 256
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 50 * time.Millisecond
	}
	if c.MaxWriteRetries < 0 {
		c.MaxWriteRetries = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	if c.BackoffJitterFrac <= 0 {
		c.BackoffJitterFrac = 0.2
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = 5 * time.Second
	}
	if c.QUIC == nil {
		c.QUIC = &quic.Config{
			MaxIdleTimeout:  time.Minute,
			KeepAlivePeriod: 15 * time.Second,
		}
	}
	if c.Logger == nil {
		c.Logger = NopLogger{}
	}
}

// Sender ships framed events over concurrent long-lived HTTP/3 requests.
type Sender struct {
	cfg        Config
	url        string
	limiter    *rate.Limiter
	pool       *sync.Pool
	quit       chan struct{}
	lifeCtx    context.Context
	lifeCancel context.CancelFunc
	closed     int32
	wg         sync.WaitGroup
	reqWg      sync.WaitGroup // in-flight request watchers
	client     *http.Client
	rt         *http3.Transport
	eventsCh   chan []byte   // ingress of individual messages, owned by batchingLoop
	connInputs []chan []byte // one batch channel per connectionManager
	randSrc    *rand.Rand
}

// NewSender starts the batching loop and one manager per connection.
func NewSender(cfg Config) (*Sender, error) {
	cfg.setDefaults()
	if cfg.Addr == "" {
		return nil, errors.New("Config.Addr is required")
	}
	rt := &http3.Transport{TLSClientConfig: cfg.TLS, QUICConfig: cfg.QUIC}

	lifeCtx, lifeCancel := context.WithCancel(context.Background())
	s := &Sender{
		cfg:        cfg,
		url:        fmt.Sprintf("https://%s%s", cfg.Addr, cfg.URLPath),
		pool:       &sync.Pool{New: func() any { return make([]byte, 0, 2048) }},
		quit:       make(chan struct{}),
		lifeCtx:    lifeCtx,
		lifeCancel: lifeCancel,
		client:     &http.Client{Transport: rt},
		rt:         rt,
		eventsCh:   make(chan []byte, cfg.QueueCapacity),
		randSrc:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if cfg.EnqueueBytesPerSec > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.EnqueueBytesPerSec), cfg.MaxBatchBytes)
	}

	// Buffer of one batch per connection decouples dispatch from writes.
	s.connInputs = make([]chan []byte, cfg.NumConnections)
	for i := 0; i < cfg.NumConnections; i++ {
		s.connInputs[i] = make(chan []byte, 1)
	}

	s.wg.Add(1)
	go s.batchingLoop()

	for i := 0; i < cfg.NumConnections; i++ {
		s.wg.Add(1)
		go s.connectionManager(i, s.connInputs[i])
	}
	return s, nil
}

// Send blocks until the message is admitted by the throttle and enqueued,
// or the sender closes.
func (s *Sender) Send(msg []byte) error {
	if atomic.LoadInt32(&s.closed) == 1 {
		return ErrSenderClosed
	}
	if s.limiter != nil {
		if err := s.limiter.WaitN(s.lifeCtx, len(msg)); err != nil {
			if s.lifeCtx.Err() != nil {
				return ErrSenderClosed
			}
			return fmt.Errorf("enqueue throttle: %w", err)
		}
	}
	buf := s.pool.Get().([]byte)[:0]
	buf = append(buf, msg...)
	select {
	case s.eventsCh <- buf:
		return nil
	case <-s.quit:
		s.pool.Put(buf[:0])
		return ErrSenderClosed
	}
}

// TrySend enqueues without blocking. A full queue or an exhausted throttle
// returns false.
func (s *Sender) TrySend(msg []byte) bool {
	if atomic.LoadInt32(&s.closed) == 1 {
		return false
	}
	if s.limiter != nil && !s.limiter.AllowN(time.Now(), len(msg)) {
		return false
	}
	buf := s.pool.Get().([]byte)[:0]
	buf = append(buf, msg...)
	select {
	case s.eventsCh <- buf:
		return true
	default:
		s.pool.Put(buf[:0])
		return false
	}
}

// Close drains queued events into a final flush, waits up to CloseTimeout
// for the server to finish consuming the streams, and tears down the
// transport.
func (s *Sender) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return ErrSenderClosed
	}
	close(s.quit)
	s.lifeCancel()
	s.wg.Wait()

	streamsDone := make(chan struct{})
	go func() {
		s.reqWg.Wait()
		close(streamsDone)
	}()
	select {
	case <-streamsDone:
	case <-time.After(s.cfg.CloseTimeout):
		s.cfg.Logger.Warnf("timed out after %s waiting for in-flight streams", s.cfg.CloseTimeout)
	}
	return s.rt.Close()
}

type connState struct {
	body   io.WriteCloser
	cancel context.CancelFunc
}

func (s *Sender) batchingLoop() {
	defer s.wg.Done()
	defer func() {
		// Closing the per-conn inputs is what lets the managers exit.
		for _, ch := range s.connInputs {
			close(ch)
		}
	}()

	var batch bytes.Buffer
	msgs := 0
	flushTimer := time.NewTimer(s.cfg.FlushInterval)
	defer flushTimer.Stop()

	dispatch := func() {
		if msgs == 0 {
			return
		}
		payload := make([]byte, batch.Len())
		copy(payload, batch.Bytes())
		// Offer to every connection non-blocking first, starting at a
		// random index for fairness.
		start := s.randSrc.Intn(len(s.connInputs))
		for i := 0; i < len(s.connInputs); i++ {
			idx := (start + i) % len(s.connInputs)
			select {
			case s.connInputs[idx] <- payload:
				if s.cfg.Metrics != nil && s.cfg.Metrics.OnBatchDispatched != nil {
					s.cfg.Metrics.OnBatchDispatched(idx, len(payload), msgs)
				}
				batch.Reset()
				msgs = 0
				return
			default:
			}
		}
		// All busy: park on one of them until it frees up or we quit.
		select {
		case s.connInputs[start] <- payload:
			if s.cfg.Metrics != nil && s.cfg.Metrics.OnBatchDispatched != nil {
				s.cfg.Metrics.OnBatchDispatched(start, len(payload), msgs)
			}
			batch.Reset()
			msgs = 0
		case <-s.quit:
		}
	}

	resetTimer := func() {
		if !flushTimer.Stop() {
			select {
			case <-flushTimer.C:
			default:
			}
		}
		flushTimer.Reset(s.cfg.FlushInterval)
	}

	ingest := func(m []byte) {
		appendFrame(&batch, m)
		msgs++
		s.pool.Put(m[:0])
		if s.cfg.Metrics != nil && s.cfg.Metrics.OnEnqueued != nil {
			s.cfg.Metrics.OnEnqueued(len(m))
		}
	}

	for {
		select {
		case <-s.quit:
			for {
				select {
				case m := <-s.eventsCh:
					ingest(m)
				default:
					dispatch()
					return
				}
			}

		case m := <-s.eventsCh:
			ingest(m)
			if batch.Len() >= s.cfg.MaxBatchBytes || msgs >= s.cfg.MaxBatchMessages {
				dispatch()
				resetTimer()
			}

		case <-flushTimer.C:
			dispatch()
			resetTimer()
		}
	}
}

func (s *Sender) connectionManager(id int, in <-chan []byte) {
	defer s.wg.Done()
	var st *connState
	defer func() {
		if st != nil {
			// Close only: the request watcher cancels its context once
			// the server finishes the stream, so buffered frames still
			// flush. Transport close is the backstop for hung servers.
			_ = st.body.Close()
			if s.cfg.Metrics != nil && s.cfg.Metrics.OnConnTornDown != nil {
				s.cfg.Metrics.OnConnTornDown(id)
			}
		}
	}()

	for payload := range in {
		if st == nil {
			var err error
			st, err = s.openStream(id)
			if err != nil {
				s.noteConnFailed(id, err)
				if !s.retrySend(id, payload) {
					s.drop(id, payload, "establish failed")
				}
				continue
			}
		}
		if _, err := st.body.Write(payload); err != nil {
			s.cfg.Logger.Warnf("conn %d: write error: %v, reconnecting", id, err)
			_ = st.body.Close()
			st.cancel()
			st = nil
			if !s.retrySend(id, payload) {
				s.drop(id, payload, "write failed")
			}
		}
	}
}

// retrySend re-establishes a stream and writes the payload under the
// backoff policy. A stream opened here carries one payload and closes; the
// manager reconnects lazily on its next batch.
func (s *Sender) retrySend(id int, payload []byte) bool {
	backoff := s.cfg.InitialBackoff
	var st *connState
	defer func() {
		if st != nil {
			_ = st.body.Close()
		}
	}()

	for attempt := 1; attempt <= s.cfg.MaxWriteRetries; attempt++ {
		if st == nil {
			var err error
			st, err = s.openStream(id)
			if err != nil {
				s.noteConnFailed(id, err)
				if !s.sleepBackoff(backoff) {
					return false
				}
				backoff = nextBackoff(backoff, s.cfg.MaxBackoff, s.cfg.BackoffJitterFrac, s.randSrc)
				continue
			}
		}

		if _, err := st.body.Write(payload); err == nil {
			return true
		}
		_ = st.body.Close()
		st.cancel()
		st = nil
		if s.cfg.Metrics != nil && s.cfg.Metrics.OnBatchRetried != nil {
			s.cfg.Metrics.OnBatchRetried(id, attempt)
		}
		if !s.sleepBackoff(backoff) {
			return false
		}
		backoff = nextBackoff(backoff, s.cfg.MaxBackoff, s.cfg.BackoffJitterFrac, s.randSrc)
	}
	return false
}

func (s *Sender) sleepBackoff(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-s.quit:
		return false
	}
}

func nextBackoff(cur, max time.Duration, jitterFrac float64, r *rand.Rand) time.Duration {
	next := time.Duration(float64(cur) * 2)
	if next > max {
		next = max
	}
	if jitterFrac > 0 && r != nil {
		j := 1 + (r.Float64()*2-1)*jitterFrac // 1±frac
		next = time.Duration(math.Max(0, float64(next)*j))
	}
	return next
}

func (s *Sender) drop(connID int, payload []byte, reason string) {
	if s.cfg.Metrics != nil && s.cfg.Metrics.OnBatchDropped != nil {
		s.cfg.Metrics.OnBatchDropped(connID, reason)
	}
	s.cfg.Logger.Warnf("conn %d: dropping batch (%d bytes): %s", connID, len(payload), reason)
}

// openStream starts a streaming HTTP/3 POST whose body is an io.Pipe. The
// watcher goroutine closes the pipe with an error when the server rejects
// or drops the stream, which surfaces as a write error on the manager, and
// releases the request context once the request ends.
func (s *Sender) openStream(id int) (*connState, error) {
	pr, pw := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, pr)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("new request: %w", err)
	}

	s.reqWg.Add(1)
	go func() {
		defer s.reqWg.Done()
		defer cancel()
		resp, err := s.client.Do(req)
		if err != nil {
			_ = pw.CloseWithError(fmt.Errorf("request failed: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			_ = pw.CloseWithError(fmt.Errorf("server returned %s", resp.Status))
			return
		}
		// Drain so the server can close the stream cleanly.
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = pw.Close()
	}()

	if s.cfg.Metrics != nil && s.cfg.Metrics.OnConnEstablished != nil {
		s.cfg.Metrics.OnConnEstablished(id)
	}
	s.cfg.Logger.Debugf("conn %d: established HTTP/3 stream to %s", id, s.url)
	return &connState{body: pw, cancel: cancel}, nil
}

func (s *Sender) noteConnFailed(id int, err error) {
	if s.cfg.Metrics != nil && s.cfg.Metrics.OnConnFailed != nil {
		s.cfg.Metrics.OnConnFailed(id, err)
	}
	s.cfg.Logger.Warnf("conn %d: establish failed: %v", id, err)
}

// appendFrame writes a 4-byte big-endian length prefix followed by the
// message bytes.
func appendFrame(buf *bytes.Buffer, msg []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(msg)))
	buf.Write(n[:])
	buf.Write(msg)
}
