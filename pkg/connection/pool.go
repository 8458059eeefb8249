// Package connection provides a thread-safe TCP connection pool keyed by
// remote address. The coordinator uses it to reuse connections to the
// participant shard servers it sends transaction commands to, instead of
// dialing once per command.
package connection

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// ErrPoolClosed is returned by Get after the manager has been shut down.
var ErrPoolClosed = errors.New("connection pool is closed")

// PooledConn wraps a net.Conn with a reference back to its pool so callers
// can release it with Close or retire it with Discard.
type PooledConn struct {
	net.Conn
	pool *hostPool
}

// Close returns the connection to its pool for reuse. It does not close the
// underlying TCP connection; use Discard for a connection that misbehaved.
func (c *PooledConn) Close() error {
	if c.pool == nil {
		return fmt.Errorf("connection already released")
	}
	pool := c.pool
	c.pool = nil
	pool.put(c.Conn)
	return nil
}

// Discard closes the underlying TCP connection and frees its pool slot, so
// a replacement can be dialed. Call it when a read or write failed and the
// connection state is no longer trustworthy.
func (c *PooledConn) Discard() error {
	if c.pool == nil {
		return nil
	}
	pool := c.pool
	c.pool = nil
	pool.release()
	return c.Conn.Close()
}

// hostPool holds the connections for a single remote address.
type hostPool struct {
	mu       sync.Mutex
	idle     chan net.Conn
	dial     func() (net.Conn, error)
	maxConns int
	open     int
	closed   bool
	address  string
}

// Manager owns one hostPool per remote address.
type Manager struct {
	mu          sync.RWMutex
	pools       map[string]*hostPool
	maxPerHost  int
	dialTimeout time.Duration
}

// NewManager creates a pool manager. maxPerHost caps the open connections
// per remote address; dialTimeout bounds new connection attempts.
func NewManager(maxPerHost int, dialTimeout time.Duration) *Manager {
	if maxPerHost <= 0 {
		maxPerHost = 4
	}
	return &Manager{
		pools:       make(map[string]*hostPool),
		maxPerHost:  maxPerHost,
		dialTimeout: dialTimeout,
	}
}

// Get returns a pooled connection to address, creating the per-host pool on
// first use. When the host is at capacity, Get blocks until a connection is
// returned.
func (m *Manager) Get(address string) (*PooledConn, error) {
	m.mu.RLock()
	pool, ok := m.pools[address]
	closed := m.pools == nil
	m.mu.RUnlock()

	if closed {
		return nil, ErrPoolClosed
	}
	if !ok {
		m.mu.Lock()
		if m.pools == nil {
			m.mu.Unlock()
			return nil, ErrPoolClosed
		}
		pool, ok = m.pools[address]
		if !ok {
			addr := address
			pool = &hostPool{
				idle:     make(chan net.Conn, m.maxPerHost),
				dial:     func() (net.Conn, error) { return net.DialTimeout("tcp", addr, m.dialTimeout) },
				maxConns: m.maxPerHost,
				address:  address,
			}
			m.pools[address] = pool
		}
		m.mu.Unlock()
	}

	conn, err := pool.get()
	if err != nil {
		return nil, err
	}
	return &PooledConn{Conn: conn, pool: pool}, nil
}

// Close shuts every pool down and closes all idle connections. Connections
// currently checked out are closed by their holders via Discard.
func (m *Manager) Close() {
	m.mu.Lock()
	pools := m.pools
	m.pools = nil
	m.mu.Unlock()

	for _, pool := range pools {
		pool.close()
	}
}

func (p *hostPool) get() (net.Conn, error) {
	select {
	case conn, ok := <-p.idle:
		if !ok {
			return nil, ErrPoolClosed
		}
		return conn, nil
	default:
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if p.open < p.maxConns {
		// Reserve the slot before dialing so a slow dial doesn't hold
		// the lock against other callers.
		p.open++
		p.mu.Unlock()
		conn, err := p.dial()
		if err != nil {
			p.release()
			return nil, fmt.Errorf("failed to dial %s: %w", p.address, err)
		}
		return conn, nil
	}
	p.mu.Unlock()

	// At capacity: wait for a connection to come back.
	conn, ok := <-p.idle
	if !ok {
		return nil, ErrPoolClosed
	}
	return conn, nil
}

func (p *hostPool) put(conn net.Conn) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	if p.closed {
		p.open--
		p.mu.Unlock()
		conn.Close()
		return
	}
	// close shuts the idle channel under this lock, so the send must stay
	// under it too. The send cannot block: idle's capacity is maxConns.
	select {
	case p.idle <- conn:
		p.mu.Unlock()
	default:
		p.open--
		p.mu.Unlock()
		conn.Close()
	}
}

// release frees one open-connection slot.
func (p *hostPool) release() {
	p.mu.Lock()
	p.open--
	p.mu.Unlock()
}

func (p *hostPool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.idle)
	p.mu.Unlock()

	for conn := range p.idle {
		p.release()
		conn.Close()
	}
}
