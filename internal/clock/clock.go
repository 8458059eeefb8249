// Package clock abstracts wall-clock access for components that schedule
// deferred work, so tests can drive timers deterministically instead of
// sleeping.
package clock

import (
	"sync"
	"time"
)

// Clock is the minimal time surface the executors need.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Real implements Clock with the standard library.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Manual is a hand-advanced clock for tests. Timers only fire when Advance
// moves the clock past their deadline.
type Manual struct {
	mu      sync.Mutex
	current time.Time
	waiting []*manualTimer
}

type manualTimer struct {
	deadline time.Time
	ch       chan time.Time
}

// NewManual returns a Manual clock positioned at start.
func NewManual(start time.Time) *Manual {
	return &Manual{current: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if d <= 0 {
		ch <- m.current
		return ch
	}
	m.waiting = append(m.waiting, &manualTimer{deadline: m.current.Add(d), ch: ch})
	return ch
}

// Advance moves the clock forward by d, firing every timer whose deadline
// has been reached, and returns the new current time.
func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > 0 {
		m.current = m.current.Add(d)
	}
	kept := m.waiting[:0]
	for _, t := range m.waiting {
		if t.deadline.After(m.current) {
			kept = append(kept, t)
			continue
		}
		t.ch <- m.current
	}
	m.waiting = kept
	return m.current
}

// PendingTimers reports how many timers have not fired yet.
func (m *Manual) PendingTimers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiting)
}
