// Package queue provides a FIFO-fair mutual exclusion primitive.
package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned to waiters of a closed Mutex.
var ErrClosed = errors.New("queue: mutex closed")

// Mutex grants up to capacity concurrent holders, strictly in the order callers enqueued.
//
// Unlike sync.Mutex, waiting can be split from enqueueing: Enqueue reserves a place in line
// synchronously and the returned Ticket can be waited on from another goroutine. Closing the
// mutex fails every queued and future waiter with ErrClosed.
type Mutex struct {
	mu       sync.Mutex
	capacity int
	held     int
	waiters  []*Ticket
	closed   bool
}

// Ticket is a reserved place in the Mutex queue.
type Ticket struct {
	m     *Mutex
	grant chan error
}

// NewMutex creates a Mutex. A capacity below 1 is treated as 1.
func NewMutex(capacity int) *Mutex {
	if capacity < 1 {
		capacity = 1
	}
	return &Mutex{capacity: capacity}
}

// Enqueue reserves the caller's place in line.
func (m *Mutex) Enqueue() *Ticket {
	t := &Ticket{m: m, grant: make(chan error, 1)}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.closed:
		t.grant <- ErrClosed
	case m.held < m.capacity && len(m.waiters) == 0:
		m.held++
		t.grant <- nil
	default:
		m.waiters = append(m.waiters, t)
	}
	return t
}

// Wait blocks until the ticket is granted, the mutex is closed or ctx is done.
// A nil return means the caller holds the mutex and must call Unlock.
func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case err := <-t.grant:
		return err
	case <-ctx.Done():
	}

	m := t.m
	m.mu.Lock()
	for i, w := range m.waiters {
		if w == t {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			m.mu.Unlock()
			return ctx.Err()
		}
	}
	m.mu.Unlock()

	// Granted or closed while ctx was being cancelled.
	if err := <-t.grant; err == nil {
		m.Unlock()
	}
	return ctx.Err()
}

// Lock enqueues and waits in one step.
func (m *Mutex) Lock(ctx context.Context) error {
	return m.Enqueue().Wait(ctx)
}

// Unlock releases one hold, handing it to the oldest waiter if there is one.
func (m *Mutex) Unlock() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.held == 0 {
		panic("queue: unlock of unlocked mutex")
	}
	if !m.closed && len(m.waiters) > 0 {
		next := m.waiters[0]
		m.waiters = m.waiters[1:]
		next.grant <- nil
		return
	}
	m.held--
}

// Close fails all queued waiters and every later Enqueue with ErrClosed. Current holders keep
// their hold until they Unlock. Close is idempotent.
func (m *Mutex) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	for _, w := range m.waiters {
		w.grant <- ErrClosed
	}
	m.waiters = nil
}

// Closed reports whether Close was called.
func (m *Mutex) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Waiting returns the number of queued waiters.
func (m *Mutex) Waiting() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}
