// Package mailbox implements the bounded inbound queue of clock values that
// sits between a machine's transport and its event engine.
//
// The mailbox is a fixed-capacity ring buffer. Producers block while it is
// full; nothing is ever dropped and the buffer never grows. Consumers never
// block: an empty mailbox is reported, not waited on.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// MaxCapacity is the largest capacity New accepts.
const MaxCapacity = 128

var (
	// ErrEmpty is returned by Dequeue when no value is pending.
	ErrEmpty = errors.New("mailbox empty")

	// ErrClosed is returned by Enqueue once the mailbox has been closed.
	ErrClosed = errors.New("mailbox closed")

	// ErrCapacity is returned by New for a capacity outside [1, MaxCapacity].
	ErrCapacity = errors.New("invalid mailbox capacity")
)

// Mailbox is a bounded FIFO of clock values with blocking backpressure.
//
// Thread-safety: all methods are safe for concurrent use. Every inspection
// and mutation of the ring happens under mu.
type Mailbox struct {
	mu       sync.Mutex
	elements []uint32
	front    int
	rear     int
	size     int
	closed   bool

	// space is closed (and replaced) whenever a slot frees up while
	// producers may be waiting. Waiters grab it under mu, so a wakeup that
	// happens between their unlock and their select is not lost.
	space chan struct{}
}

// New creates an empty mailbox holding at most capacity values.
func New(capacity int) (*Mailbox, error) {
	if capacity < 1 || capacity > MaxCapacity {
		return nil, fmt.Errorf("%w: %d (must be in [1, %d])", ErrCapacity, capacity, MaxCapacity)
	}
	return &Mailbox{
		elements: make([]uint32, capacity),
		space:    make(chan struct{}),
	}, nil
}

// Enqueue appends v at the tail. If the mailbox is full it blocks until a
// consumer frees a slot, ctx is done, or the mailbox is closed.
func (m *Mailbox) Enqueue(ctx context.Context, v uint32) error {
	m.mu.Lock()
	for m.size == len(m.elements) && !m.closed {
		wait := m.space
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}

		m.mu.Lock()
	}
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	m.elements[m.rear] = v
	m.rear = (m.rear + 1) % len(m.elements)
	m.size++
	return nil
}

// TryEnqueue appends v without blocking. It returns false when the mailbox
// is full or closed.
func (m *Mailbox) TryEnqueue(v uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.size == len(m.elements) {
		return false
	}
	m.elements[m.rear] = v
	m.rear = (m.rear + 1) % len(m.elements)
	m.size++
	return true
}

// Dequeue removes and returns the head value, or ErrEmpty.
func (m *Mailbox) Dequeue() (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.size == 0 {
		return 0, ErrEmpty
	}
	return m.dequeueLocked(), nil
}

// TryReceive checks the size and, if nonzero, dequeues the head, all under
// one lock acquisition. sizeBefore is the size observed before the dequeue.
func (m *Mailbox) TryReceive() (v uint32, sizeBefore int, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sizeBefore = m.size
	if sizeBefore == 0 {
		return 0, 0, false
	}
	return m.dequeueLocked(), sizeBefore, true
}

func (m *Mailbox) dequeueLocked() uint32 {
	wasFull := m.size == len(m.elements)

	v := m.elements[m.front]
	m.elements[m.front] = 0
	m.front = (m.front + 1) % len(m.elements)
	m.size--

	if wasFull {
		m.wakeLocked()
	}
	return v
}

// wakeLocked releases every producer waiting for space.
func (m *Mailbox) wakeLocked() {
	close(m.space)
	m.space = make(chan struct{})
}

// Size returns the number of pending values.
func (m *Mailbox) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size
}

// Capacity returns the fixed capacity.
func (m *Mailbox) Capacity() int {
	return len(m.elements)
}

// Close makes blocked and future Enqueue calls fail with ErrClosed.
// Pending values can still be dequeued. Close is idempotent.
func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	m.wakeLocked()
}
