// Package event defines the structured records a machine emits for every
// tick, and the Recorder interface that log sinks implement.
package event

import (
	"fmt"
	"sync"
	"time"
)

// Kind distinguishes the three things a tick can do.
type Kind int

const (
	// Receive is a tick that consumed a mailbox value.
	Receive Kind = iota + 1
	// Send is a tick that transmitted the clock to one peer.
	Send
	// Internal is a tick with no network effect.
	Internal
)

// String returns the lowercase kind name used in logs and the store.
func (k Kind) String() string {
	switch k {
	case Receive:
		return "receive"
	case Send:
		return "send"
	case Internal:
		return "internal"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "receive":
		return Receive, nil
	case "send":
		return Send, nil
	case "internal":
		return Internal, nil
	default:
		return 0, fmt.Errorf("unknown record kind %q", s)
	}
}

// NoPeer marks records that are not addressed to a peer.
const NoPeer = -1

// Record is one tick outcome.
type Record struct {
	// Machine is the emitting machine's identity.
	Machine int

	// Seq numbers records per machine, starting at 1, with no gaps.
	Seq int64

	// Window numbers the rate-limit period the tick ran in, starting at 1.
	Window int64

	Kind Kind

	// Message is the received value (Receive) or the transmitted value
	// (Send). Zero for Internal.
	Message uint32

	// Clock is the logical clock after the event.
	Clock uint32

	// QueueSize is the mailbox size observed before a receive.
	QueueSize int

	// Peer is the destination of a Send, NoPeer otherwise.
	Peer int

	WallTime time.Time
}

// Recorder consumes records. Implementations must not block the caller for
// long and never report errors back: logging is fire and forget.
type Recorder interface {
	Record(r Record)
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(Record)

// Record calls f(r).
func (f RecorderFunc) Record(r Record) { f(r) }

// Discard drops every record.
var Discard Recorder = RecorderFunc(func(Record) {})

type multi []Recorder

func (m multi) Record(r Record) {
	for _, rec := range m {
		rec.Record(r)
	}
}

// Multi fans each record out to every non-nil recorder, in order.
func Multi(recorders ...Recorder) Recorder {
	var out multi
	for _, r := range recorders {
		if r != nil {
			out = append(out, r)
		}
	}
	switch len(out) {
	case 0:
		return Discard
	case 1:
		return out[0]
	default:
		return out
	}
}

// Buffer keeps every record in memory.
//
// Thread-safety: safe for concurrent use.
type Buffer struct {
	mu      sync.Mutex
	records []Record
}

// Record appends r.
func (b *Buffer) Record(r Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(b.records, r)
}

// Records returns a copy of everything recorded so far.
func (b *Buffer) Records() []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Record, len(b.records))
	copy(out, b.records)
	return out
}

// ForMachine returns the records emitted by one machine, in order.
func (b *Buffer) ForMachine(id int) []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Record
	for _, r := range b.records {
		if r.Machine == id {
			out = append(out, r)
		}
	}
	return out
}

// Len returns the number of records.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}
