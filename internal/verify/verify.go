// Package verify checks recorded runs against the logical-clock rules.
package verify

import (
	"fmt"
	"sort"

	"github.com/roach88/scaleclock/internal/event"
	"github.com/roach88/scaleclock/internal/mailbox"
)

// Rule names one checked property.
type Rule string

const (
	RuleMachine   Rule = "machine"    // every record belongs to the checked machine
	RuleSequence  Rule = "sequence"   // seq starts at 1 and has no gaps
	RuleMonotonic Rule = "monotonic"  // clock strictly increases
	RuleLamport   Rule = "lamport"    // clock follows the receive or local rule
	RuleSendValue Rule = "send_value" // a send carries the pre-increment clock
	RuleQueue     Rule = "queue"      // receive saw a non-empty, bounded mailbox
	RuleRate      Rule = "rate"       // at most rate records per window
	RuleDelivery  Rule = "delivery"   // every received value was sent to that machine
)

// Violation is one broken rule at one record.
type Violation struct {
	Rule    Rule   `json:"rule"`
	Machine int    `json:"machine"`
	Seq     int64  `json:"seq"`
	Detail  string `json:"detail"`
}

// String renders the violation on one line.
func (v Violation) String() string {
	return fmt.Sprintf("machine %d seq %d: %s: %s", v.Machine, v.Seq, v.Rule, v.Detail)
}

// Option configures a check.
type Option func(*options)

type options struct {
	capacity int
}

// WithMailboxCapacity bounds the queue size a receive may report. Values
// outside [1, mailbox.MaxCapacity] fall back to mailbox.MaxCapacity.
func WithMailboxCapacity(n int) Option {
	return func(o *options) {
		o.capacity = n
	}
}

func buildOptions(opts []Option) options {
	o := options{capacity: mailbox.MaxCapacity}
	for _, opt := range opts {
		opt(&o)
	}
	if o.capacity < 1 || o.capacity > mailbox.MaxCapacity {
		o.capacity = mailbox.MaxCapacity
	}
	return o
}

// Check verifies one machine's records, in seq order, against its rate.
func Check(rate int, records []event.Record, opts ...Option) []Violation {
	if len(records) == 0 {
		return nil
	}
	o := buildOptions(opts)

	var out []Violation
	machine := records[0].Machine
	add := func(r event.Record, rule Rule, format string, args ...any) {
		out = append(out, Violation{Rule: rule, Machine: machine, Seq: r.Seq, Detail: fmt.Sprintf(format, args...)})
	}

	var (
		prevClock uint32
		prevSeq   int64
		window    int64
		inWindow  int
	)
	for _, r := range records {
		if r.Machine != machine {
			add(r, RuleMachine, "record from machine %d", r.Machine)
			continue
		}

		if r.Seq != prevSeq+1 {
			add(r, RuleSequence, "expected seq %d", prevSeq+1)
		}
		prevSeq = r.Seq

		if r.Clock <= prevClock {
			add(r, RuleMonotonic, "clock %d after %d", r.Clock, prevClock)
		}

		switch r.Kind {
		case event.Receive:
			if want := max(prevClock, r.Message) + 1; r.Clock != want {
				add(r, RuleLamport, "receive of %d at clock %d gave %d, want %d", r.Message, prevClock, r.Clock, want)
			}
			if r.QueueSize < 1 || r.QueueSize > o.capacity {
				add(r, RuleQueue, "queue size before receive %d, capacity %d", r.QueueSize, o.capacity)
			}
		case event.Send:
			if r.Message != prevClock {
				add(r, RuleSendValue, "sent %d with clock at %d", r.Message, prevClock)
			}
			if r.Clock != prevClock+1 {
				add(r, RuleLamport, "send moved clock %d to %d", prevClock, r.Clock)
			}
		default:
			if r.Clock != prevClock+1 {
				add(r, RuleLamport, "internal event moved clock %d to %d", prevClock, r.Clock)
			}
		}
		prevClock = r.Clock

		switch {
		case r.Window < window:
			add(r, RuleRate, "window %d after window %d", r.Window, window)
		case r.Window > window:
			window = r.Window
			inWindow = 1
		default:
			inWindow++
			if inWindow == rate+1 {
				add(r, RuleRate, "more than %d records in window %d", rate, window)
			}
		}
	}

	return out
}

// CheckRun verifies every machine of a run. records may be in any order;
// each machine's records are sorted by seq before checking. Values received
// by a machine must have been sent to it, counting duplicates.
func CheckRun(rates map[int]int, records []event.Record, opts ...Option) []Violation {
	byMachine := map[int][]event.Record{}
	for _, r := range records {
		byMachine[r.Machine] = append(byMachine[r.Machine], r)
	}

	ids := make([]int, 0, len(byMachine))
	for id := range byMachine {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	var out []Violation
	for _, id := range ids {
		recs := byMachine[id]
		sort.Slice(recs, func(i, j int) bool { return recs[i].Seq < recs[j].Seq })

		rate, ok := rates[id]
		if !ok {
			out = append(out, Violation{Rule: RuleMachine, Machine: id, Detail: "machine not in run"})
			continue
		}
		out = append(out, Check(rate, recs, opts...)...)
	}

	return append(out, checkDelivery(ids, byMachine)...)
}

func checkDelivery(ids []int, byMachine map[int][]event.Record) []Violation {
	inFlight := map[int]map[uint32]int{}
	for _, id := range ids {
		for _, r := range byMachine[id] {
			if r.Kind != event.Send {
				continue
			}
			if inFlight[r.Peer] == nil {
				inFlight[r.Peer] = map[uint32]int{}
			}
			inFlight[r.Peer][r.Message]++
		}
	}

	var out []Violation
	for _, id := range ids {
		for _, r := range byMachine[id] {
			if r.Kind != event.Receive {
				continue
			}
			if inFlight[id][r.Message] == 0 {
				out = append(out, Violation{
					Rule:    RuleDelivery,
					Machine: id,
					Seq:     r.Seq,
					Detail:  fmt.Sprintf("received %d, which no peer sent", r.Message),
				})
				continue
			}
			inFlight[id][r.Message]--
		}
	}
	return out
}
