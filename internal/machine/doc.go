// Package machine implements the per-machine event engine.
//
// Each Machine owns a Lamport logical clock and runs at a fixed rate of ticks
// per period. On every tick it first consumes one message from its mailbox if
// any is waiting, applying the receive rule clock = max(clock, received) + 1.
// Only when the mailbox is empty does it draw an outcome uniformly from
// [1, EventRange]:
//
//	r in [1, k]   send the current clock to peer r-1 (peers sorted by ID)
//	r == k+1      send to every peer, one extra tick per extra send
//	otherwise     internal event
//
// A send transmits the clock value before incrementing it, so the value on
// the wire is the sender's pre-increment clock.
package machine
