package eventlog

import (
	"fmt"
	"strings"

	"github.com/roach88/scaleclock/internal/event"
)

const rule = "=============="

// Format renders one record as a log block. Global Time is the record's wall
// time in Unix seconds.
func Format(r event.Record) string {
	var b strings.Builder
	b.WriteString(rule + "\n")

	switch r.Kind {
	case event.Receive:
		fmt.Fprintf(&b, "Received Message: %d\n", r.Message)
		fmt.Fprintf(&b, "Logical Clock After Receive: %d\n", r.Clock)
		fmt.Fprintf(&b, "Queue Size Before Receive: %d\n", r.QueueSize)
	case event.Send:
		fmt.Fprintf(&b, "Sent Message: %d\n", r.Message)
		fmt.Fprintf(&b, "Sent To Machine: %d\n", r.Peer)
		fmt.Fprintf(&b, "Logical Clock After Sent: %d\n", r.Clock)
	default:
		b.WriteString("Internal Event\n")
		fmt.Fprintf(&b, "Logical Clock After Event: %d\n", r.Clock)
	}

	fmt.Fprintf(&b, "Global Time: %d\n", r.WallTime.Unix())
	b.WriteString(rule + "\n")
	return b.String()
}
