package cli

import (
	"io"
	"text/tabwriter"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// MachineRow is one line of a per-machine summary table.
type MachineRow struct {
	Machine      int    `json:"machine"`
	Rate         int    `json:"rate"`
	Clock        uint32 `json:"clock"`
	Receives     int64  `json:"receives"`
	Sends        int64  `json:"sends"`
	Internals    int64  `json:"internals"`
	SendFailures int64  `json:"send_failures,omitempty"`
	MaxQueue     int    `json:"max_queue,omitempty"`
}

// Events returns the number of logged events.
func (r MachineRow) Events() int64 {
	return r.Receives + r.Sends + r.Internals
}

// writeTable renders rows with grouped digits, followed by a totals line.
func writeTable(w io.Writer, rows []MachineRow, showQueue bool) error {
	p := message.NewPrinter(language.English)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)

	if showQueue {
		p.Fprintf(tw, "machine\trate\tclock\treceives\tsends\tinternal\tevents\tmax queue\t\n")
	} else {
		p.Fprintf(tw, "machine\trate\tclock\treceives\tsends\tinternal\tevents\tsend failures\t\n")
	}

	var total MachineRow
	for _, r := range rows {
		last := r.SendFailures
		if showQueue {
			last = int64(r.MaxQueue)
		}
		p.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t\n",
			r.Machine, r.Rate, r.Clock, r.Receives, r.Sends, r.Internals, r.Events(), last)

		total.Receives += r.Receives
		total.Sends += r.Sends
		total.Internals += r.Internals
		total.Clock = max(total.Clock, r.Clock)
	}
	p.Fprintf(tw, "total\t\t%d\t%d\t%d\t%d\t%d\t\t\n",
		total.Clock, total.Receives, total.Sends, total.Internals, total.Events())

	return tw.Flush()
}
