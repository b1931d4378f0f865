package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/scaleclock/internal/store"
)

// StoreOptions holds the flags shared by commands that read a run store.
type StoreOptions struct {
	*RootOptions
	Database string
	RunID    string // optional - defaults to the latest run
}

func (opts *StoreOptions) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.RunID, "run", "", "run id (default: latest run)")
}

// openRun opens an existing store and resolves the selected run. Errors
// are reported through f.
func (opts *StoreOptions) openRun(ctx context.Context, f *OutputFormatter) (*store.Store, store.Run, error) {
	if _, err := os.Stat(opts.Database); err != nil {
		return nil, store.Run{}, fail(f, ExitCommandError, ErrCodeStore, "database not found", err, nil)
	}

	st, err := store.Open(opts.Database, store.WithLogger(newLogger(opts.RootOptions, f.GetErrWriter())))
	if err != nil {
		return nil, store.Run{}, fail(f, ExitCommandError, ErrCodeStore, "failed to open database", err, nil)
	}

	var run store.Run
	if opts.RunID != "" {
		run, err = st.GetRun(ctx, opts.RunID)
	} else {
		run, err = st.LatestRun(ctx)
	}
	if err != nil {
		st.Close()
		if errors.Is(err, store.ErrNotFound) {
			return nil, store.Run{}, fail(f, ExitCommandError, ErrCodeRunNotFound, "run not found", err, nil)
		}
		return nil, store.Run{}, fail(f, ExitCommandError, ErrCodeStore, "failed to read run", err, nil)
	}

	f.VerboseLog("Using run %s (started %s)", run.ID, run.StartedAt.Format(time.RFC3339))
	return st, run, nil
}

// ReportResult is the JSON payload of report.
type ReportResult struct {
	RunID     string       `json:"run_id"`
	StartedAt time.Time    `json:"started_at"`
	Seed      uint64       `json:"seed"`
	Span      string       `json:"span"`
	Machines  []MachineRow `json:"machines"`
}

// NewReportCommand creates the report command.
func NewReportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StoreOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize a recorded run",
		Long: `Print per-machine event counts, final logical clocks and the largest
mailbox backlog seen for a run recorded with run --db.

Examples:
  scaleclock report --db ./runs.db
  scaleclock report --db ./runs.db --run 01890a5d-ac96-774b-bcce-b302099a8057
  scaleclock report --db ./runs.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReport(opts, cmd)
		},
	}
	opts.addFlags(cmd)

	return cmd
}

func runReport(opts *StoreOptions, cmd *cobra.Command) error {
	ctx := context.Background()
	formatter := newFormatter(opts.RootOptions, cmd)

	st, run, err := opts.openRun(ctx, formatter)
	if err != nil {
		return err
	}
	defer st.Close()

	sums, err := st.Summaries(ctx, run.ID)
	if err != nil {
		return fail(formatter, ExitCommandError, ErrCodeStore, "failed to summarize run", err, nil)
	}

	result := ReportResult{
		RunID:     run.ID,
		StartedAt: run.StartedAt,
		Seed:      run.Seed,
		Machines:  make([]MachineRow, 0, len(sums)),
	}
	var first, last time.Time
	for _, s := range sums {
		result.Machines = append(result.Machines, MachineRow{
			Machine:   s.Machine,
			Rate:      s.Rate,
			Clock:     s.FinalClock,
			Receives:  s.Receives,
			Sends:     s.Sends,
			Internals: s.Internals,
			MaxQueue:  s.MaxQueue,
		})
		if !s.First.IsZero() && (first.IsZero() || s.First.Before(first)) {
			first = s.First
		}
		if s.Last.After(last) {
			last = s.Last
		}
	}
	result.Span = last.Sub(first).Round(time.Millisecond).String()

	if formatter.IsJSON() {
		return formatter.SuccessForRun(run.ID, result)
	}
	return outputReportText(formatter.Writer, result)
}

func outputReportText(w io.Writer, r ReportResult) error {
	fmt.Fprintf(w, "Run %s\n", r.RunID)
	fmt.Fprintf(w, "Started %s, seed %d, events spanning %s\n\n",
		r.StartedAt.Format(time.RFC3339), r.Seed, r.Span)
	return writeTable(w, r.Machines, true)
}
