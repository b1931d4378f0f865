package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/scaleclock/internal/config"
	"github.com/roach88/scaleclock/internal/store"
	"github.com/roach88/scaleclock/internal/verify"
)

// VerifyResult is the JSON payload of verify.
type VerifyResult struct {
	RunID      string             `json:"run_id"`
	Records    int                `json:"records"`
	Valid      bool               `json:"valid"`
	Violations []verify.Violation `json:"violations"`
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StoreOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check a recorded run against the logical clock rules",
		Long: `Re-read every record of a run and check it: sequence numbers are
contiguous, clocks only move forward and follow Lamport's rules, sends carry
the previous clock, no machine exceeds its rate in any window, and every
received value was sent to the receiver.

Exit codes:
  0 - No violations
  1 - At least one violation
  2 - Command error (database not found, etc.)

Examples:
  scaleclock verify --db ./runs.db
  scaleclock verify --db ./runs.db --run 01890a5d-ac96-774b-bcce-b302099a8057 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(opts, cmd)
		},
	}
	opts.addFlags(cmd)

	return cmd
}

func runVerify(opts *StoreOptions, cmd *cobra.Command) error {
	ctx := context.Background()
	formatter := newFormatter(opts.RootOptions, cmd)

	st, run, err := opts.openRun(ctx, formatter)
	if err != nil {
		return err
	}
	defer st.Close()

	machines, err := st.ReadMachines(ctx, run.ID)
	if err != nil {
		return fail(formatter, ExitCommandError, ErrCodeStore, "failed to read machines", err, nil)
	}
	rates := make(map[int]int, len(machines))
	for _, m := range machines {
		rates[m.Machine] = m.Rate
	}

	// Queue sizes are bounded by the capacity the run was started with.
	runCfg, err := config.ParseJSON(run.Config)
	if err != nil {
		return fail(formatter, ExitCommandError, ErrCodeStore, "failed to read run config", err, nil)
	}

	records, err := st.ReadRecords(ctx, run.ID, store.AllMachines)
	if err != nil {
		return fail(formatter, ExitCommandError, ErrCodeStore, "failed to read records", err, nil)
	}
	formatter.VerboseLog("Checking %d records from %d machines", len(records), len(machines))

	result := VerifyResult{
		RunID:      run.ID,
		Records:    len(records),
		Violations: verify.CheckRun(rates, records, verify.WithMailboxCapacity(runCfg.MailboxCapacity)),
	}
	if result.Violations == nil {
		result.Violations = []verify.Violation{}
	}
	result.Valid = len(result.Violations) == 0

	if formatter.IsJSON() {
		if err := formatter.SuccessForRun(run.ID, result); err != nil {
			return err
		}
	} else {
		outputVerifyText(formatter.Writer, result)
	}

	if !result.Valid {
		// Already shown above.
		return NewExitError(ExitFailure, fmt.Sprintf("%d violations", len(result.Violations)))
	}
	return nil
}

func outputVerifyText(w io.Writer, r VerifyResult) {
	if r.Valid {
		fmt.Fprintf(w, "Run %s: %d records, no violations\n", r.RunID, r.Records)
		return
	}

	fmt.Fprintf(w, "Run %s: %d records, %d violations\n", r.RunID, r.Records, len(r.Violations))
	for _, v := range r.Violations {
		fmt.Fprintf(w, "  %s\n", v)
	}
}
