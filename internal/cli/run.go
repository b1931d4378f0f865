package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"

	"github.com/roach88/scaleclock/internal/cluster"
	"github.com/roach88/scaleclock/internal/config"
	"github.com/roach88/scaleclock/internal/event"
	"github.com/roach88/scaleclock/internal/eventlog"
	"github.com/roach88/scaleclock/internal/monitor"
	"github.com/roach88/scaleclock/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	ConfigPath string
	Machines   int
	Duration   time.Duration
	Seed       uint64
	Database   string
	LogDir     string
	StatusAddr string

	// RunIDs allows overriding the run id generator (for testing).
	// If nil, the store uses UUIDv7Generator.
	RunIDs store.RunIDGenerator

	// ClusterOptions are passed to the registry (for testing).
	ClusterOptions []cluster.Option
}

// RunSummary is the result of a finished run.
type RunSummary struct {
	RunID    string       `json:"run_id,omitempty"`
	Seed     uint64       `json:"seed"`
	Duration string       `json:"duration"`
	LogDir   string       `json:"log_dir,omitempty"`
	Database string       `json:"db,omitempty"`
	Machines []MachineRow `json:"machines"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return newRunCommand(&RunOptions{RootOptions: rootOpts})
}

func newRunCommand(opts *RunOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the clock simulation",
		Long: `Start every machine, connect them in a full mesh and let them tick
until the run duration elapses or the process is interrupted.

Configuration is resolved in order: built-in defaults, --config file,
SCALECLOCK_* environment variables, then command-line flags.

Example:
  scaleclock run
  scaleclock run --machines 3 --duration 1m --seed 42 --db ./runs.db
  scaleclock run --config ./scaleclock.yaml --status-addr 127.0.0.1:8080`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulation(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (.yaml, .yml or .cue)")
	cmd.Flags().IntVarP(&opts.Machines, "machines", "n", config.DefaultMachines, "number of machines")
	cmd.Flags().DurationVarP(&opts.Duration, "duration", "d", config.DefaultDuration, "run length (0 runs until interrupted)")
	cmd.Flags().Uint64Var(&opts.Seed, "seed", 0, "PRNG seed (0 picks one from the clock)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "record the run to this SQLite database")
	cmd.Flags().StringVar(&opts.LogDir, "log-dir", config.DefaultLogDir, "directory for machine<id>.log files (empty disables)")
	cmd.Flags().StringVar(&opts.StatusAddr, "status-addr", "", "serve the HTTP monitor on this address")

	return cmd
}

// resolveConfig layers file, environment and explicitly set flags over the
// defaults.
func (opts *RunOptions) resolveConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if opts.ConfigPath != "" {
		loaded, err := config.Load(opts.ConfigPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return config.Config{}, err
	}

	flags := cmd.Flags()
	if flags.Changed("machines") {
		cfg.Machines = opts.Machines
	}
	if flags.Changed("duration") {
		cfg.Duration = config.Duration(opts.Duration)
	}
	if flags.Changed("seed") {
		cfg.Seed = opts.Seed
	}
	if flags.Changed("db") {
		cfg.DB = opts.Database
	}
	if flags.Changed("log-dir") {
		cfg.LogDir = opts.LogDir
	}
	if flags.Changed("status-addr") {
		cfg.StatusAddr = opts.StatusAddr
	}
	return cfg, nil
}

func runSimulation(opts *RunOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr())
	slog.SetDefault(logger)

	cfg, err := opts.resolveConfig(cmd)
	if err != nil {
		return fail(formatter, ExitCommandError, ErrCodeConfig, "failed to load config", err, nil)
	}
	if err := cfg.Validate(); err != nil {
		return failInvalidConfig(formatter, err)
	}
	// Fix the seed up front so the stored config reproduces the run.
	if cfg.Seed == 0 {
		cfg.Seed = uint64(time.Now().UnixNano())
	}

	// Setup signal handling for graceful shutdown
	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	var recorders []event.Recorder

	sinks, err := openSinks(cfg, logger)
	if err != nil {
		return fail(formatter, ExitCommandError, ErrCodeConfig, "failed to open event logs", err, nil)
	}
	defer closeSinks(sinks)
	for _, s := range sinks {
		recorders = append(recorders, s)
	}

	var (
		st    *store.Store
		run   store.Run
		flush *store.Recorder
	)
	if cfg.DB != "" {
		st, run, err = openRunStore(ctx, cfg, opts.RunIDs, logger)
		if err != nil {
			return fail(formatter, ExitCommandError, ErrCodeStore, "failed to open database", err, nil)
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				logger.Error("error closing database", "error", closeErr)
			}
		}()

		flush = st.Recorder(run.ID)
		atexit.Register(func() { _ = flush.Close() })
		defer flush.Close()
		recorders = append(recorders, flush)
	}

	clusterOpts := append([]cluster.Option{cluster.WithLogger(logger)}, opts.ClusterOptions...)
	reg, err := cluster.New(cfg, event.Multi(recorders...), clusterOpts...)
	if err != nil {
		return failInvalidConfig(formatter, err)
	}
	defer reg.Close()

	runCtx := ctx
	if d := cfg.Duration.Std(); d > 0 {
		var stop context.CancelFunc
		runCtx, stop = context.WithTimeout(ctx, d)
		defer stop()
	}

	started := time.Now()
	if err := reg.Start(runCtx); err != nil {
		return fail(formatter, ExitFailure, ErrCodeStartup, "failed to start machines", err, nil)
	}

	if st != nil {
		for _, n := range reg.Nodes() {
			m := store.Machine{Machine: n.ID, Rate: n.Rate, Addr: n.Listener.Addr().String()}
			if err := st.WriteMachine(ctx, run.ID, m); err != nil {
				logger.Error("failed to record machine", "machine", n.ID, "error", err)
			}
		}
	}

	monitorDone := make(chan error, 1)
	if cfg.StatusAddr != "" {
		mon := monitor.New(reg, logger)
		if err := mon.Listen(cfg.StatusAddr); err != nil {
			return fail(formatter, ExitCommandError, ErrCodeStartup, "failed to start monitor", err, nil)
		}
		go func() { monitorDone <- mon.Serve(runCtx) }()
	} else {
		monitorDone <- nil
	}

	fmt.Fprintf(formatter.GetErrWriter(), "Running %d machines (seed %d). Press Ctrl-C to stop.\n",
		cfg.Machines, cfg.Seed)

	runErr := reg.Wait()
	reg.Close()
	cancel()
	if err := <-monitorDone; err != nil {
		logger.Error("monitor stopped", "error", err)
	}

	if flush != nil {
		_ = flush.Close()
		if n := flush.Failed(); n > 0 {
			logger.Warn("records lost to store errors", "records", n)
		}
	}
	closeSinks(sinks)

	summary := RunSummary{
		RunID:    run.ID,
		Seed:     cfg.Seed,
		Duration: time.Since(started).Round(time.Millisecond).String(),
		LogDir:   cfg.LogDir,
		Database: cfg.DB,
		Machines: statusRows(reg.Status()),
	}
	if outErr := outputRunSummary(formatter, summary); outErr != nil {
		return outErr
	}

	if runErr != nil {
		return fail(formatter, ExitFailure, ErrCodeRun, "run failed", runErr, nil)
	}
	logger.Info("run finished", "seed", cfg.Seed, "run", run.ID)
	return nil
}

// failInvalidConfig reports every validation problem: as error details in
// JSON, one per line in text.
func failInvalidConfig(f *OutputFormatter, err error) error {
	var ve *config.ValidationError
	if !errors.As(err, &ve) {
		return fail(f, ExitCommandError, ErrCodeInvalidConfig, "invalid config", err, nil)
	}

	if f.IsJSON() {
		_ = f.Error(ErrCodeInvalidConfig, "invalid config", ve.Problems)
	} else {
		_ = f.Error(ErrCodeInvalidConfig, "invalid config", nil)
		for _, p := range ve.Problems {
			fmt.Fprintf(f.Writer, "  - %s\n", p)
		}
	}
	return WrapExitError(ExitCommandError, "validation failed", err)
}

func openSinks(cfg config.Config, logger *slog.Logger) ([]*eventlog.FileSink, error) {
	if cfg.LogDir == "" {
		return nil, nil
	}

	sinks := make([]*eventlog.FileSink, 0, cfg.Machines)
	for id := 0; id < cfg.Machines; id++ {
		s, err := eventlog.Open(cfg.LogDir, id, logger)
		if err != nil {
			closeSinks(sinks)
			return nil, err
		}
		atexit.Register(func() { _ = s.Close() })
		sinks = append(sinks, s)
	}
	return sinks, nil
}

func closeSinks(sinks []*eventlog.FileSink) {
	for _, s := range sinks {
		_ = s.Close()
	}
}

func openRunStore(ctx context.Context, cfg config.Config, ids store.RunIDGenerator, logger *slog.Logger) (*store.Store, store.Run, error) {
	storeOpts := []store.Option{store.WithLogger(logger)}
	if ids != nil {
		storeOpts = append(storeOpts, store.WithRunIDGenerator(ids))
	}

	st, err := store.Open(cfg.DB, storeOpts...)
	if err != nil {
		return nil, store.Run{}, err
	}

	cfgJSON, err := cfg.JSON()
	if err != nil {
		st.Close()
		return nil, store.Run{}, err
	}

	run, err := st.CreateRun(ctx, store.Run{
		Machines: cfg.Machines,
		Seed:     cfg.Seed,
		Config:   cfgJSON,
	})
	if err != nil {
		st.Close()
		return nil, store.Run{}, err
	}
	return st, run, nil
}

func statusRows(statuses []cluster.Status) []MachineRow {
	rows := make([]MachineRow, 0, len(statuses))
	for _, s := range statuses {
		rows = append(rows, MachineRow{
			Machine:      s.ID,
			Rate:         s.Rate,
			Clock:        s.Clock,
			Receives:     s.Receives,
			Sends:        s.Sends,
			Internals:    s.Internals,
			SendFailures: s.SendFailures,
		})
	}
	return rows
}

func outputRunSummary(f *OutputFormatter, summary RunSummary) error {
	if f.IsJSON() {
		return f.SuccessForRun(summary.RunID, summary)
	}

	w := f.Writer
	fmt.Fprintf(w, "Run finished after %s (seed %d)\n", summary.Duration, summary.Seed)
	if summary.RunID != "" {
		fmt.Fprintf(w, "Recorded as run %s in %s\n", summary.RunID, summary.Database)
	}
	if summary.LogDir != "" {
		fmt.Fprintf(w, "Event logs in %s\n", summary.LogDir)
	}
	fmt.Fprintln(w)
	return writeTable(w, summary.Machines, false)
}
