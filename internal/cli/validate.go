package cli

import (
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/scaleclock/internal/config"
)

// ValidationResult is the JSON payload of a successful validate.
type ValidationResult struct {
	Valid  bool          `json:"valid"`
	Config config.Config `json:"config"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <config>",
		Short: "Validate a config file without running",
		Long: `Load a YAML or CUE config file, apply SCALECLOCK_* environment overrides
and check every field. Prints the resolved configuration on success and
every problem found on failure.

Exit codes:
  0 - Config is valid
  2 - Config could not be read or is invalid

Examples:
  scaleclock validate ./scaleclock.yaml
  scaleclock validate ./scaleclock.cue --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	cfg, err := config.Load(path)
	if err != nil {
		return fail(formatter, ExitCommandError, ErrCodeConfig, "failed to load config", err, nil)
	}
	formatter.VerboseLog("Loaded %s", path)

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return fail(formatter, ExitCommandError, ErrCodeConfig, "bad environment override", err, nil)
	}
	if err := cfg.Validate(); err != nil {
		return failInvalidConfig(formatter, err)
	}

	if formatter.IsJSON() {
		return formatter.Success(ValidationResult{Valid: true, Config: cfg})
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fail(formatter, ExitCommandError, ErrCodeConfig, "failed to render config", err, nil)
	}
	w := formatter.Writer
	if _, err := w.Write([]byte("Config valid\n\n")); err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}
