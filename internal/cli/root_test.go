package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "scaleclock", cmd.Use)
	assert.Contains(t, cmd.Long, "Lamport")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"run", "validate", "report", "verify"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	require.NotNil(t, cmd.PersistentFlags().Lookup("env-file"))
}

func TestRunCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	runCmd, _, err := cmd.Find([]string{"run"})
	require.NoError(t, err)

	defaults := map[string]string{
		"machines":    "3",
		"duration":    "5m0s",
		"seed":        "0",
		"log-dir":     "log",
		"db":          "",
		"status-addr": "",
	}
	for name, def := range defaults {
		flag := runCmd.Flags().Lookup(name)
		require.NotNil(t, flag, name)
		assert.Equal(t, def, flag.DefValue, name)
	}
	assert.Equal(t, "c", runCmd.Flags().Lookup("config").Shorthand)
}

func TestInvalidFormat(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "c.yaml", fastYAML)

	_, stderr, err := execute(NewRootCommand(), "--format", "xml", "validate", path)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.True(t, Reported(err))
	assert.Contains(t, stderr, `invalid format "xml"`)
}

func TestEnvFileOverridesConfig(t *testing.T) {
	// Registers cleanup that restores the variable to unset.
	t.Setenv("SCALECLOCK_MACHINES", "")
	require.NoError(t, os.Unsetenv("SCALECLOCK_MACHINES"))

	dir := t.TempDir()
	path := writeFile(t, dir, "c.yaml", fastYAML)
	envFile := writeFile(t, dir, ".env", "SCALECLOCK_MACHINES=0\n")

	stdout, _, err := execute(NewRootCommand(), "--env-file", envFile, "validate", path)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, stdout, "machines must be at least 1")
}

func TestMissingEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "c.yaml", fastYAML)

	_, _, err := execute(NewRootCommand(), "--env-file", filepath.Join(dir, "missing.env"), "validate", path)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load env file")
}
