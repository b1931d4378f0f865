package cli

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/scaleclock/internal/eventlog"
	"github.com/roach88/scaleclock/internal/testutil"
)

func newTestRunOptions(format string) *RunOptions {
	return &RunOptions{
		RootOptions: &RootOptions{Format: format},
		RunIDs:      testutil.NewFixedRunIDGenerator("run-1"),
	}
}

func TestRunRecordReportVerify(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "c.yaml", fastYAML)
	dbPath := filepath.Join(dir, "runs.db")
	logDir := filepath.Join(dir, "log")

	stdout, _, err := execute(newRunCommand(newTestRunOptions("text")),
		"--config", cfgPath, "--db", dbPath, "--log-dir", logDir, "--status-addr", "127.0.0.1:0")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Run finished after")
	assert.Contains(t, stdout, "(seed 11)")
	assert.Contains(t, stdout, "Recorded as run run-1")
	assert.Contains(t, stdout, "total")

	for id := 0; id < 3; id++ {
		data, err := os.ReadFile(filepath.Join(logDir, eventlog.FileName(id)))
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(string(data), "=============="), "machine %d log starts with a block", id)
		assert.Contains(t, string(data), "Global Time: ")
	}

	stdout, _, err = execute(NewReportCommand(&RootOptions{Format: "json"}), "--db", dbPath)
	require.NoError(t, err)
	var report struct {
		Status string       `json:"status"`
		RunID  string       `json:"run_id"`
		Data   ReportResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &report))
	assert.Equal(t, "run-1", report.RunID)
	assert.Equal(t, uint64(11), report.Data.Seed)
	require.Len(t, report.Data.Machines, 3)
	var events int64
	for i, m := range report.Data.Machines {
		assert.Equal(t, i, m.Machine)
		assert.GreaterOrEqual(t, m.Rate, 1)
		assert.LessOrEqual(t, m.Rate, 6)
		events += m.Events()
	}
	assert.Positive(t, events)

	stdout, _, err = execute(NewVerifyCommand(&RootOptions{Format: "text"}), "--db", dbPath, "--run", "run-1")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Run run-1:")
	assert.Contains(t, stdout, "no violations")
}

func TestRunJSONSummaryWithoutStore(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "c.yaml", fastYAML)

	stdout, _, err := execute(newRunCommand(newTestRunOptions("json")),
		"--config", cfgPath, "--log-dir", "", "--machines", "2", "--seed", "5", "--duration", "200ms")
	require.NoError(t, err)

	var resp struct {
		Status string     `json:"status"`
		Data   RunSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Empty(t, resp.Data.RunID)
	assert.Empty(t, resp.Data.LogDir)
	assert.Equal(t, uint64(5), resp.Data.Seed)
	require.Len(t, resp.Data.Machines, 2)
	for _, m := range resp.Data.Machines {
		assert.Positive(t, m.Events())
		assert.Zero(t, m.SendFailures)
	}
}

func TestRunStopsWithContext(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "c.yaml", fastYAML)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	cmd := newRunCommand(newTestRunOptions("text"))
	cmd.SetContext(ctx)
	stdout, _, err := execute(cmd, "--config", cfgPath, "--log-dir", "", "--duration", "0s")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Run finished after")
}

func TestRunInvalidFlags(t *testing.T) {
	stdout, _, err := execute(newRunCommand(newTestRunOptions("text")),
		"--machines", "0", "--log-dir", "")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, stdout, "machines must be at least 1, got 0")
}

func TestRunStatusAddrInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "c.yaml", fastYAML)

	stdout, _, err := execute(newRunCommand(newTestRunOptions("text")),
		"--config", cfgPath, "--log-dir", "", "--status-addr", ln.Addr().String())
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, stdout, "Error [E006]: failed to start monitor")
}
