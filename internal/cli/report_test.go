package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/scaleclock/internal/event"
	"github.com/roach88/scaleclock/internal/store"
	"github.com/roach88/scaleclock/internal/testutil"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// seedStore writes a two-machine run by hand. Machine 1 receives a value
// machine 0 sent it; corrupt breaks machine 1's receive rule.
func seedStore(t *testing.T, corrupt bool) string {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "runs.db")

	st, err := store.Open(path, store.WithRunIDGenerator(testutil.NewFixedRunIDGenerator("run-1")))
	require.NoError(t, err)
	defer st.Close()

	run, err := st.CreateRun(ctx, store.Run{StartedAt: epoch, Machines: 2, Seed: 9})
	require.NoError(t, err)
	require.NoError(t, st.WriteMachine(ctx, run.ID, store.Machine{Machine: 0, Rate: 2, Addr: "127.0.0.1:6666"}))
	require.NoError(t, st.WriteMachine(ctx, run.ID, store.Machine{Machine: 1, Rate: 1, Addr: "127.0.0.1:6667"}))

	receiveClock := uint32(2)
	if corrupt {
		receiveClock = 7
	}
	records := []event.Record{
		{Machine: 0, Seq: 1, Window: 1, Kind: event.Internal, Clock: 1, Peer: event.NoPeer, WallTime: epoch},
		{Machine: 0, Seq: 2, Window: 1, Kind: event.Send, Message: 1, Clock: 2, Peer: 1, WallTime: epoch.Add(time.Millisecond)},
		{Machine: 1, Seq: 1, Window: 1, Kind: event.Receive, Message: 1, Clock: receiveClock, QueueSize: 1, Peer: event.NoPeer, WallTime: epoch.Add(2 * time.Millisecond)},
	}
	require.NoError(t, st.WriteRecords(ctx, run.ID, records))
	return path
}

func TestReportText(t *testing.T) {
	path := seedStore(t, false)

	stdout, _, err := execute(NewReportCommand(&RootOptions{Format: "text"}), "--db", path)
	require.NoError(t, err)
	assert.Contains(t, stdout, "Run run-1")
	assert.Contains(t, stdout, "seed 9")
	assert.Contains(t, stdout, "events spanning 2ms")
	assert.Contains(t, stdout, "max queue")

	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.GreaterOrEqual(t, len(lines), 4)
	assert.Equal(t, []string{"0", "2", "2", "0", "1", "1", "2", "0"}, strings.Fields(lines[len(lines)-3]))
	assert.Equal(t, []string{"1", "1", "2", "1", "0", "0", "1", "1"}, strings.Fields(lines[len(lines)-2]))
	assert.Equal(t, []string{"total", "2", "1", "1", "1", "3"}, strings.Fields(lines[len(lines)-1]))
}

func TestWriteTableGroupsDigits(t *testing.T) {
	buf := &bytes.Buffer{}
	rows := []MachineRow{{Machine: 0, Rate: 6, Clock: 12345, Receives: 1000, Sends: 200, Internals: 30, SendFailures: 2}}

	require.NoError(t, writeTable(buf, rows, false))
	assert.Contains(t, buf.String(), "send failures")
	assert.Contains(t, buf.String(), "12,345")
	assert.Contains(t, buf.String(), "1,230")
}

func TestReportErrors(t *testing.T) {
	path := seedStore(t, false)

	tests := []struct {
		name     string
		args     []string
		wantCode string
	}{
		{"database not found", []string{"--db", filepath.Join(t.TempDir(), "missing.db")}, ErrCodeStore},
		{"unknown run", []string{"--db", path, "--run", "nope"}, ErrCodeRunNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stdout, _, err := execute(NewReportCommand(&RootOptions{Format: "text"}), tt.args...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			assert.Contains(t, stdout, "Error ["+tt.wantCode+"]")
		})
	}
}

func TestReportRequiresDB(t *testing.T) {
	_, _, err := execute(NewReportCommand(&RootOptions{Format: "text"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
	assert.Contains(t, err.Error(), "db")
}
