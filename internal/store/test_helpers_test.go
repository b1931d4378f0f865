package store

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/scaleclock/internal/event"
	"github.com/roach88/scaleclock/internal/testutil"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// createTestStore creates a new temp-dir store with a fixed run ID.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	opts = append([]Option{WithRunIDGenerator(testutil.NewFixedRunIDGenerator("run-1"))}, opts...)
	s, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// rec builds a record stamped seq seconds after epoch.
func rec(machine int, seq int64, kind event.Kind, message, clock uint32) event.Record {
	peer := event.NoPeer
	if kind == event.Send {
		peer = (machine + 1) % 3
	}
	return event.Record{
		Machine:  machine,
		Seq:      seq,
		Window:   seq,
		Kind:     kind,
		Message:  message,
		Clock:    clock,
		Peer:     peer,
		WallTime: epoch.Add(time.Duration(seq) * time.Second),
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
