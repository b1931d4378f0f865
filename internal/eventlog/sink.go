package eventlog

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/roach88/scaleclock/internal/event"
)

// FileName returns the log file name for a machine.
func FileName(machine int) string {
	return fmt.Sprintf("machine%d.log", machine)
}

// FileSink writes one machine's records to <dir>/machine<id>.log.
//
// Each block is flushed as soon as it is written, so the file is readable
// while the run is in progress. Write failures are logged once and further
// records are dropped; the engine never sees them.
//
// Thread-safety: safe for concurrent use.
type FileSink struct {
	machine int
	path    string
	logger  *slog.Logger

	mu     sync.Mutex
	f      *os.File
	w      *bufio.Writer
	failed bool
	closed bool
}

// Open creates dir if needed and truncates the machine's log file.
func Open(dir string, machine int, logger *slog.Logger) (*FileSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	path := filepath.Join(dir, FileName(machine))
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("open log for machine %d: %w", machine, err)
	}

	return &FileSink{
		machine: machine,
		path:    path,
		logger:  logger.With("machine", machine, "log_file", path),
		f:       f,
		w:       bufio.NewWriter(f),
	}, nil
}

// Path returns the file being written.
func (s *FileSink) Path() string {
	return s.path
}

// Record appends r's block. Records for other machines are ignored.
func (s *FileSink) Record(r event.Record) {
	if r.Machine != s.machine {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.failed {
		return
	}

	if _, err := s.w.WriteString(Format(r)); err != nil {
		s.fail(err)
		return
	}
	if err := s.w.Flush(); err != nil {
		s.fail(err)
	}
}

func (s *FileSink) fail(err error) {
	s.failed = true
	s.logger.Error("log write failed, dropping further records", "error", err)
}

// Close flushes and closes the file. It is idempotent.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	flushErr := s.w.Flush()
	closeErr := s.f.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
