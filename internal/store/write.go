package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/scaleclock/internal/event"
)

// Run describes one simulator invocation.
type Run struct {
	ID        string
	StartedAt time.Time
	Machines  int
	Seed      uint64

	// Config is the resolved configuration as JSON.
	Config string
}

// Machine is one machine of a run.
type Machine struct {
	Machine int
	Rate    int
	Addr    string
}

// CreateRun assigns run an ID from the store's generator and inserts it.
// The stored run is returned.
//
// A zero StartedAt is set to now. An empty Config is stored as "{}" so
// readers can always decode it; missing fields then take their defaults.
func (s *Store) CreateRun(ctx context.Context, run Run) (Run, error) {
	// IDs are UUIDv7 by default, so they sort by creation time as well.
	run.ID = s.ids.Generate()
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	if run.Config == "" {
		run.Config = "{}"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, machines, seed, config)
		VALUES (?, ?, ?, ?, ?)
	`,
		run.ID,
		run.StartedAt.UnixNano(),
		run.Machines,
		int64(run.Seed), // SQLite integers are signed; read back with uint64()
		run.Config,
	)
	if err != nil {
		return Run{}, fmt.Errorf("create run: %w", err)
	}
	return run, nil
}

// WriteMachine inserts or replaces a machine row of a run.
// Writing a machine again replaces its rate and address.
//
// Note: The run referenced by runID must exist (foreign key constraint).
func (s *Store) WriteMachine(ctx context.Context, runID string, m Machine) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO machines (run_id, machine, rate, addr)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id, machine) DO UPDATE SET rate = excluded.rate, addr = excluded.addr
	`, runID, m.Machine, m.Rate, m.Addr)
	if err != nil {
		return fmt.Errorf("write machine %d: %w", m.Machine, err)
	}
	return nil
}

// WriteRecord inserts one record. Uses ON CONFLICT DO NOTHING for
// idempotency - a duplicate (run, machine, seq) is silently ignored.
func (s *Store) WriteRecord(ctx context.Context, runID string, r event.Record) error {
	return s.WriteRecords(ctx, runID, []event.Record{r})
}

// WriteRecords inserts records in a single transaction.
// Either every record of the batch is stored or none is.
//
// Uses ON CONFLICT DO NOTHING like WriteRecord, so a batch retried after a
// partial failure upstream does not duplicate rows already present.
//
// Note: The run referenced by runID must exist (foreign key constraint).
func (s *Store) WriteRecords(ctx context.Context, runID string, records []event.Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write records: begin: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	// Prepare once per batch; the recorder flushes hundreds of records at a time.
	// The conflict target is the UNIQUE (run_id, machine, seq) constraint.
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO records
		(run_id, machine, seq, batch, kind, message, clock, queue_size, peer, wall_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("write records: prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if err := insertRecord(ctx, stmt, runID, r); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write records: commit: %w", err)
	}
	return nil
}

// insertRecord executes the prepared insert for one record. Kinds are stored
// by name, clock values widened to int64 and wall times as Unix nanoseconds.
func insertRecord(ctx context.Context, stmt *sql.Stmt, runID string, r event.Record) error {
	_, err := stmt.ExecContext(ctx,
		runID,
		r.Machine,
		r.Seq,
		r.Window, // stored in the batch column
		r.Kind.String(),
		int64(r.Message),
		int64(r.Clock),
		r.QueueSize,
		r.Peer,
		r.WallTime.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("write record %d/%d: %w", r.Machine, r.Seq, err)
	}
	return nil
}
