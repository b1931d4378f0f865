package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/scaleclock/internal/event"
)

// AllMachines selects every machine in ReadRecords.
const AllMachines = -1

// GetRun returns one run, or ErrNotFound.
func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, started_at, machines, seed, config
		FROM runs
		WHERE id = ?
	`, id)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("run %q: %w", id, ErrNotFound)
	}
	return run, err
}

// LatestRun returns the most recently started run, or ErrNotFound if the
// store is empty. Runs started in the same nanosecond are ordered by ID,
// which for UUIDv7 also follows creation order.
func (s *Store) LatestRun(ctx context.Context) (Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, started_at, machines, seed, config
		FROM runs
		ORDER BY started_at DESC, id DESC
		LIMIT 1
	`)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("latest run: %w", ErrNotFound)
	}
	return run, err
}

// ListRuns returns every run, newest first.
//
// Returns an empty slice (not nil) if the store holds no runs.
func (s *Store) ListRuns(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, machines, seed, config
		FROM runs
		ORDER BY started_at DESC, id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// ReadMachines returns a run's machines ordered by ID.
func (s *Store) ReadMachines(ctx context.Context, runID string) ([]Machine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT machine, rate, addr
		FROM machines
		WHERE run_id = ?
		ORDER BY machine ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query machines: %w", err)
	}
	defer rows.Close()

	machines := []Machine{}
	for rows.Next() {
		var m Machine
		if err := rows.Scan(&m.Machine, &m.Rate, &m.Addr); err != nil {
			return nil, fmt.Errorf("scan machine: %w", err)
		}
		machines = append(machines, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate machines: %w", err)
	}
	return machines, nil
}

// ReadRecords returns a run's records for one machine, or for all of them
// when machine is AllMachines. Ordered by machine, then seq.
//
// Returns an empty slice (not nil) if nothing matches.
func (s *Store) ReadRecords(ctx context.Context, runID string, machine int) ([]event.Record, error) {
	query := `
		SELECT machine, seq, batch, kind, message, clock, queue_size, peer, wall_time
		FROM records
		WHERE run_id = ?`
	args := []any{runID}
	if machine != AllMachines {
		query += ` AND machine = ?`
		args = append(args, machine)
	}
	// ORDER BY matches the UNIQUE (run_id, machine, seq) index, so SQLite
	// walks it instead of sorting.
	query += ` ORDER BY machine ASC, seq ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	records := []event.Record{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

// Summary aggregates one machine's records.
type Summary struct {
	Machine    int
	Rate       int
	Receives   int64
	Sends      int64
	Internals  int64
	FinalClock uint32
	MaxQueue   int
	First      time.Time
	Last       time.Time
}

// Total returns the number of records.
func (s Summary) Total() int64 {
	return s.Receives + s.Sends + s.Internals
}

// Summaries aggregates every machine of a run, ordered by machine ID.
// Machines that recorded nothing are included with zero counts.
func (s *Store) Summaries(ctx context.Context, runID string) ([]Summary, error) {
	// LEFT JOIN keeps machines without records. SUM over a boolean
	// comparison counts matching rows; COALESCE turns the NULLs of an empty
	// group into zeros.
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.machine, m.rate,
			COALESCE(SUM(r.kind = 'receive'), 0),
			COALESCE(SUM(r.kind = 'send'), 0),
			COALESCE(SUM(r.kind = 'internal'), 0),
			COALESCE(MAX(r.clock), 0),
			COALESCE(MAX(r.queue_size), 0),
			COALESCE(MIN(r.wall_time), 0),
			COALESCE(MAX(r.wall_time), 0)
		FROM machines m
		LEFT JOIN records r ON r.run_id = m.run_id AND r.machine = m.machine
		WHERE m.run_id = ?
		GROUP BY m.machine, m.rate
		ORDER BY m.machine ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query summaries: %w", err)
	}
	defer rows.Close()

	out := []Summary{}
	for rows.Next() {
		var (
			sum         Summary
			clock       int64
			first, last int64
		)
		if err := rows.Scan(&sum.Machine, &sum.Rate, &sum.Receives, &sum.Sends, &sum.Internals,
			&clock, &sum.MaxQueue, &first, &last); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		sum.FinalClock = uint32(clock)
		// A zero wall time means the machine recorded nothing.
		if first != 0 {
			sum.First = time.Unix(0, first)
			sum.Last = time.Unix(0, last)
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate summaries: %w", err)
	}
	return out, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var (
		run     Run
		started int64
		seed    int64
	)
	if err := row.Scan(&run.ID, &started, &run.Machines, &seed, &run.Config); err != nil {
		// Returned unwrapped so callers can map it to ErrNotFound.
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("scan run: %w", err)
	}
	run.StartedAt = time.Unix(0, started)
	run.Seed = uint64(seed)
	return run, nil
}

func scanRecord(row scanner) (event.Record, error) {
	var (
		r              event.Record
		kind           string
		message, clock int64
		wall           int64
	)
	if err := row.Scan(&r.Machine, &r.Seq, &r.Window, &kind, &message, &clock, &r.QueueSize, &r.Peer, &wall); err != nil {
		return event.Record{}, fmt.Errorf("scan record: %w", err)
	}

	k, err := event.ParseKind(kind)
	if err != nil {
		return event.Record{}, fmt.Errorf("scan record %d/%d: %w", r.Machine, r.Seq, err)
	}
	r.Kind = k
	r.Message = uint32(message)
	r.Clock = uint32(clock)
	r.WallTime = time.Unix(0, wall)
	return r, nil
}
