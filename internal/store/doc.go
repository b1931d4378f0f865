// Package store provides SQLite-backed storage for simulation runs.
//
// A run row describes one invocation of the simulator: its seed, machine
// count and resolved configuration. Each machine of the run gets a row with
// its tick rate, and every tick outcome becomes a records row keyed by
// (run_id, machine, seq). Writes are idempotent: re-inserting an existing
// (run_id, machine, seq) is silently ignored.
//
// # Ordering
//
// Records are always returned ORDER BY machine ASC, seq ASC. Wall time is
// stored for reports and rate checks but never used for ordering.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
