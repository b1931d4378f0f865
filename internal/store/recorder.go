package store

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/roach88/scaleclock/internal/event"
)

// DefaultRecorderBuffer is the channel depth between engines and the writer.
const DefaultRecorderBuffer = 1024

// maxBatch bounds the records committed in one transaction.
const maxBatch = 256

// Recorder adapts the store to event.Recorder for one run.
//
// Records are queued on a buffered channel and committed by a single writer
// goroutine in small transactions. Write failures are logged and counted;
// they never reach the engine. Record blocks only while the buffer is full.
//
// Thread-safety: Record and Close are safe for concurrent use.
type Recorder struct {
	store *Store
	runID string

	mu     sync.RWMutex
	closed bool
	ch     chan event.Record
	done   chan struct{}

	written atomic.Int64
	failed  atomic.Int64
}

// Recorder starts a writer for runID. Call Close to drain it.
func (s *Store) Recorder(runID string) *Recorder {
	r := &Recorder{
		store: s,
		runID: runID,
		ch:    make(chan event.Record, DefaultRecorderBuffer),
		done:  make(chan struct{}),
	}
	go r.loop()
	return r
}

// Record queues rec. Records arriving after Close are dropped.
func (r *Recorder) Record(rec event.Record) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	r.ch <- rec
}

func (r *Recorder) loop() {
	defer close(r.done)

	logger := r.store.logger.With("run", r.runID)
	batch := make([]event.Record, 0, maxBatch)
	for rec := range r.ch {
		batch = append(batch[:0], rec)
	fill:
		for len(batch) < maxBatch {
			select {
			case next, ok := <-r.ch:
				if !ok {
					break fill
				}
				batch = append(batch, next)
			default:
				break fill
			}
		}

		if err := r.store.WriteRecords(context.Background(), r.runID, batch); err != nil {
			r.failed.Add(int64(len(batch)))
			logger.Error("record batch dropped", "records", len(batch), "error", err)
			continue
		}
		r.written.Add(int64(len(batch)))
	}
}

// Close stops accepting records and waits until everything queued has been
// committed. It is idempotent.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.ch)
	}
	r.mu.Unlock()

	<-r.done
	return nil
}

// Written returns the number of committed records.
func (r *Recorder) Written() int64 {
	return r.written.Load()
}

// Failed returns the number of records lost to write errors.
func (r *Recorder) Failed() int64 {
	return r.failed.Load()
}
