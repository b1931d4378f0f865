package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/scaleclock/internal/mailbox"
	"github.com/roach88/scaleclock/internal/wire"
)

// Enqueuer receives decoded clock values. *mailbox.Mailbox implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, v uint32) error
}

// ListenOptions configures a Listener.
type ListenOptions struct {
	// Slots is the number of inbound connections held at once.
	// Connections arriving while every slot is taken are refused.
	Slots int

	Logger *slog.Logger
}

// SlotInfo describes one connection slot.
type SlotInfo struct {
	Index     int    `json:"index"`
	Open      bool   `json:"open"`
	Remote    string `json:"remote,omitempty"`
	Delivered int64  `json:"delivered"`
}

// ListenerStats summarizes a listener's lifetime.
type ListenerStats struct {
	Accepted    int64 `json:"accepted"`
	Refused     int64 `json:"refused"`
	Disconnects int64 `json:"disconnects"`
	Delivered   int64 `json:"delivered"`
}

type slot struct {
	conn      net.Conn
	remote    string
	delivered atomic.Int64
}

// Listener accepts peer connections and feeds their frames to a mailbox.
type Listener struct {
	machine int
	ln      net.Listener
	sink    Enqueuer
	logger  *slog.Logger

	mu     sync.Mutex
	slots  []*slot
	closed bool
	cancel context.CancelFunc
	wg     sync.WaitGroup

	accepted    atomic.Int64
	refused     atomic.Int64
	disconnects atomic.Int64
	delivered   atomic.Int64
}

// Listen binds addr for machine id. Failure to bind is a *SetupError.
// Go listeners set SO_REUSEADDR, so a port left in TIME_WAIT by a previous
// run can be rebound at once.
func Listen(ctx context.Context, id int, addr string, sink Enqueuer, opts ListenOptions) (*Listener, error) {
	if opts.Slots < 1 {
		opts.Slots = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, &SetupError{Stage: StageListen, Machine: id, Addr: addr, Err: err}
	}

	logger = logger.With("machine", id, "listen", ln.Addr().String())
	logger.Info("listener bound")

	return &Listener{
		machine: id,
		ln:      ln,
		sink:    sink,
		logger:  logger,
		slots:   make([]*slot, opts.Slots),
	}, nil
}

// Machine returns the owning machine's identity.
func (l *Listener) Machine() int {
	return l.machine
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Serve accepts connections until ctx ends or Close is called, then waits
// for every connection reader to exit. It returns nil on shutdown.
func (l *Listener) Serve(ctx context.Context) error {
	// Readers may be parked in Enqueue on a full mailbox; cancelling their
	// context is what releases them when Close is called directly.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	l.mu.Lock()
	l.cancel = cancel
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return nil
	}

	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()

	const baseDelay = 5 * time.Millisecond
	const maxDelay = time.Second

	var loopDelay time.Duration
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if l.isClosed() {
				l.wg.Wait()
				return nil
			}

			if loopDelay == 0 {
				loopDelay = baseDelay
			} else {
				loopDelay *= 2
			}
			if loopDelay > maxDelay {
				loopDelay = maxDelay
			}
			l.logger.Error("accept failed", "error", err, "retry_in", loopDelay)

			select {
			case <-ctx.Done():
			case <-time.After(loopDelay):
			}
			continue
		}

		loopDelay = 0
		idx, s, ok := l.register(conn)
		if !ok {
			l.refused.Add(1)
			l.logger.Warn("refusing connection: no free slot", "remote", conn.RemoteAddr().String())
			_ = conn.Close()
			continue
		}

		l.accepted.Add(1)
		l.logger.Info("peer connected", "slot", idx, "remote", s.remote)
		go l.handleConn(ctx, idx, s)
	}
}

// register places conn in the first free slot. The reader's WaitGroup entry
// is added under mu so Close cannot race with it.
func (l *Listener) register(conn net.Conn) (int, *slot, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, nil, false
	}
	for i, s := range l.slots {
		if s == nil {
			s = &slot{conn: conn, remote: conn.RemoteAddr().String()}
			l.slots[i] = s
			l.wg.Add(1)
			return i, s, true
		}
	}
	return 0, nil, false
}

func (l *Listener) release(idx int, s *slot) {
	l.mu.Lock()
	if l.slots[idx] == s {
		l.slots[idx] = nil
	}
	l.mu.Unlock()

	_ = s.conn.Close()
}

// handleConn drains frames from one connection into the sink. Enqueue may
// block on a full mailbox; that is the backpressure point.
func (l *Listener) handleConn(ctx context.Context, idx int, s *slot) {
	defer l.wg.Done()
	defer l.release(idx, s)

	logger := l.logger.With("slot", idx, "remote", s.remote)
	rd := wire.NewReader(s.conn)
	deliver := func(v uint32) error {
		if err := l.sink.Enqueue(ctx, v); err != nil {
			return err
		}
		s.delivered.Add(1)
		l.delivered.Add(1)
		return nil
	}

	for {
		n, err := rd.Drain(deliver)
		if n > 1 {
			logger.Debug("drained buffered frames", "frames", n)
		}
		if err != nil {
			l.readEnded(ctx, logger, err)
			return
		}
	}
}

func (l *Listener) readEnded(ctx context.Context, logger *slog.Logger, err error) {
	switch {
	case ctx.Err() != nil, l.isClosed(), errors.Is(err, mailbox.ErrClosed), errors.Is(err, net.ErrClosed):
		logger.Debug("connection reader stopped", "error", err)
	case wire.IsPeerClosed(err):
		l.disconnects.Add(1)
		logger.Info("peer disconnected", "error", err)
	case wire.IsMalformed(err):
		l.disconnects.Add(1)
		logger.Warn("dropping connection: malformed frame", "error", err)
	default:
		l.disconnects.Add(1)
		logger.Warn("dropping connection: read failed", "error", err)
	}
}

func (l *Listener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Slots returns a snapshot of the slot table.
func (l *Listener) Slots() []SlotInfo {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]SlotInfo, len(l.slots))
	for i, s := range l.slots {
		out[i] = SlotInfo{Index: i}
		if s != nil {
			out[i].Open = true
			out[i].Remote = s.remote
			out[i].Delivered = s.delivered.Load()
		}
	}
	return out
}

// OpenSlots returns the number of live inbound connections.
func (l *Listener) OpenSlots() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, s := range l.slots {
		if s != nil {
			n++
		}
	}
	return n
}

// Stats returns lifetime counters.
func (l *Listener) Stats() ListenerStats {
	return ListenerStats{
		Accepted:    l.accepted.Load(),
		Refused:     l.refused.Load(),
		Disconnects: l.disconnects.Load(),
		Delivered:   l.delivered.Load(),
	}
}

// Close stops accepting and closes every open connection. Readers blocked on
// the network wake with an error and exit. Close is idempotent.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	if l.cancel != nil {
		l.cancel()
	}
	conns := make([]net.Conn, 0, len(l.slots))
	for _, s := range l.slots {
		if s != nil {
			conns = append(conns, s.conn)
		}
	}
	l.mu.Unlock()

	err := l.ln.Close()
	for _, c := range conns {
		_ = c.Close()
	}
	return err
}
