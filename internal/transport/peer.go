package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/scaleclock/internal/wire"
)

// DialConfig configures outbound connection setup.
type DialConfig struct {
	// Backoff controls retries while the remote listener is not up yet.
	Backoff Backoff

	// Timeout bounds a single connect attempt. Defaults to one second.
	Timeout time.Duration

	// WriteTimeout, if positive, bounds each frame write. Zero lets a send
	// block for as long as the receiver applies backpressure.
	WriteTimeout time.Duration

	Logger *slog.Logger
}

// Dial connects machine from to machine to at addr, retrying per
// cfg.Backoff. Exhausted retries are reported as a *SetupError.
func Dial(ctx context.Context, from, to int, addr string, cfg DialConfig) (*Peer, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("machine", from, "peer", to, "addr", addr)

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	d := net.Dialer{Timeout: timeout}

	b := cfg.Backoff
	if b.Report == nil {
		b.Report = func(attempt int, err error) error {
			logger.Debug("connect failed, retrying", "attempt", attempt, "error", err)
			return nil
		}
	}

	var conn net.Conn
	err := b.Retry(ctx, func() error {
		c, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, &SetupError{Stage: StageDial, Machine: from, Addr: addr, Err: err}
	}

	logger.Info("connected to peer")
	return NewPeer(to, conn, cfg.WriteTimeout), nil
}

// Peer is the sending half of a connection to another machine.
//
// Thread-safety: Send and Close are safe for concurrent use. Close does not
// wait for an in-flight Send; it closes the socket underneath it so a send
// stalled by backpressure returns.
type Peer struct {
	id           int
	conn         net.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	down   atomic.Bool
	closed atomic.Bool
	sent   atomic.Int64
}

// NewPeer wraps an established connection to machine id.
func NewPeer(id int, conn net.Conn, writeTimeout time.Duration) *Peer {
	return &Peer{id: id, conn: conn, writeTimeout: writeTimeout}
}

// ID returns the remote machine's identity.
func (p *Peer) ID() int {
	return p.id
}

// Send writes one frame carrying v. After the first failure the peer is
// down and every later call returns ErrPeerDown.
func (p *Peer) Send(v uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.down.Load() || p.closed.Load() {
		return ErrPeerDown
	}

	if p.writeTimeout > 0 {
		_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
	}
	if err := wire.WriteFrame(p.conn, v); err != nil {
		p.down.Store(true)
		_ = p.Close()
		return fmt.Errorf("send to machine %d: %w", p.id, err)
	}

	p.sent.Add(1)
	return nil
}

// Sent returns the number of frames written.
func (p *Peer) Sent() int64 {
	return p.sent.Load()
}

// Down reports whether the peer can no longer be used.
func (p *Peer) Down() bool {
	return p.down.Load() || p.closed.Load()
}

// Close closes the connection. Close is idempotent.
func (p *Peer) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.conn.Close()
}
