package machine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"
	"sync/atomic"
	"time"

	"github.com/roach88/scaleclock/internal/event"
	"github.com/roach88/scaleclock/internal/ratelimit"
)

// DefaultEventRange is the size of the uniform draw that picks a tick's
// outcome when the mailbox is empty.
const DefaultEventRange = 10

// Sender transmits clock values to one peer. *transport.Peer implements it.
type Sender interface {
	ID() int
	Send(v uint32) error
}

// Inbox is the consumer side of the mailbox. *mailbox.Mailbox implements it.
type Inbox interface {
	// TryReceive must check the size and dequeue under a single lock.
	TryReceive() (v uint32, sizeBefore int, ok bool)
	Size() int
}

// Chooser draws the outcome of a tick. *rand.Rand implements it.
type Chooser interface {
	IntN(n int) int
}

// SendFailurePolicy decides how far a failed send reaches.
type SendFailurePolicy string

const (
	// FailConnection drops the failed peer and keeps the machine running.
	FailConnection SendFailurePolicy = "connection"
	// FailProcess stops the machine with the send error.
	FailProcess SendFailurePolicy = "process"
)

// Config holds the per-machine engine parameters.
type Config struct {
	ID   int
	Rate int

	// EventRange is the draw size; must exceed the number of peers.
	// Defaults to DefaultEventRange.
	EventRange int

	// InternalWork is time spent on each internal event. Zero skips it.
	InternalWork time.Duration

	// Period is the rate-limit window. Defaults to one second.
	Period time.Duration

	// SendFailure defaults to FailConnection.
	SendFailure SendFailurePolicy

	// Seed seeds the default Chooser together with ID.
	Seed uint64
}

// Machine is one simulated process: its logical clock and tick loop.
//
// Thread-safety model:
//   - Run(): must be called from exactly one goroutine; it is the only writer
//     of the logical clock.
//   - Clock(), Snapshot(): safe from any goroutine.
type Machine struct {
	cfg      Config
	inbox    Inbox
	peers    []Sender // sorted by peer ID
	down     []atomic.Bool
	recorder event.Recorder
	chooser  Chooser
	wall     ratelimit.Clock
	limiter  *ratelimit.Limiter
	logger   *slog.Logger

	clock  atomic.Uint32
	seq    int64
	window int64

	receives     atomic.Int64
	sends        atomic.Int64
	internals    atomic.Int64
	sendFailures atomic.Int64
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock sets the wall-clock source used for rate limiting, internal
// work and record timestamps.
func WithClock(c ratelimit.Clock) Option {
	return func(m *Machine) {
		m.wall = c
	}
}

// WithChooser replaces the seeded PRNG.
func WithChooser(c Chooser) Option {
	return func(m *Machine) {
		m.chooser = c
	}
}

// WithLogger sets the diagnostic logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) {
		m.logger = l
	}
}

// New creates a machine. peers may be given in any order; outcome slots are
// assigned by ascending peer ID.
func New(cfg Config, inbox Inbox, peers []Sender, rec event.Recorder, opts ...Option) (*Machine, error) {
	if cfg.EventRange == 0 {
		cfg.EventRange = DefaultEventRange
	}
	if cfg.SendFailure == "" {
		cfg.SendFailure = FailConnection
	}
	if cfg.SendFailure != FailConnection && cfg.SendFailure != FailProcess {
		return nil, fmt.Errorf("machine %d: unknown send failure policy %q", cfg.ID, cfg.SendFailure)
	}
	if cfg.EventRange <= len(peers) {
		return nil, fmt.Errorf("machine %d: event range %d must exceed peer count %d",
			cfg.ID, cfg.EventRange, len(peers))
	}
	if inbox == nil {
		return nil, fmt.Errorf("machine %d: nil inbox", cfg.ID)
	}
	if rec == nil {
		rec = event.Discard
	}

	sorted := make([]Sender, len(peers))
	copy(sorted, peers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID() < sorted[j].ID() })

	m := &Machine{
		cfg:      cfg,
		inbox:    inbox,
		peers:    sorted,
		down:     make([]atomic.Bool, len(sorted)),
		recorder: rec,
		wall:     ratelimit.SystemClock{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.chooser == nil {
		m.chooser = rand.New(rand.NewPCG(cfg.Seed, uint64(cfg.ID)))
	}
	m.logger = m.logger.With("machine", cfg.ID)

	var limOpts []ratelimit.Option
	if cfg.Period > 0 {
		limOpts = append(limOpts, ratelimit.WithPeriod(cfg.Period))
	}
	lim, err := ratelimit.New(cfg.Rate, m.wall, limOpts...)
	if err != nil {
		return nil, fmt.Errorf("machine %d: %w", cfg.ID, err)
	}
	m.limiter = lim

	return m, nil
}

// ID returns the machine identity.
func (m *Machine) ID() int { return m.cfg.ID }

// Rate returns the configured ticks per period.
func (m *Machine) Rate() int { return m.cfg.Rate }

// Clock returns the current logical clock.
func (m *Machine) Clock() uint32 { return m.clock.Load() }

// Run executes tick batches until ctx ends, the logical clock would overflow
// or, under FailProcess, a send fails. It returns ctx.Err() on cancellation.
func (m *Machine) Run(ctx context.Context) error {
	m.logger.Info("engine starting", "rate", m.cfg.Rate, "peers", m.peerIDs())

	for {
		w := m.limiter.Begin()
		m.window++
		for ctx.Err() == nil && w.Take(1) {
			if err := m.tick(ctx, w); err != nil {
				m.logger.Error("engine stopped", "error", err)
				return err
			}
		}

		if err := m.limiter.Wait(ctx, w); err != nil {
			m.logger.Info("engine stopped", "clock", m.Clock(), "reason", err)
			return err
		}
	}
}

// tick performs one unit of work. The caller has already taken one tick
// from w; sending to several peers takes the extra ticks itself.
func (m *Machine) tick(ctx context.Context, w *ratelimit.Window) error {
	if received, sizeBefore, ok := m.inbox.TryReceive(); ok {
		return m.receive(received, sizeBefore)
	}

	r := m.chooser.IntN(m.cfg.EventRange) + 1
	switch n := len(m.peers); {
	case r <= n:
		return m.sendTo(ctx, []int{r - 1}, w)
	case r == n+1 && n > 0:
		all := make([]int, n)
		for i := range all {
			all[i] = i
		}
		return m.sendTo(ctx, all, w)
	default:
		return m.internal(ctx)
	}
}

// advance checks that the clock can move past from. The clock never wraps:
// a machine whose next value would not fit stops instead.
func (m *Machine) advance(kind event.Kind, from uint32) (uint32, error) {
	if from == math.MaxUint32 {
		return 0, &ClockOverflowError{Machine: m.cfg.ID, Kind: kind, Clock: m.clock.Load()}
	}
	return from + 1, nil
}

// receive applies Lamport's receive rule.
func (m *Machine) receive(received uint32, sizeBefore int) error {
	next, err := m.advance(event.Receive, max(m.clock.Load(), received))
	if err != nil {
		return err
	}
	m.clock.Store(next)
	m.receives.Add(1)
	m.emit(event.Record{
		Kind:      event.Receive,
		Message:   received,
		Clock:     next,
		QueueSize: sizeBefore,
		Peer:      event.NoPeer,
	})
	return nil
}

// sendTo sends the current clock to each listed peer in turn. The first
// send uses the tick the caller took; each further send takes one more and
// the run stops when the window has none left. Down peers are skipped; if
// every target was already down the tick becomes an internal event.
func (m *Machine) sendTo(ctx context.Context, targets []int, w *ratelimit.Window) error {
	attempted := 0
	for _, idx := range targets {
		if m.down[idx].Load() {
			continue
		}
		if attempted > 0 && !w.Take(1) {
			break
		}

		attempted++
		if err := m.send(idx); err != nil {
			return err
		}
	}

	if attempted == 0 {
		return m.internal(ctx)
	}
	return nil
}

// send transmits the current clock to one peer. A failed send consumes the
// tick without moving the clock. Nothing is sent when the clock cannot
// advance afterwards.
func (m *Machine) send(idx int) error {
	peer := m.peers[idx]
	message := m.clock.Load()
	next, err := m.advance(event.Send, message)
	if err != nil {
		return err
	}

	if err := peer.Send(message); err != nil {
		m.sendFailures.Add(1)
		m.down[idx].Store(true)
		if m.cfg.SendFailure == FailProcess {
			return &SendError{Machine: m.cfg.ID, Peer: peer.ID(), Err: err}
		}
		m.logger.Error("send failed, dropping peer", "peer", peer.ID(), "error", err)
		return nil
	}

	m.clock.Store(next)
	m.sends.Add(1)
	m.emit(event.Record{
		Kind:    event.Send,
		Message: message,
		Clock:   next,
		Peer:    peer.ID(),
	})
	return nil
}

func (m *Machine) internal(ctx context.Context) error {
	next, err := m.advance(event.Internal, m.clock.Load())
	if err != nil {
		return err
	}
	m.clock.Store(next)
	m.internals.Add(1)
	m.emit(event.Record{
		Kind:  event.Internal,
		Clock: next,
		Peer:  event.NoPeer,
	})

	if m.cfg.InternalWork > 0 {
		select {
		case <-ctx.Done():
		case <-m.wall.After(m.cfg.InternalWork):
		}
	}
	return nil
}

func (m *Machine) emit(r event.Record) {
	m.seq++
	r.Machine = m.cfg.ID
	r.Seq = m.seq
	r.Window = m.window
	r.WallTime = m.wall.Now()
	m.recorder.Record(r)
}

func (m *Machine) peerIDs() []int {
	ids := make([]int, len(m.peers))
	for i, p := range m.peers {
		ids[i] = p.ID()
	}
	return ids
}

// Snapshot is a point-in-time view of a machine.
type Snapshot struct {
	ID           int    `json:"id"`
	Rate         int    `json:"rate"`
	Clock        uint32 `json:"clock"`
	MailboxSize  int    `json:"mailbox_size"`
	LivePeers    []int  `json:"live_peers"`
	DownPeers    []int  `json:"down_peers"`
	Receives     int64  `json:"receives"`
	Sends        int64  `json:"sends"`
	Internals    int64  `json:"internals"`
	SendFailures int64  `json:"send_failures"`
}

// Snapshot returns the current state. Counters are read individually, so
// they may be one tick apart from each other.
func (m *Machine) Snapshot() Snapshot {
	s := Snapshot{
		ID:           m.cfg.ID,
		Rate:         m.cfg.Rate,
		Clock:        m.clock.Load(),
		MailboxSize:  m.inbox.Size(),
		LivePeers:    []int{},
		DownPeers:    []int{},
		Receives:     m.receives.Load(),
		Sends:        m.sends.Load(),
		Internals:    m.internals.Load(),
		SendFailures: m.sendFailures.Load(),
	}
	for i, p := range m.peers {
		if m.down[i].Load() {
			s.DownPeers = append(s.DownPeers, p.ID())
		} else {
			s.LivePeers = append(s.LivePeers, p.ID())
		}
	}
	return s
}
