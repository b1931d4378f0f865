// Package cluster boots a set of machines in one process and drives their
// lifetime.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/roach88/scaleclock/internal/config"
	"github.com/roach88/scaleclock/internal/event"
	"github.com/roach88/scaleclock/internal/machine"
	"github.com/roach88/scaleclock/internal/mailbox"
	"github.com/roach88/scaleclock/internal/ratelimit"
	"github.com/roach88/scaleclock/internal/transport"
)

// Node is one machine with its transport.
type Node struct {
	ID       int
	Rate     int
	Mailbox  *mailbox.Mailbox
	Listener *transport.Listener
	Peers    []*transport.Peer
	Machine  *machine.Machine
}

// Status is a point-in-time view of a node for monitoring.
type Status struct {
	machine.Snapshot
	Addr    string                  `json:"addr"`
	Inbound transport.ListenerStats `json:"inbound"`
	Slots   []transport.SlotInfo    `json:"slots"`
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger passed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// WithClock sets the wall clock used by the engines.
func WithClock(c ratelimit.Clock) Option {
	return func(r *Registry) {
		r.clock = c
	}
}

// Registry owns every machine of a run. It replaces a process-wide machine
// table: nothing outside it holds machines, mailboxes or connections.
//
// Lifecycle: New → Start → Wait → Close. Close is safe on every exit path,
// including after a failed Start.
type Registry struct {
	cfg      config.Config
	seed     uint64
	nodes    []*Node
	recorder event.Recorder
	logger   *slog.Logger
	clock    ratelimit.Clock

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	err     error

	closeOnce sync.Once
}

// New validates cfg, draws each machine's rate and allocates mailboxes.
// Nothing is bound or dialed until Start.
func New(cfg config.Config, rec event.Recorder, opts ...Option) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if rec == nil {
		rec = event.Discard
	}

	r := &Registry{
		cfg:      cfg,
		seed:     cfg.Seed,
		recorder: rec,
		logger:   slog.Default(),
		clock:    ratelimit.SystemClock{},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.seed == 0 {
		r.seed = uint64(time.Now().UnixNano())
	}

	rates := drawRates(cfg, r.seed)
	for id := 0; id < cfg.Machines; id++ {
		mb, err := mailbox.New(cfg.MailboxCapacity)
		if err != nil {
			r.closeMailboxes()
			return nil, fmt.Errorf("machine %d: %w", id, err)
		}
		r.nodes = append(r.nodes, &Node{ID: id, Rate: rates[id], Mailbox: mb})
	}

	return r, nil
}

// rateStream is the second PCG seed word of the rate draw. Machines use
// their ID there, which never reaches this value.
const rateStream = math.MaxUint64

// drawRates returns the configured rates, or draws each uniformly from
// [MinRate, MaxRate] with a PRNG seeded from seed.
func drawRates(cfg config.Config, seed uint64) []int {
	if len(cfg.Rates) > 0 {
		return append([]int(nil), cfg.Rates...)
	}
	rng := rand.New(rand.NewPCG(seed, rateStream))
	rates := make([]int, cfg.Machines)
	for i := range rates {
		rates[i] = cfg.MinRate + rng.IntN(cfg.MaxRate-cfg.MinRate+1)
	}
	return rates
}

// Seed returns the effective seed, including one drawn from the clock.
func (r *Registry) Seed() uint64 { return r.seed }

// Config returns the configuration the registry was built from.
func (r *Registry) Config() config.Config { return r.cfg }

// Nodes returns every node, ordered by ID.
func (r *Registry) Nodes() []*Node { return r.nodes }

// Start binds every listener, dials every peer and then launches the
// transport and engine goroutines. Listening on all machines before any
// dial keeps connection setup free of ordering races. On error everything
// opened so far is released.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.New("cluster already started")
	}
	r.started = true
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.mu.Unlock()

	if err := r.setup(ctx); err != nil {
		r.Close()
		return err
	}

	for _, n := range r.nodes {
		r.wg.Add(2)
		go r.serve(ctx, n)
		go r.run(ctx, n)
	}

	r.logger.Info("cluster started", "machines", len(r.nodes), "seed", r.seed)
	return nil
}

func (r *Registry) setup(ctx context.Context) error {
	slots := max(len(r.nodes)-1, 1)
	for _, n := range r.nodes {
		ln, err := transport.Listen(ctx, n.ID, r.cfg.Addr(n.ID), n.Mailbox, transport.ListenOptions{
			Slots:  slots,
			Logger: r.logger,
		})
		if err != nil {
			return err
		}
		n.Listener = ln
	}

	dial := transport.DialConfig{
		Backoff: transport.Backoff{
			Initial:     r.cfg.Connect.Initial.Std(),
			MaxWait:     r.cfg.Connect.MaxWait.Std(),
			MaxAttempts: r.cfg.Connect.MaxAttempts,
		},
		Timeout:      r.cfg.Connect.Timeout.Std(),
		WriteTimeout: r.cfg.Connect.WriteTimeout.Std(),
		Logger:       r.logger,
	}
	for _, n := range r.nodes {
		for _, to := range r.nodes {
			if to.ID == n.ID {
				continue
			}
			p, err := transport.Dial(ctx, n.ID, to.ID, to.Listener.Addr().String(), dial)
			if err != nil {
				return err
			}
			n.Peers = append(n.Peers, p)
		}
	}

	for _, n := range r.nodes {
		senders := make([]machine.Sender, len(n.Peers))
		for i, p := range n.Peers {
			senders[i] = p
		}

		m, err := machine.New(machine.Config{
			ID:           n.ID,
			Rate:         n.Rate,
			EventRange:   r.cfg.EventRange,
			InternalWork: r.cfg.InternalWork.Std(),
			Period:       r.cfg.Period.Std(),
			SendFailure:  machine.SendFailurePolicy(r.cfg.SendFailure),
			Seed:         r.seed,
		}, n.Mailbox, senders, r.recorder,
			machine.WithClock(r.clock),
			machine.WithLogger(r.logger),
		)
		if err != nil {
			return err
		}
		n.Machine = m
	}
	return nil
}

func (r *Registry) serve(ctx context.Context, n *Node) {
	defer r.wg.Done()
	if err := n.Listener.Serve(ctx); err != nil {
		r.fail(ctx, fmt.Errorf("machine %d transport: %w", n.ID, err))
	}
}

func (r *Registry) run(ctx context.Context, n *Node) {
	defer r.wg.Done()
	err := n.Machine.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		r.fail(ctx, err)
	}
}

// fail records the first fatal error and stops the run. Errors that arrive
// after shutdown began are side effects of it and are dropped.
func (r *Registry) fail(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	r.mu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.mu.Unlock()
	r.cancel()
}

// Wait blocks until every goroutine has exited and returns the first fatal
// error, or nil if the run ended by cancellation.
func (r *Registry) Wait() error {
	r.wg.Wait()
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Status returns every node's status, ordered by ID. Nodes that were never
// started report only identity and rate.
func (r *Registry) Status() []Status {
	out := make([]Status, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n.status())
	}
	return out
}

// StatusOf returns one node's status.
func (r *Registry) StatusOf(id int) (Status, bool) {
	if id < 0 || id >= len(r.nodes) {
		return Status{}, false
	}
	return r.nodes[id].status(), true
}

func (n *Node) status() Status {
	s := Status{Snapshot: machine.Snapshot{ID: n.ID, Rate: n.Rate, LivePeers: []int{}, DownPeers: []int{}}}
	if n.Machine != nil {
		s.Snapshot = n.Machine.Snapshot()
	}
	if n.Listener != nil {
		s.Addr = n.Listener.Addr().String()
		s.Inbound = n.Listener.Stats()
		s.Slots = n.Listener.Slots()
	}
	return s
}

// Close stops the run and releases every resource. Outbound peers close
// first so engines blocked in a send wake up; listeners follow, then the
// goroutines are awaited and the mailboxes closed. Close is idempotent.
func (r *Registry) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		cancel := r.cancel
		r.mu.Unlock()
		if cancel != nil {
			cancel()
		}

		for _, n := range r.nodes {
			for _, p := range n.Peers {
				_ = p.Close()
			}
		}
		for _, n := range r.nodes {
			if n.Listener != nil {
				_ = n.Listener.Close()
			}
		}

		r.wg.Wait()
		r.closeMailboxes()
		r.logger.Info("cluster closed")
	})
	return nil
}

func (r *Registry) closeMailboxes() {
	for _, n := range r.nodes {
		n.Mailbox.Close()
	}
}

// Run is New, Start and Wait under cfg.Duration, followed by Close. A zero
// duration runs until ctx ends. The registry is returned for inspection even
// when the run fails.
func Run(ctx context.Context, cfg config.Config, rec event.Recorder, opts ...Option) (*Registry, error) {
	r, err := New(cfg, rec, opts...)
	if err != nil {
		return nil, err
	}

	if d := cfg.Duration.Std(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	if err := r.Start(ctx); err != nil {
		return r, err
	}
	err = r.Wait()
	r.Close()
	return r, err
}
