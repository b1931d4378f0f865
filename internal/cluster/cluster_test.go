package cluster

import (
	"context"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roach88/scaleclock/internal/config"
	"github.com/roach88/scaleclock/internal/event"
	"github.com/roach88/scaleclock/internal/machine"
	"github.com/roach88/scaleclock/internal/transport"
	"github.com/roach88/scaleclock/internal/verify"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// fastConfig runs on ephemeral loopback ports with a short period.
func fastConfig() config.Config {
	cfg := config.Default()
	cfg.BasePort = 0
	cfg.Seed = 7
	cfg.Period = config.Duration(40 * time.Millisecond)
	cfg.InternalWork = 0
	cfg.Duration = config.Duration(600 * time.Millisecond)
	cfg.Connect.Initial = config.Duration(time.Millisecond)
	cfg.Connect.MaxWait = config.Duration(10 * time.Millisecond)
	return cfg
}

func TestNew_DrawsRatesFromSeed(t *testing.T) {
	cfg := fastConfig()
	cfg.Machines = 5

	a, err := New(cfg, nil, WithLogger(quiet))
	require.NoError(t, err)
	defer a.Close()
	b, err := New(cfg, nil, WithLogger(quiet))
	require.NoError(t, err)
	defer b.Close()

	for i, n := range a.Nodes() {
		assert.Equal(t, n.Rate, b.Nodes()[i].Rate, "same seed, same rates")
		assert.GreaterOrEqual(t, n.Rate, cfg.MinRate)
		assert.LessOrEqual(t, n.Rate, cfg.MaxRate)
	}
	assert.Equal(t, uint64(7), a.Seed())
}

func TestDrawRates_StreamDiffersFromMachines(t *testing.T) {
	cfg := fastConfig()
	cfg.Machines = 4
	cfg.MinRate = 1
	cfg.MaxRate = 1 << 20

	rates := drawRates(cfg, 7)

	rng := rand.New(rand.NewPCG(7, rateStream))
	for i, rate := range rates {
		assert.Equal(t, cfg.MinRate+rng.IntN(cfg.MaxRate-cfg.MinRate+1), rate, "machine %d", i)
	}

	// Machine 0's outcome chooser must not replay the rate draw.
	first := rand.New(rand.NewPCG(7, rateStream)).Uint64()
	for id := 0; id < cfg.Machines; id++ {
		assert.NotEqual(t, first, rand.New(rand.NewPCG(7, uint64(id))).Uint64(), "machine %d", id)
	}
}

func TestNew_FixedRatesAndValidation(t *testing.T) {
	cfg := fastConfig()
	cfg.Rates = []int{2, 4, 6}

	r, err := New(cfg, nil, WithLogger(quiet))
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, []int{2, 4, 6}, []int{r.Nodes()[0].Rate, r.Nodes()[1].Rate, r.Nodes()[2].Rate})

	cfg.Machines = 0
	_, err = New(cfg, nil)
	assert.True(t, config.IsValidationError(err))

	cfg = fastConfig()
	cfg.Seed = 0
	r, err = New(cfg, nil, WithLogger(quiet))
	require.NoError(t, err)
	defer r.Close()
	assert.NotZero(t, r.Seed(), "a zero seed is replaced from the clock")
}

func TestRun_RecordsObeyClockRules(t *testing.T) {
	cfg := fastConfig()
	cfg.Rates = []int{4, 5, 6}

	var buf event.Buffer
	r, err := Run(context.Background(), cfg, &buf, WithLogger(quiet))
	require.NoError(t, err)

	rates := map[int]int{}
	for _, n := range r.Nodes() {
		rates[n.ID] = n.Rate
		assert.NotEmpty(t, buf.ForMachine(n.ID), "machine %d recorded nothing", n.ID)
	}

	recs := buf.Records()
	assert.Empty(t, verify.CheckRun(rates, recs))

	var sends, receives int
	for _, rec := range recs {
		switch rec.Kind {
		case event.Send:
			sends++
		case event.Receive:
			receives++
		}
	}
	assert.Positive(t, sends)
	assert.Positive(t, receives)
	assert.LessOrEqual(t, receives, sends)
}

func TestStart_StatusReflectsTopology(t *testing.T) {
	cfg := fastConfig()
	cfg.Duration = 0

	r, err := New(cfg, nil, WithLogger(quiet))
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Start(ctx))
	assert.Error(t, r.Start(ctx), "second Start is refused")

	require.Eventually(t, func() bool {
		for _, s := range r.Status() {
			if s.Inbound.Accepted != 2 {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)

	for _, s := range r.Status() {
		assert.NotEmpty(t, s.Addr)
		assert.Len(t, s.LivePeers, 2)
		assert.Len(t, s.Slots, 2)
	}

	s, ok := r.StatusOf(1)
	require.True(t, ok)
	assert.Equal(t, 1, s.ID)
	_, ok = r.StatusOf(3)
	assert.False(t, ok)

	cancel()
	assert.NoError(t, r.Wait())
}

func TestStart_PortInUseIsSetupError(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	cfg := fastConfig()
	cfg.Machines = 1
	cfg.BasePort = busy.Addr().(*net.TCPAddr).Port

	r, err := New(cfg, nil, WithLogger(quiet))
	require.NoError(t, err)

	err = r.Start(context.Background())
	require.Error(t, err)
	assert.True(t, transport.IsSetupError(err))
	assert.NoError(t, r.Close())
}

func TestRun_ProcessPolicyStopsOnSendFailure(t *testing.T) {
	cfg := fastConfig()
	cfg.Duration = 0
	cfg.SendFailure = config.SendFailureProcess
	cfg.Rates = []int{6, 6, 6}
	cfg.Period = config.Duration(10 * time.Millisecond)

	r, err := New(cfg, nil, WithLogger(quiet))
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, r.Start(ctx))

	// Machine 1 goes away; its peers' next sends fail.
	require.NoError(t, r.Nodes()[1].Listener.Close())

	err = r.Wait()
	require.Error(t, err)
	assert.True(t, machine.IsSendError(err))
	assert.NoError(t, ctx.Err(), "the failure, not the timeout, ended the run")
}
