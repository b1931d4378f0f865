package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roach88/scaleclock/internal/mailbox"
	"github.com/roach88/scaleclock/internal/wire"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type served struct {
	ln   *Listener
	mb   *mailbox.Mailbox
	done chan error
}

// serve starts a listener on an ephemeral loopback port.
func serve(t *testing.T, slots, capacity int) *served {
	t.Helper()

	mb, err := mailbox.New(capacity)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ln, err := Listen(ctx, 0, "127.0.0.1:0", mb, ListenOptions{Slots: slots, Logger: quiet})
	require.NoError(t, err)

	s := &served{ln: ln, mb: mb, done: make(chan error, 1)}
	go func() { s.done <- ln.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-s.done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("listener did not shut down")
		}
		mb.Close()
	})
	return s
}

func dialRaw(t *testing.T, addr net.Addr) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func drainMailbox(mb *mailbox.Mailbox) []uint32 {
	var out []uint32
	for {
		v, err := mb.Dequeue()
		if err != nil {
			return out
		}
		out = append(out, v)
	}
}

func TestListener_DeliversFramesInStreamOrder(t *testing.T) {
	s := serve(t, 2, 16)
	conn := dialRaw(t, s.ln.Addr())

	var batch []byte
	for v := uint32(1); v <= 6; v++ {
		batch = wire.AppendFrame(batch, v)
	}
	_, err := conn.Write(batch)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return s.mb.Size() == 6 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint32{1, 2, 3, 4, 5, 6}, drainMailbox(s.mb))
	assert.Equal(t, int64(6), s.ln.Stats().Delivered)
}

func TestListener_DisconnectFreesSlot(t *testing.T) {
	s := serve(t, 1, 8)

	conn := dialRaw(t, s.ln.Addr())
	require.NoError(t, wire.WriteFrame(conn, 5))
	require.Eventually(t, func() bool { return s.mb.Size() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, s.ln.OpenSlots())

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return s.ln.OpenSlots() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), s.ln.Stats().Disconnects)
	assert.False(t, s.ln.Slots()[0].Open)

	// Nothing more arrives from the freed slot until a fresh accept.
	assert.Equal(t, []uint32{5}, drainMailbox(s.mb))

	again := dialRaw(t, s.ln.Addr())
	require.NoError(t, wire.WriteFrame(again, 6))
	require.Eventually(t, func() bool { return s.mb.Size() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(2), s.ln.Stats().Accepted)
	assert.True(t, s.ln.Slots()[0].Open)
}

func TestListener_MalformedFrameDropsOnlyThatConnection(t *testing.T) {
	s := serve(t, 2, 8)

	good := dialRaw(t, s.ln.Addr())
	bad := dialRaw(t, s.ln.Addr())
	require.Eventually(t, func() bool { return s.ln.OpenSlots() == 2 }, 2*time.Second, 5*time.Millisecond)

	_, err := bad.Write([]byte{0, 0, 0, 1, 0xff})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.ln.OpenSlots() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, wire.WriteFrame(good, 77))
	require.Eventually(t, func() bool { return s.mb.Size() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint32{77}, drainMailbox(s.mb))
}

func TestListener_RefusesWhenSlotsFull(t *testing.T) {
	s := serve(t, 1, 8)

	dialRaw(t, s.ln.Addr())
	require.Eventually(t, func() bool { return s.ln.OpenSlots() == 1 }, 2*time.Second, 5*time.Millisecond)

	extra := dialRaw(t, s.ln.Addr())
	require.Eventually(t, func() bool { return s.ln.Stats().Refused == 1 }, 2*time.Second, 5*time.Millisecond)

	_ = extra.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := extra.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestListener_FullMailboxAppliesBackpressure(t *testing.T) {
	s := serve(t, 1, 1)
	conn := dialRaw(t, s.ln.Addr())

	for v := uint32(1); v <= 3; v++ {
		require.NoError(t, wire.WriteFrame(conn, v))
	}

	require.Eventually(t, func() bool { return s.mb.Size() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), s.ln.Stats().Delivered, "reader must block on the full mailbox")

	var got []uint32
	require.Eventually(t, func() bool {
		if v, err := s.mb.Dequeue(); err == nil {
			got = append(got, v)
		}
		return len(got) == 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint32{1, 2, 3}, got)
}

func TestListener_CloseReleasesReaderBlockedOnMailbox(t *testing.T) {
	mb, err := mailbox.New(1)
	require.NoError(t, err)
	defer mb.Close()

	ln, err := Listen(context.Background(), 0, "127.0.0.1:0", mb, ListenOptions{Slots: 1, Logger: quiet})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- ln.Serve(context.Background()) }()

	conn := dialRaw(t, ln.Addr())
	require.NoError(t, wire.WriteFrame(conn, 1))
	require.NoError(t, wire.WriteFrame(conn, 2))
	require.Eventually(t, func() bool { return mb.Size() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, ln.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Close")
	}
}

func TestListen_PortInUseIsSetupError(t *testing.T) {
	s := serve(t, 1, 1)

	_, err := Listen(context.Background(), 3, s.ln.Addr().String(), s.mb, ListenOptions{Logger: quiet})

	require.Error(t, err)
	assert.True(t, IsSetupError(err))
	var se *SetupError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, StageListen, se.Stage)
	assert.Equal(t, 3, se.Machine)
}

func TestDial_RetriesUntilListenerIsUp(t *testing.T) {
	// Reserve a port, release it, and bring the listener up late.
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := probe.Addr().String()
	require.NoError(t, probe.Close())

	mb, err := mailbox.New(4)
	require.NoError(t, err)
	defer mb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveDone := make(chan error, 1)
	go func() {
		time.Sleep(100 * time.Millisecond)
		ln, err := Listen(ctx, 1, addr, mb, ListenOptions{Slots: 1, Logger: quiet})
		if err != nil {
			serveDone <- err
			return
		}
		serveDone <- ln.Serve(ctx)
	}()

	peer, err := Dial(ctx, 0, 1, addr, DialConfig{
		Backoff: Backoff{Initial: 5 * time.Millisecond, MaxWait: 20 * time.Millisecond, MaxAttempts: 200},
		Logger:  quiet,
	})
	require.NoError(t, err)
	defer peer.Close()

	require.NoError(t, peer.Send(41))
	require.Eventually(t, func() bool { return mb.Size() == 1 }, 2*time.Second, 5*time.Millisecond)
	v, err := mb.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, uint32(41), v)
	assert.Equal(t, int64(1), peer.Sent())

	cancel()
	assert.NoError(t, <-serveDone)
}

func TestDial_ExhaustedRetriesIsSetupError(t *testing.T) {
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := probe.Addr().String()
	require.NoError(t, probe.Close())

	attempts := 0
	_, err = Dial(context.Background(), 2, 0, addr, DialConfig{
		Backoff: Backoff{
			Initial:     time.Millisecond,
			MaxWait:     2 * time.Millisecond,
			MaxAttempts: 3,
			Report:      func(int, error) error { attempts++; return nil },
		},
		Logger: quiet,
	})

	require.Error(t, err)
	assert.True(t, IsSetupError(err))
	var exhausted *RetryExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, 3, attempts)
}

func TestDial_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Dial(ctx, 0, 1, "127.0.0.1:1", DialConfig{Logger: quiet})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPeer_SendFailureMarksPeerDown(t *testing.T) {
	local, remote := net.Pipe()
	peer := NewPeer(4, local, 0)

	go func() {
		_, _ = wire.ReadFrame(remote)
		remote.Close()
	}()

	require.NoError(t, peer.Send(1))

	err := peer.Send(2)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrPeerDown)
	assert.True(t, peer.Down())

	assert.ErrorIs(t, peer.Send(3), ErrPeerDown)
	assert.Equal(t, int64(1), peer.Sent())
	assert.NoError(t, peer.Close())
}

func TestPeer_CloseUnblocksStalledSend(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	peer := NewPeer(1, local, 0)

	done := make(chan error, 1)
	go func() { done <- peer.Send(9) }()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, peer.Close())

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Send stayed blocked after Close")
	}
	assert.ErrorIs(t, peer.Send(10), ErrPeerDown)
}
