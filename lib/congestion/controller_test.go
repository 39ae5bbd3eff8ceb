package congestion

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/go-i2p/go-tunneler/lib/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSender struct {
	mu   sync.Mutex
	sent [][]byte
	err  error
}

func (s *captureSender) Send(data []byte, _ net.Addr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, data)
	return s.err
}

func (s *captureSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *captureSender) last() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[len(s.sent)-1]
}

var testAddr = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}

func testConfig(maxWindow uint16) config.CongestionDefaults {
	cfg := config.Defaults().Congestion
	cfg.MaxWindow = maxWindow
	cfg.MaxRetransmissions = 2
	return cfg
}

// fakeClock lets tests advance the controller's notion of now.
type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time { return f.t }

func newTestController(t *testing.T, policy Policy, maxWindow uint16, onDrop DropHandler) (*Controller, *captureSender, *fakeClock) {
	t.Helper()
	sender := &captureSender{}
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	c := NewController(sender, policy, testConfig(maxWindow), onDrop)
	c.now = clock.now
	return c, sender, clock
}

func TestAIMDWindowSequence(t *testing.T) {
	c, _, _ := newTestController(t, AIMD{}, 5, nil)
	require.Equal(t, uint16(1), c.WindowSize())

	expected := []uint16{2, 3, 4, 5, 5, 5}
	for i, want := range expected {
		seq := uint64(i + 1)
		require.NoError(t, c.SendPacket(seq, []byte{byte(seq)}, testAddr))
		require.NoError(t, c.Acked(seq))
		assert.Equal(t, want, c.WindowSize(), "after ack %d", seq)
	}

	c.mu.Lock()
	c.policy.OnPacketsDropped(&c.window, 1, 1)
	c.mu.Unlock()
	assert.Equal(t, uint16(2), c.WindowSize())

	require.NoError(t, c.SendPacket(100, []byte{1}, testAddr))
	require.NoError(t, c.Acked(100))
	assert.Equal(t, uint16(3), c.WindowSize())
}

func TestAIMDDropFloorsAtOne(t *testing.T) {
	w := Window{Size: 1, Max: 5, Threshold: 2}
	AIMD{}.OnPacketsDropped(&w, 1, 1)
	assert.Equal(t, uint16(1), w.Size)
	assert.Equal(t, uint16(2), w.Threshold)
}

func TestAIMDDoublesBelowThreshold(t *testing.T) {
	w := Window{Size: 2, Max: 64, Threshold: 16}
	for _, want := range []uint16{4, 8, 16, 17, 18} {
		AIMD{}.OnAcked(&w, nil)
		assert.Equal(t, want, w.Size)
	}
}

func TestAckForUnknownSequenceIsReported(t *testing.T) {
	c, _, _ := newTestController(t, AIMD{}, 5, nil)
	require.NoError(t, c.SendPacket(1, []byte("a"), testAddr))
	require.NoError(t, c.Acked(1))

	err := c.Acked(1)
	assert.True(t, errors.Is(err, ErrUnknownSequence), "repeated ack must be flagged, got %v", err)
	assert.ErrorIs(t, c.Acked(42), ErrUnknownSequence)
}

func TestSimpleHoldsOnePacketInFlight(t *testing.T) {
	c, sender, _ := newTestController(t, Simple{}, 5, nil)

	require.NoError(t, c.SendPacket(1, []byte("one"), testAddr))
	require.NoError(t, c.SendPacket(2, []byte("two"), testAddr))
	require.NoError(t, c.SendPacket(3, []byte("three"), testAddr))

	assert.Equal(t, 1, sender.count())
	assert.Equal(t, 1, c.InFlight())
	assert.Equal(t, 2, c.Queued())
	assert.Equal(t, 0, c.EffectiveWindow())

	require.NoError(t, c.Acked(1))
	assert.Equal(t, 2, sender.count())
	assert.Equal(t, []byte("two"), sender.last())
	assert.Equal(t, uint16(1), c.WindowSize())

	require.NoError(t, c.Acked(2))
	assert.Equal(t, []byte("three"), sender.last())
	assert.Equal(t, 0, c.Queued())
}

func TestNoCongestionPassesThrough(t *testing.T) {
	c, sender, _ := newTestController(t, NoCongestion{}, 5, nil)
	for seq := uint64(1); seq <= 10; seq++ {
		require.NoError(t, c.SendPacket(seq, []byte{byte(seq)}, testAddr))
	}
	assert.Equal(t, 10, sender.count())
	assert.Equal(t, 0, c.InFlight())
	assert.NoError(t, c.Acked(3))
}

func TestUntrackedSequenceBypassesWindow(t *testing.T) {
	c, sender, _ := newTestController(t, Simple{}, 1, nil)
	require.NoError(t, c.SendPacket(1, []byte("tracked"), testAddr))
	require.NoError(t, c.SendPacket(0, []byte("ack"), testAddr))
	assert.Equal(t, 2, sender.count())
	assert.Equal(t, 1, c.InFlight())
}

func TestTickRetransmitsThenDrops(t *testing.T) {
	var dropped []*TimestampedPacket
	c, sender, clock := newTestController(t, AIMD{}, 8, func(d []*TimestampedPacket) {
		dropped = append(dropped, d...)
	})
	require.NoError(t, c.SendPacket(1, []byte("x"), testAddr))
	require.Equal(t, 1, sender.count())

	// not yet stale
	clock.t = clock.t.Add(100 * time.Millisecond)
	c.Tick(clock.t)
	assert.Equal(t, 1, sender.count())

	for i := 0; i < 2; i++ {
		clock.t = clock.t.Add(time.Second)
		c.Tick(clock.t)
	}
	assert.Equal(t, 3, sender.count(), "two retransmissions expected")
	assert.Empty(t, dropped)

	clock.t = clock.t.Add(time.Second)
	c.Tick(clock.t)
	require.Len(t, dropped, 1)
	assert.Equal(t, uint64(1), dropped[0].Seq)
	assert.True(t, dropped[0].TimedOut)
	assert.Equal(t, 2, dropped[0].Retransmissions)
	assert.Equal(t, 0, c.InFlight())
	assert.ErrorIs(t, c.Acked(1), ErrUnknownSequence)
}

func TestDropShrinksAIMDWindowAndDrainsQueue(t *testing.T) {
	c, sender, clock := newTestController(t, AIMD{}, 8, nil)
	c.mu.Lock()
	c.window.Size = 4
	c.mu.Unlock()

	for seq := uint64(1); seq <= 6; seq++ {
		require.NoError(t, c.SendPacket(seq, []byte{byte(seq)}, testAddr))
	}
	require.Equal(t, 4, sender.count())
	require.Equal(t, 2, c.Queued())

	for i := 0; i < 3; i++ {
		clock.t = clock.t.Add(time.Second)
		c.Tick(clock.t)
	}
	assert.Equal(t, uint16(2), c.WindowSize())
	assert.Equal(t, 0, c.Queued())
	assert.Equal(t, 2, c.InFlight())
}

func TestRTTMovingAverage(t *testing.T) {
	c, _, clock := newTestController(t, AIMD{}, 8, nil)

	require.NoError(t, c.SendPacket(1, []byte("a"), testAddr))
	clock.t = clock.t.Add(100 * time.Millisecond)
	require.NoError(t, c.Acked(1))
	assert.Equal(t, 100*time.Millisecond, c.RTT())

	require.NoError(t, c.SendPacket(2, []byte("b"), testAddr))
	clock.t = clock.t.Add(300 * time.Millisecond)
	require.NoError(t, c.Acked(2))
	assert.Equal(t, 200*time.Millisecond, c.RTT())
}

func TestSetMaxWindowShrinks(t *testing.T) {
	c, _, _ := newTestController(t, AIMD{}, 8, nil)
	c.mu.Lock()
	c.window.Size = 6
	c.mu.Unlock()

	c.SetMaxWindow(3)
	assert.Equal(t, uint16(3), c.WindowSize())
	c.SetMaxWindow(0)
	assert.Equal(t, uint16(1), c.WindowSize())
}

func TestStartStop(t *testing.T) {
	sender := &captureSender{}
	cfg := testConfig(4)
	cfg.TickInterval = 5 * time.Millisecond
	cfg.RetransmitTimeout = 5 * time.Millisecond
	c := NewController(sender, AIMD{}, cfg, nil)
	c.Start()

	require.NoError(t, c.SendPacket(1, []byte("retry me"), testAddr))
	assert.Eventually(t, func() bool { return sender.count() > 1 }, time.Second, 5*time.Millisecond)

	c.Stop()
	c.Stop()
	assert.ErrorIs(t, c.SendPacket(2, []byte("late"), testAddr), ErrStopped)
}

func TestSendErrorKeepsPacketTracked(t *testing.T) {
	c, sender, clock := newTestController(t, AIMD{}, 4, nil)
	sender.err = errors.New("no buffer space available")

	// The failed first transmission is a loss, recovered by Tick.
	require.NoError(t, c.SendPacket(1, []byte("a"), testAddr))
	assert.Equal(t, 1, c.InFlight())

	sender.mu.Lock()
	sender.err = nil
	sender.mu.Unlock()
	clock.t = clock.t.Add(time.Second)
	c.Tick(clock.t)
	assert.Equal(t, 2, sender.count())
	assert.Equal(t, []byte("a"), sender.last())
	require.NoError(t, c.Acked(1))
}

func TestUntrackedSendErrorIsReported(t *testing.T) {
	c, sender, _ := newTestController(t, AIMD{}, 4, nil)
	sender.err = errors.New("no buffer space available")
	assert.Error(t, c.SendPacket(0, []byte("ack"), testAddr))
	assert.Zero(t, c.InFlight())

	n, nsender, _ := newTestController(t, NoCongestion{}, 4, nil)
	nsender.err = sender.err
	assert.Error(t, n.SendPacket(3, []byte("x"), testAddr))
}

func TestWaitDrained(t *testing.T) {
	c, _, _ := newTestController(t, AIMD{}, 4, nil)
	c.tickInterval = 5 * time.Millisecond
	require.NoError(t, c.WaitDrained(context.Background()))

	require.NoError(t, c.SendPacket(1, []byte("a"), testAddr))
	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.WaitDrained(short), context.DeadlineExceeded)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = c.Acked(1)
	}()
	ctx, cancelWait := context.WithTimeout(context.Background(), time.Second)
	defer cancelWait()
	assert.NoError(t, c.WaitDrained(ctx))

	require.NoError(t, c.SendPacket(2, []byte("b"), testAddr))
	c.Stop()
	assert.ErrorIs(t, c.WaitDrained(ctx), ErrStopped)
}

func TestPolicyByName(t *testing.T) {
	for _, name := range []string{config.PolicyNone, config.PolicySimple, config.PolicyAIMD} {
		p, err := PolicyByName(name)
		require.NoError(t, err)
		assert.Equal(t, name, p.Name())
	}
	_, err := PolicyByName("vegas")
	assert.Error(t, err)
}
