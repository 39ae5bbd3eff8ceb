package tunnel

import (
	"bytes"
	"context"
	"errors"
	"math"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/go-i2p/go-tunneler/lib/config"
	"github.com/go-i2p/go-tunneler/lib/crypto"
	"github.com/go-i2p/go-tunneler/lib/packet"
	"github.com/go-i2p/go-tunneler/lib/pipe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureSender records datagrams instead of sending them.
type captureSender struct {
	mu    sync.Mutex
	sent  [][]byte
	calls int
	// failAt makes the call with that number fail, as a full socket buffer
	// would.
	failAt int
}

func (c *captureSender) Send(data []byte, _ net.Addr) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.calls == c.failAt {
		return errors.New("no buffer space available")
	}
	c.sent = append(c.sent, append([]byte(nil), data...))
	return nil
}

// failNth makes the nth send from now fail.
func (c *captureSender) failNth(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failAt = c.calls + n
}

func (c *captureSender) take() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.sent
	c.sent = nil
	return out
}

var (
	addrA = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 41001}
	addrB = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 41002}
)

func testConfig() Config {
	cfg := ConfigFrom(config.Defaults())
	// Retransmission is driven by hand in these tests.
	cfg.Congestion.TickInterval = time.Hour
	cfg.Congestion.RetransmitTimeout = time.Hour
	cfg.Congestion.InitialWindow = 8
	cfg.Tunnel.CloseLinger = 0
	return cfg
}

type peer struct {
	t   *Tunnel
	net *captureSender
}

func newInitiator(t *testing.T, cfg Config) peer {
	t.Helper()
	sender := &captureSender{}
	tun, err := NewInitiator(sender, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { tun.Close() })
	return peer{t: tun, net: sender}
}

func newResponder(t *testing.T, cfg Config) peer {
	t.Helper()
	sender := &captureSender{}
	tun, err := NewResponder(sender, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { tun.Close() })
	return peer{t: tun, net: sender}
}

// handshake runs the hello exchange between a and b.
func handshake(t *testing.T, a, b peer) {
	t.Helper()
	require.NoError(t, a.t.CommunicateWith(addrB))
	hellos := a.net.take()
	require.Len(t, hellos, 1)
	d, err := packet.Decode(hellos[0])
	require.NoError(t, err)
	require.Equal(t, packet.KindHello, d.Kind())
	require.NoError(t, b.t.HandleHello(d, addrA))
	pump(t, a, b)
}

// pump delivers traffic both ways until the link is quiet.
func pump(t *testing.T, a, b peer) {
	t.Helper()
	for range 64 {
		fromA, fromB := a.net.take(), b.net.take()
		if len(fromA) == 0 && len(fromB) == 0 {
			return
		}
		deliverAll(t, fromA, b)
		deliverAll(t, fromB, a)
	}
	t.Fatal("link did not go quiet")
}

func deliverAll(t *testing.T, datagrams [][]byte, to peer) {
	t.Helper()
	for _, raw := range datagrams {
		d, err := packet.Decode(raw)
		require.NoError(t, err)
		require.NoError(t, to.t.HandlePacket(d))
	}
}

func drainEvents(tun *Tunnel) []pipe.EventKind {
	var kinds []pipe.EventKind
	for {
		select {
		case ev := <-tun.Events():
			kinds = append(kinds, ev.Kind)
		default:
			return kinds
		}
	}
}

func openWith(t *testing.T, tun *Tunnel, raw []byte) *packet.Packet {
	t.Helper()
	d, err := packet.Decode(raw)
	require.NoError(t, err)
	for _, ep := range tun.epochs() {
		if p, err := packet.Open(d, &ep.shared); err == nil {
			return p
		}
	}
	t.Fatal("datagram did not open")
	return nil
}

func TestTunnel_HelloResponseConnectsAndFlushesInOrder(t *testing.T) {
	cfg := testConfig()
	a, b := newInitiator(t, cfg), newResponder(t, cfg)
	assert.Equal(t, StateDisconnected, a.t.State())
	assert.Equal(t, StateInitial, b.t.State())

	require.NoError(t, a.t.CommunicateWith(addrB))
	assert.Equal(t, StateWaitingForHelloResponse, a.t.State())
	hellos := a.net.take()
	require.Len(t, hellos, 1)

	for _, msg := range []string{"one", "two", "three"} {
		require.NoError(t, a.t.SendData([]byte(msg), 7))
	}
	assert.Empty(t, a.net.take(), "sends before the handshake are buffered")

	d, err := packet.Decode(hellos[0])
	require.NoError(t, err)
	require.NoError(t, b.t.HandleHello(d, addrA))
	assert.Equal(t, StateConnected, b.t.State())
	assert.Equal(t, a.t.ID(), b.t.ID())

	responses := b.net.take()
	require.Len(t, responses, 1)
	resp, err := packet.Decode(responses[0])
	require.NoError(t, err)
	require.NotNil(t, resp.EphemeralKey)
	assert.Equal(t, d.Nonce[0]+1, resp.Nonce[0])

	require.NoError(t, a.t.HandlePacket(resp))
	assert.Equal(t, StateConnected, a.t.State())
	require.NoError(t, a.t.WaitConnected(context.Background()))

	var payloads []string
	var seqs []uint32
	acked := false
	for _, raw := range a.net.take() {
		p := openWith(t, b.t, raw)
		if p.Seq == 0 {
			assert.Equal(t, uint32(1), p.Ack)
			acked = true
			continue
		}
		seqs = append(seqs, p.Seq)
		payloads = append(payloads, string(p.Payload))
	}
	assert.True(t, acked, "hello response is acknowledged")
	assert.Equal(t, []string{"one", "two", "three"}, payloads)
	assert.Equal(t, []uint32{1, 2, 3}, seqs)
	assert.Equal(t, []pipe.EventKind{pipe.EventConnected}, drainEvents(a.t))
	assert.Equal(t, []pipe.EventKind{pipe.EventConnected}, drainEvents(b.t))
}

func TestTunnel_InvalidTransitions(t *testing.T) {
	cfg := testConfig()
	a, b := newInitiator(t, cfg), newResponder(t, cfg)

	assert.ErrorIs(t, b.t.CommunicateWith(addrA), ErrInvalidState)

	require.NoError(t, a.t.CommunicateWith(addrB))
	assert.ErrorIs(t, a.t.CommunicateWith(addrB), ErrInvalidState)

	d, err := packet.Decode(a.net.take()[0])
	require.NoError(t, err)
	assert.ErrorIs(t, a.t.HandleHello(d, addrB), ErrInvalidState)

	require.NoError(t, b.t.HandleHello(d, addrA))
	assert.ErrorIs(t, b.t.HandleHello(d, addrA), ErrInvalidState)
}

func TestTunnel_HandleHelloRejectsSealedPacket(t *testing.T) {
	b := newResponder(t, testConfig())
	d := &packet.Datagram{Ciphertext: []byte("not a hello")}
	assert.ErrorIs(t, b.t.HandleHello(d, addrA), ErrNotHello)
}

func TestTunnel_PipeTrafficOverLink(t *testing.T) {
	cfg := testConfig()
	a, b := newInitiator(t, cfg), newResponder(t, cfg)
	handshake(t, a, b)

	for _, typ := range []pipe.Type{pipe.TypeDuplex, pipe.TypeSecureDuplex} {
		p, err := a.t.OpenPipe(typ)
		require.NoError(t, err)
		pump(t, a, b)
		require.Equal(t, pipe.StateConnected, p.State())

		remote, ok := b.t.Pipe(p.ID())
		require.True(t, ok)

		msg := make([]byte, 3*a.t.MaxPayloadSize())
		for i := range msg {
			msg[i] = byte(i)
		}
		sender := p.(interface{ Send([]byte) error })
		require.NoError(t, sender.Send(msg))
		pump(t, a, b)

		reader := remote.(interface {
			ReadMessage(context.Context) ([]byte, error)
		})
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		got, err := reader.ReadMessage(ctx)
		cancel()
		require.NoError(t, err)
		assert.Equal(t, msg, got, "pipe type %s", typ)
	}
	assert.Zero(t, a.t.Controller().InFlight())
	assert.Zero(t, b.t.Controller().InFlight())
}

func TestTunnel_RekeyOverLink(t *testing.T) {
	cfg := testConfig()
	a, b := newInitiator(t, cfg), newResponder(t, cfg)
	handshake(t, a, b)
	drainEvents(a.t)
	drainEvents(b.t)

	require.NoError(t, a.t.Rekey())
	pump(t, a, b)

	assert.Equal(t, uint64(1), a.t.RekeyCount())
	assert.Equal(t, uint64(1), b.t.RekeyCount())
	assert.Equal(t, uint32(1), a.t.currentEpoch().gen)
	assert.Equal(t, a.t.currentEpoch().shared, b.t.currentEpoch().shared)
	assert.Contains(t, drainEvents(a.t), pipe.EventRekeyed)
	assert.Contains(t, drainEvents(b.t), pipe.EventRekeyed)

	p, err := a.t.OpenPipe(pipe.TypeDuplex)
	require.NoError(t, err)
	pump(t, a, b)
	assert.Equal(t, pipe.StateConnected, p.State())
	assert.Zero(t, a.t.Controller().InFlight())
}

func TestTunnel_RekeyNowWithoutPrepare(t *testing.T) {
	cfg := testConfig()
	a, b := newInitiator(t, cfg), newResponder(t, cfg)
	handshake(t, a, b)
	assert.ErrorIs(t, a.t.RekeyNow(), ErrNoPendingRekey)
	assert.ErrorIs(t, a.t.RollbackRekey(), ErrNoPendingRekey)
}

func TestTunnel_PreviousEpochStillOpens(t *testing.T) {
	cfg := testConfig()
	a, b := newInitiator(t, cfg), newResponder(t, cfg)
	handshake(t, a, b)

	old := a.t.currentEpoch()
	require.NoError(t, a.t.Rekey())
	pump(t, a, b)
	require.NotEqual(t, old.shared, a.t.currentEpoch().shared)

	// A packet sealed by b under the old keys is still accepted.
	b.t.sendMu.Lock()
	err := b.t.sealAndSubmitLocked(b.t.previous, &packet.Packet{Body: packet.Body{CID: pipe.ControlID}}, false)
	b.t.sendMu.Unlock()
	require.NoError(t, err)
	deliverAll(t, b.net.take(), a)
}

func TestTunnel_SequenceExhaustionNeedsRekey(t *testing.T) {
	cfg := testConfig()
	a, b := newInitiator(t, cfg), newResponder(t, cfg)
	handshake(t, a, b)

	a.t.sendMu.Lock()
	a.t.seq = math.MaxUint32
	a.t.sendMu.Unlock()

	assert.ErrorIs(t, a.t.SendData([]byte("x"), 9), ErrNeedsRekey)

	// Control traffic still flows so the rekey can be negotiated.
	require.NoError(t, a.t.Rekey())
	pump(t, a, b)
	assert.Equal(t, uint64(1), a.t.RekeyCount())
	assert.NoError(t, a.t.SendData([]byte("x"), 9))
}

func TestTunnel_DuplicateDatagramSuppressed(t *testing.T) {
	cfg := testConfig()
	a, b := newInitiator(t, cfg), newResponder(t, cfg)
	handshake(t, a, b)

	p, err := a.t.OpenPipe(pipe.TypeDuplex)
	require.NoError(t, err)
	pump(t, a, b)

	require.NoError(t, p.(*pipe.DuplexPipe).Send([]byte("once")))
	sent := a.net.take()
	require.Len(t, sent, 1)
	deliverAll(t, sent, b)
	deliverAll(t, sent, b)

	remote, _ := b.t.Pipe(p.ID())
	reader := remote.(*pipe.DuplexPipe)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := reader.ReadMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("once"), got)

	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	_, err = reader.ReadMessage(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Both copies were acknowledged.
	acks := 0
	for _, raw := range b.net.take() {
		if openWith(t, a.t, raw).Ack != 0 {
			acks++
		}
	}
	assert.Equal(t, 2, acks)
}

func TestTunnel_ForeignDatagramRejected(t *testing.T) {
	cfg := testConfig()
	a, b := newInitiator(t, cfg), newResponder(t, cfg)
	handshake(t, a, b)

	c, d := newInitiator(t, cfg), newResponder(t, cfg)
	handshake(t, c, d)
	require.NoError(t, c.t.SendControl(packet.NewWindowResize(3)))
	raw := c.net.take()
	require.Len(t, raw, 1)

	dg, err := packet.Decode(raw[0])
	require.NoError(t, err)
	assert.ErrorIs(t, a.t.HandlePacket(dg), ErrDecryptFailed)
}

func TestTunnel_NoCongestionDeliversWithoutAcks(t *testing.T) {
	cfg := testConfig()
	cfg.Tunnel.CongestionPolicy = config.PolicyNone
	a, b := newInitiator(t, cfg), newResponder(t, cfg)
	handshake(t, a, b)

	p, err := a.t.OpenPipe(pipe.TypeDuplex)
	require.NoError(t, err)
	pump(t, a, b)
	require.Equal(t, pipe.StateConnected, p.State())

	require.NoError(t, p.(*pipe.DuplexPipe).Send([]byte("fire and forget")))
	sent := a.net.take()
	deliverAll(t, sent, b)
	assert.Empty(t, b.net.take(), "no acks without a reliable policy")
}

func TestTunnel_CloseEmitsAndClosesEvents(t *testing.T) {
	cfg := testConfig()
	a, b := newInitiator(t, cfg), newResponder(t, cfg)
	handshake(t, a, b)
	_, err := a.t.OpenPipe(pipe.TypeDuplex)
	require.NoError(t, err)
	pump(t, a, b)
	drainEvents(a.t)

	var closedWith *Tunnel
	a.t.SetCloseHandler(func(t *Tunnel) { closedWith = t })
	require.NoError(t, a.t.Close())
	require.NoError(t, a.t.Close())

	assert.Same(t, a.t, closedWith)
	assert.Equal(t, StateShuttingDown, a.t.State())
	assert.Empty(t, a.t.PipeIDs())
	assert.ErrorIs(t, a.t.SendData([]byte("x"), 1), ErrTunnelClosed)

	var kinds []pipe.EventKind
	for ev := range a.t.Events() {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []pipe.EventKind{pipe.EventPipeClosed, pipe.EventClosed}, kinds)

	// The peer removes the pipe when it sees the close.
	deliverAll(t, a.net.take(), b)
	assert.Empty(t, b.t.PipeIDs())
}

func TestTunnel_WaitConnectedUnblocksOnClose(t *testing.T) {
	a := newInitiator(t, testConfig())
	go a.t.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.ErrorIs(t, a.t.WaitConnected(ctx), ErrTunnelClosed)
}

func TestTunnel_MaxPayloadSize(t *testing.T) {
	a := newInitiator(t, testConfig())
	assert.Equal(t, 576-61, a.t.MaxPayloadSize())
}

func TestTunnel_SendErrorMidMessageIsRetransmitted(t *testing.T) {
	cfg := testConfig()
	a, b := newInitiator(t, cfg), newResponder(t, cfg)
	handshake(t, a, b)

	p, err := a.t.OpenPipe(pipe.TypeDuplex)
	require.NoError(t, err)
	pump(t, a, b)
	remote, ok := b.t.Pipe(p.ID())
	require.True(t, ok)
	reader := remote.(*pipe.DuplexPipe)

	msg := bytes.Repeat([]byte("fragment"), a.t.MaxPayloadSize()*3/8)
	a.net.failNth(2)
	require.NoError(t, p.(*pipe.DuplexPipe).Send(msg), "a lost fragment is not a send error")
	pump(t, a, b)
	require.Equal(t, 1, a.t.Controller().InFlight())

	a.t.Controller().Tick(time.Now().Add(2 * cfg.Congestion.RetransmitTimeout))
	deliverAll(t, a.net.take(), b)
	// a may finish closing as soon as the ack lands, so later packets can
	// be refused.
	for _, raw := range b.net.take() {
		d, err := packet.Decode(raw)
		require.NoError(t, err)
		_ = a.t.HandlePacket(d)
	}
	require.NoError(t, p.(*pipe.DuplexPipe).Send([]byte("hello")))
	pump(t, a, b)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := reader.ReadMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
	got, err = reader.ReadMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
	assert.Zero(t, a.t.Controller().InFlight())
}

func TestTunnel_SlowPipeDoesNotStallOthers(t *testing.T) {
	cfg := testConfig()
	cfg.Tunnel.MessageBufferSize = 1
	a, b := newInitiator(t, cfg), newResponder(t, cfg)
	handshake(t, a, b)

	x, err := a.t.OpenPipe(pipe.TypeDuplex)
	require.NoError(t, err)
	y, err := a.t.OpenPipe(pipe.TypeDuplex)
	require.NoError(t, err)
	pump(t, a, b)
	drainEvents(b.t)

	require.NoError(t, x.(*pipe.DuplexPipe).Send([]byte("x1")))
	require.NoError(t, x.(*pipe.DuplexPipe).Send([]byte("x2")))
	require.NoError(t, y.(*pipe.DuplexPipe).Send([]byte("y1")))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, raw := range a.net.take() {
			d, err := packet.Decode(raw)
			if err == nil {
				_ = b.t.HandlePacket(d)
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("receive path blocked by a pipe nobody reads")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ry, _ := b.t.Pipe(y.ID())
	got, err := ry.(*pipe.DuplexPipe).ReadMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("y1"), got)

	rx, _ := b.t.Pipe(x.ID())
	got, err = rx.(*pipe.DuplexPipe).ReadMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("x1"), got)
	assert.Contains(t, drainEvents(b.t), pipe.EventMessageDropped)
}

func TestTunnel_NonceExhaustionLeavesRoomForRekey(t *testing.T) {
	cfg := testConfig()
	a, b := newInitiator(t, cfg), newResponder(t, cfg)
	handshake(t, a, b)

	a.t.sendMu.Lock()
	parity := a.t.nonce[0] & 1
	for i := range a.t.nonce {
		a.t.nonce[i] = 0xff
	}
	a.t.nonce[0] = parity
	a.t.nonce[1] = 0xfc
	a.t.sendMu.Unlock()

	assert.ErrorIs(t, a.t.SendData([]byte("x"), 9), ErrNeedsRekey)

	// The rekey exchange runs on the reserved nonces.
	require.NoError(t, a.t.Rekey())
	pump(t, a, b)
	require.Equal(t, uint64(1), a.t.RekeyCount())
	require.Equal(t, uint64(1), b.t.RekeyCount())

	a.t.sendMu.Lock()
	restarted := a.t.nonce
	a.t.sendMu.Unlock()
	assert.Equal(t, parity, restarted[0]&1, "nonce parity survives the restart")
	assert.Zero(t, restarted[len(restarted)-1])

	assert.NoError(t, a.t.SendData([]byte("x"), 9))
	deliverAll(t, a.net.take(), b)
}

func TestTunnel_RollbackRestoresNonce(t *testing.T) {
	cfg := testConfig()
	a, b := newInitiator(t, cfg), newResponder(t, cfg)
	handshake(t, a, b)

	a.t.sendMu.Lock()
	for i := range a.t.nonce {
		a.t.nonce[i] = 0xff
	}
	a.t.nonce[1] = 0xfc
	before := a.t.nonce
	a.t.sendMu.Unlock()
	require.Error(t, a.t.SendData([]byte("x"), 9))

	_, err := a.t.PrepareRekey()
	require.NoError(t, err)
	peerNext, err := b.t.PrepareRekey()
	require.NoError(t, err)
	key, err := crypto.PublicKeyFromBytes(peerNext.NextPublicKey)
	require.NoError(t, err)
	a.t.SetNextRecipientPublicKey(key)
	require.NoError(t, a.t.RekeyNow())
	require.NoError(t, a.t.RollbackRekey())

	a.t.sendMu.Lock()
	defer a.t.sendMu.Unlock()
	assert.Equal(t, before, a.t.nonce, "old key never sees a restarted nonce")
	assert.True(t, a.t.nonceLow)
}

func TestTunnel_HelloResponseHandledBeforeFlush(t *testing.T) {
	cfg := testConfig()
	a, b := newInitiator(t, cfg), newResponder(t, cfg)
	require.NoError(t, a.t.CommunicateWith(addrB))
	hello, err := packet.Decode(a.net.take()[0])
	require.NoError(t, err)
	require.NoError(t, a.t.SendData([]byte("queued"), 7))

	require.NoError(t, b.t.HandleHello(hello, addrA))
	deliverAll(t, b.net.take(), a)

	out := a.net.take()
	require.Len(t, out, 2)
	first := openWith(t, b.t, out[0])
	assert.Zero(t, first.Seq, "response is acknowledged before buffered data goes out")
	assert.Equal(t, uint32(1), first.Ack)
	second := openWith(t, b.t, out[1])
	assert.Equal(t, "queued", string(second.Payload))
}

func TestTunnel_CloseLingersForAcks(t *testing.T) {
	cfg := testConfig()
	cfg.Tunnel.CloseLinger = 2 * time.Second
	a, b := newInitiator(t, cfg), newResponder(t, testConfig())
	handshake(t, a, b)
	_, err := a.t.OpenPipe(pipe.TypeDuplex)
	require.NoError(t, err)
	pump(t, a, b)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		a.t.Close()
	}()

	// The ClosePipe is still retransmittable while Close waits.
	require.Eventually(t, func() bool { return a.t.Controller().InFlight() == 1 }, time.Second, time.Millisecond)
	a.net.take()
	a.t.Controller().Tick(time.Now().Add(2 * cfg.Congestion.RetransmitTimeout))
	deliverAll(t, a.net.take(), b)
	// a may finish closing as soon as the ack lands, so later packets can
	// be refused.
	for _, raw := range b.net.take() {
		d, err := packet.Decode(raw)
		require.NoError(t, err)
		_ = a.t.HandlePacket(d)
	}

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close kept waiting after the peer acknowledged")
	}
	assert.Empty(t, b.t.PipeIDs())
	assert.Equal(t, StateShuttingDown, a.t.State())
}

func TestTunnel_PeerWindowAndNextTID(t *testing.T) {
	cfg := testConfig()
	a, b := newInitiator(t, cfg), newResponder(t, cfg)
	handshake(t, a, b)
	drainEvents(a.t)
	require.Greater(t, b.t.Controller().WindowSize(), uint16(3))

	require.NoError(t, a.t.LimitPeerWindow(3))
	require.NoError(t, a.t.AnnounceNextTID(0x5eed))
	pump(t, a, b)

	assert.Equal(t, uint16(3), b.t.Controller().WindowSize())
	assert.Equal(t, packet.TunnelID(0x5eed), b.t.NextTID())
	assert.Equal(t, []pipe.EventKind{pipe.EventRPCAcknowledged, pipe.EventRPCAcknowledged}, drainEvents(a.t))
}
