package tunnel

import (
	"context"
	"errors"
	"math"
	"net"
	"slices"
	"sync"

	"github.com/go-i2p/go-tunneler/lib/config"
	"github.com/go-i2p/go-tunneler/lib/congestion"
	"github.com/go-i2p/go-tunneler/lib/crypto"
	"github.com/go-i2p/go-tunneler/lib/packet"
	"github.com/go-i2p/go-tunneler/lib/pipe"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
)

var log = logger.GetGoI2PLogger()

// State is the handshake and lifecycle state of a Tunnel.
type State int

const (
	StateInitial State = iota
	StateDisconnected
	StateSendingHello
	StateWaitingForHelloResponse
	StateHandlingHello
	StateConnected
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "Initial"
	case StateDisconnected:
		return "Disconnected"
	case StateSendingHello:
		return "SendingHello"
	case StateWaitingForHelloResponse:
		return "WaitingForHelloResponse"
	case StateHandlingHello:
		return "HandlingHello"
	case StateConnected:
		return "Connected"
	case StateShuttingDown:
		return "ShuttingDown"
	default:
		return "Unknown"
	}
}

// Config groups the settings a tunnel reads.
type Config struct {
	Tunnel     config.TunnelDefaults
	Congestion config.CongestionDefaults
}

// ConfigFrom extracts the tunnel settings from a full configuration.
func ConfigFrom(cfg config.ConfigDefaults) Config {
	return Config{Tunnel: cfg.Tunnel, Congestion: cfg.Congestion}
}

// Tunnel is one encrypted session with a remote peer.
type Tunnel struct {
	cfg        Config
	logger     *logrus.Entry
	controller *congestion.Controller
	control    *pipe.ControlPipe

	stateMu   sync.RWMutex
	state     State
	id        packet.TunnelID
	nextTID   packet.TunnelID
	remote    net.Addr
	onClose   func(*Tunnel)
	connected chan struct{}
	closed    chan struct{}
	closeOnce sync.Once

	// sendMu serializes nonce and sequence assignment with submission to
	// the controller.
	sendMu       sync.Mutex
	nonce        crypto.Nonce
	seq          uint32
	exhausted    bool
	nonceLow     bool
	buffered     []*packet.Packet

	keyMu    sync.RWMutex
	local    crypto.KeyPair
	current  *epoch
	previous *epoch
	next     *epoch
	rekey    rekeyState

	// recvMu serializes decryption bookkeeping, reordering and dispatch.
	recvMu sync.Mutex

	pipesMu sync.RWMutex
	pipes   map[uint32]pipe.Pipe

	eventsMu     sync.RWMutex
	events       chan pipe.Event
	eventsClosed bool
}

// NewInitiator creates a tunnel with a fresh random id, ready for
// CommunicateWith. A nil lg logs through the standard logrus logger.
func NewInitiator(sender congestion.PacketSender, cfg Config, lg *logrus.Entry) (*Tunnel, error) {
	id, err := packet.RandomTunnelID()
	if err != nil {
		return nil, err
	}
	return newTunnel(sender, cfg, lg, id, StateDisconnected)
}

// NewResponder creates a tunnel that waits for HandleHello.
func NewResponder(sender congestion.PacketSender, cfg Config, lg *logrus.Entry) (*Tunnel, error) {
	return newTunnel(sender, cfg, lg, 0, StateInitial)
}

func newTunnel(sender congestion.PacketSender, cfg Config, lg *logrus.Entry, id packet.TunnelID, state State) (*Tunnel, error) {
	policy, err := congestion.PolicyByName(cfg.Tunnel.CongestionPolicy)
	if err != nil {
		return nil, err
	}
	if lg == nil {
		lg = logrus.WithField("component", "tunnel")
	}
	t := &Tunnel{
		cfg:       cfg,
		logger:    lg,
		state:     state,
		id:        id,
		connected: make(chan struct{}),
		closed:    make(chan struct{}),
		pipes:     make(map[uint32]pipe.Pipe),
		events:    make(chan pipe.Event, max(cfg.Tunnel.EventBufferSize, 1)),
	}
	t.controller = congestion.NewController(sender, policy, cfg.Congestion, t.onDropped)
	t.control = pipe.NewControlPipe(t, cfg.Tunnel.MessageBufferSize)
	t.controller.Start()
	return t, nil
}

// ID returns the flag-masked tunnel id. It is zero for a responder until
// HandleHello adopts the peer's id.
func (t *Tunnel) ID() packet.TunnelID {
	t.stateMu.RLock()
	defer t.stateMu.RUnlock()
	return t.id
}

func (t *Tunnel) State() State {
	t.stateMu.RLock()
	defer t.stateMu.RUnlock()
	return t.state
}

func (t *Tunnel) RemoteAddr() net.Addr {
	t.stateMu.RLock()
	defer t.stateMu.RUnlock()
	return t.remote
}

// NextTID returns the id the peer announced it will switch to, or zero.
func (t *Tunnel) NextTID() packet.TunnelID {
	t.stateMu.RLock()
	defer t.stateMu.RUnlock()
	return t.nextTID
}

func (t *Tunnel) SetNextTID(tid packet.TunnelID) {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	t.nextTID = tid.Masked()
}

// SetCloseHandler registers fn to run once when the tunnel closes.
func (t *Tunnel) SetCloseHandler(fn func(*Tunnel)) {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	t.onClose = fn
}

func (t *Tunnel) setState(s State) {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	t.state = s
}

// transition moves from -> to, or fails with ErrInvalidState.
func (t *Tunnel) transition(from, to State) error {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	if t.state != from {
		t.logger.WithFields(logrus.Fields{
			"at":       "(Tunnel) transition",
			"state":    t.state.String(),
			"expected": from.String(),
			"target":   to.String(),
		}).Error("illegal tunnel state transition")
		return oops.Wrapf(ErrInvalidState, "cannot move to %s from %s", to, t.state)
	}
	t.state = to
	return nil
}

// Control returns the tunnel's control pipe.
func (t *Tunnel) Control() *pipe.ControlPipe { return t.control }

// Controller returns the tunnel's congestion controller.
func (t *Tunnel) Controller() *congestion.Controller { return t.controller }

// Events returns the channel tunnel and pipe events are delivered on. It is
// closed after the Closed event.
func (t *Tunnel) Events() <-chan pipe.Event { return t.events }

// MaxPayloadSize is the largest pipe payload that fits one datagram.
func (t *Tunnel) MaxPayloadSize() int {
	return t.cfg.Tunnel.DatagramSize - packet.SealedOverhead
}

// CommunicateWith starts the handshake with remote by sending a hello.
func (t *Tunnel) CommunicateWith(remote net.Addr) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	if err := t.transition(StateDisconnected, StateSendingHello); err != nil {
		return err
	}
	keys, err := crypto.GenerateKeyPair()
	if err != nil {
		t.setState(StateDisconnected)
		return err
	}
	base, err := crypto.RandomNonce()
	if err != nil {
		t.setState(StateDisconnected)
		return err
	}
	hello, err := packet.EncodeHello(packet.Header{TID: t.ID(), Nonce: base, EphemeralKey: &keys.Public})
	if err != nil {
		t.setState(StateDisconnected)
		return err
	}

	t.keyMu.Lock()
	t.local = keys
	t.keyMu.Unlock()
	t.nonce, _ = base.Add(2)

	t.stateMu.Lock()
	t.remote = remote
	t.state = StateWaitingForHelloResponse
	t.stateMu.Unlock()

	t.logger.WithFields(logrus.Fields{
		"at":        "(Tunnel) CommunicateWith",
		"tunnel_id": t.ID().String(),
		"remote":    remote.String(),
	}).Debug("sending hello")

	if err := t.controller.SendPacket(0, hello, remote); err != nil {
		t.setState(StateDisconnected)
		return oops.Wrapf(err, "send hello to %s", remote)
	}
	return nil
}

// HandleHello answers a peer's hello: it adopts the peer's id and key,
// replies with a sealed packet carrying the local key, and connects.
func (t *Tunnel) HandleHello(d *packet.Datagram, remote net.Addr) error {
	if d.Kind() != packet.KindHello {
		return ErrNotHello
	}
	t.recvMu.Lock()
	defer t.recvMu.Unlock()

	if err := t.transition(StateInitial, StateHandlingHello); err != nil {
		return err
	}
	keys, err := crypto.GenerateKeyPair()
	if err != nil {
		t.setState(StateInitial)
		return err
	}
	ep := newEpoch(0, keys, *d.EphemeralKey, t.cfg.Tunnel.ReorderLimit)

	t.keyMu.Lock()
	t.local = keys
	t.current = ep
	t.keyMu.Unlock()

	t.stateMu.Lock()
	t.id = d.TID.Masked()
	t.remote = remote
	t.stateMu.Unlock()

	t.sendMu.Lock()
	t.nonce, _ = d.Nonce.Add(1)
	response := &packet.Packet{Header: packet.Header{EphemeralKey: &keys.Public}}
	err = t.sealAndSubmitLocked(ep, response, true)
	t.sendMu.Unlock()
	if err != nil {
		t.setState(StateInitial)
		return oops.Wrapf(err, "send hello response")
	}

	t.markConnected()
	return nil
}

// markConnected flushes buffered packets and announces the connection.
func (t *Tunnel) markConnected() {
	t.sendMu.Lock()
	t.setState(StateConnected)
	buffered := t.buffered
	t.buffered = nil
	ep := t.currentEpoch()
	for _, p := range buffered {
		if err := t.sealAndSubmitLocked(ep, p, true); err != nil {
			t.logger.WithError(err).Warn("failed to flush buffered packet")
		}
	}
	t.sendMu.Unlock()

	close(t.connected)
	t.logger.WithFields(logrus.Fields{
		"at":        "(Tunnel) markConnected",
		"tunnel_id": t.ID().String(),
		"remote":    addrString(t.RemoteAddr()),
		"flushed":   len(buffered),
	}).Info("tunnel connected")
	t.Emit(pipe.Event{Kind: pipe.EventConnected})
}

// WaitConnected blocks until the handshake completes, the tunnel closes or
// ctx ends.
func (t *Tunnel) WaitConnected(ctx context.Context) error {
	select {
	case <-t.connected:
		return nil
	case <-t.closed:
		return ErrTunnelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EncryptAndSend assigns nonce and sequence, seals p and hands it to the
// congestion controller. Before the tunnel is connected p is buffered.
func (t *Tunnel) EncryptAndSend(p *packet.Packet) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	switch t.State() {
	case StateConnected:
		return t.sealAndSubmitLocked(t.currentEpoch(), p, true)
	case StateShuttingDown:
		return ErrTunnelClosed
	default:
		t.buffered = append(t.buffered, p)
		return nil
	}
}

// nonceReserve is how many nonces stay usable for control traffic once
// the nonce space of an epoch runs low, enough to negotiate a rekey.
const nonceReserve = 1024

// sealAndSubmitLocked must be called with sendMu held. Once the sequence
// or nonce space runs low only control packets are sent, so that the rekey
// exchange can still run. The nonce never wraps.
func (t *Tunnel) sealAndSubmitLocked(ep *epoch, p *packet.Packet, tracked bool) error {
	if _, low := t.nonce.Add(2 * nonceReserve); low {
		if !t.nonceLow {
			t.nonceLow = true
			t.logger.WithField("tunnel_id", t.ID().String()).Warn("nonce space nearly exhausted, rekey required")
		}
		if p.CID != pipe.ControlID {
			return oops.Wrapf(ErrNeedsRekey, "nonce space exhausted")
		}
	}
	next, wrapped := t.nonce.Add(2)
	if wrapped {
		return oops.Wrapf(ErrNeedsRekey, "nonce space exhausted")
	}
	if tracked && (t.exhausted || t.seq == math.MaxUint32) {
		t.exhausted = true
		if p.CID != pipe.ControlID {
			return oops.Wrapf(ErrNeedsRekey, "sequence space exhausted")
		}
		tracked = false
	}
	if tracked {
		t.seq++
		p.Seq = t.seq
	} else {
		p.Seq = 0
	}
	p.TID = t.ID()
	p.Nonce = t.nonce
	t.nonce = next

	data, err := packet.Seal(p, &ep.shared)
	if err != nil {
		return err
	}
	return t.controller.SendPacket(ep.trackingID(p.Seq), data, t.RemoteAddr())
}

// SendData sends data on pipe cid, split into MaxPayloadSize chunks.
func (t *Tunnel) SendData(data []byte, cid uint32) error {
	mtu := t.MaxPayloadSize()
	if mtu <= 0 {
		return oops.Wrapf(pipe.ErrPayloadTooSmall, "datagram size %d", t.cfg.Tunnel.DatagramSize)
	}
	for chunk := range slices.Chunk(data, mtu) {
		p := &packet.Packet{Body: packet.Body{CID: cid, Payload: slices.Clone(chunk)}}
		if err := t.EncryptAndSend(p); err != nil {
			return err
		}
	}
	return nil
}

// SendControl sends rpcs together in one packet on the control pipe.
func (t *Tunnel) SendControl(rpcs ...packet.RPC) error {
	return t.EncryptAndSend(&packet.Packet{Body: packet.Body{CID: pipe.ControlID, RPCs: rpcs}})
}

func (t *Tunnel) sendAck(ep *epoch, seq uint32) {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	p := &packet.Packet{Body: packet.Body{CID: pipe.ControlID, Ack: seq}}
	if err := t.sealAndSubmitLocked(ep, p, false); err != nil {
		t.logger.WithError(err).WithField("ack", seq).Debug("failed to send ack")
	}
}

// HandlePacket opens a datagram addressed to this tunnel and processes it.
// It returns ErrDecryptFailed when no key epoch authenticates it.
func (t *Tunnel) HandlePacket(d *packet.Datagram) error {
	t.recvMu.Lock()
	defer t.recvMu.Unlock()

	switch st := t.State(); st {
	case StateWaitingForHelloResponse:
		return t.handleHelloResponse(d)
	case StateConnected:
	default:
		return oops.Wrapf(ErrInvalidState, "datagram received in state %s", st)
	}

	for _, ep := range t.epochs() {
		p, err := packet.Open(d, &ep.shared)
		if errors.Is(err, packet.ErrDecryptFailed) {
			continue
		}
		if err != nil {
			return err
		}
		t.process(ep, p)
		return nil
	}
	return ErrDecryptFailed
}

func (t *Tunnel) handleHelloResponse(d *packet.Datagram) error {
	if d.EphemeralKey == nil {
		return oops.Wrapf(ErrInvalidState, "waiting for hello response, got packet without key")
	}
	t.keyMu.RLock()
	ep := newEpoch(0, t.local, *d.EphemeralKey, t.cfg.Tunnel.ReorderLimit)
	t.keyMu.RUnlock()

	p, err := packet.Open(d, &ep.shared)
	if err != nil {
		return err
	}
	t.keyMu.Lock()
	t.current = ep
	t.keyMu.Unlock()

	// The response's own payload is handled before buffered packets go out.
	t.process(ep, p)
	t.markConnected()
	return nil
}

// process handles an opened packet: acks, duplicate suppression, ordering
// and dispatch. Called with recvMu held.
func (t *Tunnel) process(ep *epoch, p *packet.Packet) {
	if p.Ack != 0 {
		if err := t.controller.Acked(ep.trackingID(p.Ack)); err != nil {
			t.logger.WithFields(logrus.Fields{
				"at":  "(Tunnel) process",
				"ack": p.Ack,
			}).Debug("ack for a packet not in flight")
		}
	}
	if p.Seq == 0 {
		if p.HasContent() {
			t.dispatch(p)
		}
		return
	}
	if !t.controller.Policy().Reliable() {
		t.dispatch(p)
		return
	}

	t.sendAck(ep, p.Seq)
	ready, duplicate := ep.recv.accept(p)
	if duplicate {
		t.logger.WithFields(logrus.Fields{
			"at":  "(Tunnel) process",
			"seq": p.Seq,
		}).Debug("duplicate packet suppressed")
		return
	}
	for _, r := range ready {
		t.dispatch(r)
	}
}

func (t *Tunnel) dispatch(p *packet.Packet) {
	if p.CID == pipe.ControlID {
		t.control.HandlePacket(p)
		return
	}
	pp, ok := t.Pipe(p.CID)
	if !ok {
		t.logger.WithField("cid", p.CID).Debug("packet for unknown pipe dropped")
		return
	}
	pp.HandlePacket(p)
}

// Pipe returns the active pipe with id.
func (t *Tunnel) Pipe(id uint32) (pipe.Pipe, bool) {
	t.pipesMu.RLock()
	defer t.pipesMu.RUnlock()
	p, ok := t.pipes[id]
	return p, ok
}

func (t *Tunnel) AddPipe(p pipe.Pipe) error {
	t.pipesMu.Lock()
	defer t.pipesMu.Unlock()
	if _, ok := t.pipes[p.ID()]; ok {
		return oops.Wrapf(pipe.ErrPipeExists, "pipe %d", p.ID())
	}
	t.pipes[p.ID()] = p
	return nil
}

func (t *Tunnel) RemovePipe(id uint32) (pipe.Pipe, bool) {
	t.pipesMu.Lock()
	defer t.pipesMu.Unlock()
	p, ok := t.pipes[id]
	delete(t.pipes, id)
	return p, ok
}

func (t *Tunnel) HasPipe(id uint32) bool {
	_, ok := t.Pipe(id)
	return ok
}

// PipeIDs returns the ids of the active pipes in ascending order.
func (t *Tunnel) PipeIDs() []uint32 {
	t.pipesMu.RLock()
	defer t.pipesMu.RUnlock()
	ids := make([]uint32, 0, len(t.pipes))
	for id := range t.pipes {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// OpenPipe asks the peer for a new pipe of typ with a random id.
func (t *Tunnel) OpenPipe(typ pipe.Type) (pipe.Pipe, error) {
	return t.control.OpenPipe(typ, 0)
}

// Rekey starts a key exchange with the peer.
func (t *Tunnel) Rekey() error {
	return t.control.BeginRekey()
}

// LimitPeerWindow asks the peer to keep its congestion window at or below n.
func (t *Tunnel) LimitPeerWindow(n uint16) error {
	return t.control.ResizeWindow(n)
}

// AnnounceNextTID tells the peer which tunnel id this side will use next.
func (t *Tunnel) AnnounceNextTID(tid packet.TunnelID) error {
	return t.control.RequestNextTID(tid)
}

func (t *Tunnel) SetMaxWindow(n uint16) {
	t.controller.SetMaxWindow(n)
}

// Emit queues ev on the event channel. Events are dropped with a warning
// when the channel is full.
func (t *Tunnel) Emit(ev pipe.Event) {
	t.eventsMu.RLock()
	defer t.eventsMu.RUnlock()
	if t.eventsClosed {
		return
	}
	select {
	case t.events <- ev:
	default:
		t.logger.WithFields(logrus.Fields{
			"at":    "(Tunnel) Emit",
			"event": ev.Kind.String(),
		}).Warn("event channel full, dropping event")
	}
}

func (t *Tunnel) onDropped(dropped []*congestion.TimestampedPacket) {
	t.logger.WithFields(logrus.Fields{
		"at":        "(Tunnel) onDropped",
		"tunnel_id": t.ID().String(),
		"dropped":   len(dropped),
	}).Warn("packets dropped after retransmission limit")
	t.Emit(pipe.Event{Kind: pipe.EventPacketsDropped, Dropped: len(dropped)})
}

// Close closes every pipe, waits up to CloseLinger for the peer to
// acknowledge that, then stops the congestion controller and closes the
// event channel. It is safe to call more than once.
func (t *Tunnel) Close() error {
	t.closeOnce.Do(func() {
		if t.State() == StateConnected {
			t.control.CloseTunnel()
			t.linger()
		}
		t.setState(StateShuttingDown)
		t.controller.Stop()
		close(t.closed)

		t.Emit(pipe.Event{Kind: pipe.EventClosed})
		t.eventsMu.Lock()
		t.eventsClosed = true
		close(t.events)
		t.eventsMu.Unlock()

		t.stateMu.RLock()
		onClose := t.onClose
		t.stateMu.RUnlock()
		if onClose != nil {
			onClose(t)
		}
		log.WithFields(logger.Fields{
			"at":        "(Tunnel) Close",
			"tunnel_id": t.ID().String(),
		}).Debug("tunnel closed")
	})
	return nil
}

// linger gives the close RPCs CloseLinger to be acknowledged while the
// controller can still retransmit them.
func (t *Tunnel) linger() {
	if t.cfg.Tunnel.CloseLinger <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.Tunnel.CloseLinger)
	defer cancel()
	if err := t.controller.WaitDrained(ctx); err != nil {
		t.logger.WithFields(logrus.Fields{
			"at":        "(Tunnel) linger",
			"in_flight": t.controller.InFlight(),
		}).WithError(err).Debug("closing with unacknowledged packets")
	}
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

var _ pipe.Tunnel = (*Tunnel)(nil)
