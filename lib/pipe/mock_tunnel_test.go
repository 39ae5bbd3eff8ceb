package pipe

import (
	"errors"
	"sync"

	"github.com/go-i2p/go-tunneler/lib/crypto"
	"github.com/go-i2p/go-tunneler/lib/packet"
)

var errNoPendingRekey = errors.New("mock: nothing prepared")

// sentPacket is one SendData or SendControl call recorded by mockTunnel.
type sentPacket struct {
	cid  uint32
	data []byte
	rpcs []packet.RPC
}

// mockTunnel records everything pipes send and never delivers it by
// itself; tests move traffic with pump.
type mockTunnel struct {
	mu     sync.Mutex
	mtu    int
	out    []sentPacket
	pipes  map[uint32]Pipe
	events []Event

	prepared  *crypto.KeyPair
	nextPeer  *crypto.PublicKey
	rekeys    int
	rollbacks int
	maxWindow uint16
	nextTID   packet.TunnelID
}

func newMockTunnel(mtu int) *mockTunnel {
	return &mockTunnel{mtu: mtu, pipes: make(map[uint32]Pipe)}
}

func (m *mockTunnel) ID() packet.TunnelID { return 0x1234 }
func (m *mockTunnel) MaxPayloadSize() int { return m.mtu }

func (m *mockTunnel) SendData(data []byte, cid uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.out = append(m.out, sentPacket{cid: cid, data: append([]byte(nil), data...)})
	return nil
}

func (m *mockTunnel) SendControl(rpcs ...packet.RPC) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.out = append(m.out, sentPacket{cid: ControlID, rpcs: rpcs})
	return nil
}

func (m *mockTunnel) AddPipe(p Pipe) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pipes[p.ID()]; ok {
		return ErrPipeExists
	}
	m.pipes[p.ID()] = p
	return nil
}

func (m *mockTunnel) RemovePipe(id uint32) (Pipe, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pipes[id]
	delete(m.pipes, id)
	return p, ok
}

func (m *mockTunnel) HasPipe(id uint32) bool {
	_, ok := m.pipe(id)
	return ok
}

func (m *mockTunnel) pipe(id uint32) (Pipe, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pipes[id]
	return p, ok
}

func (m *mockTunnel) PipeIDs() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]uint32, 0, len(m.pipes))
	for id := range m.pipes {
		ids = append(ids, id)
	}
	return ids
}

func (m *mockTunnel) PrepareRekey() (*packet.PrepareRekey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.prepared == nil {
		keys, err := crypto.GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		m.prepared = &keys
	}
	return packet.NewPrepareRekey(m.prepared.Public[:]), nil
}

func (m *mockTunnel) SetNextRecipientPublicKey(k crypto.PublicKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextPeer = &k
}

func (m *mockTunnel) RekeyNow() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.prepared == nil || m.nextPeer == nil {
		return errNoPendingRekey
	}
	m.prepared, m.nextPeer = nil, nil
	m.rekeys++
	return nil
}

func (m *mockTunnel) RollbackRekey() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollbacks++
	return nil
}

func (m *mockTunnel) SetNextTID(tid packet.TunnelID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextTID = tid
}

func (m *mockTunnel) SetMaxWindow(n uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxWindow = n
}

func (m *mockTunnel) Emit(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

// take returns and clears the recorded sends.
func (m *mockTunnel) take() []sentPacket {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.out
	m.out = nil
	return out
}

// takeRPCs returns and clears the recorded control RPCs.
func (m *mockTunnel) takeRPCs() []packet.RPC {
	var rpcs []packet.RPC
	for _, s := range m.take() {
		rpcs = append(rpcs, s.rpcs...)
	}
	return rpcs
}

func (m *mockTunnel) eventKinds() []EventKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	kinds := make([]EventKind, 0, len(m.events))
	for _, ev := range m.events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

// endpoint is one side of a linked pair.
type endpoint struct {
	tunnel  *mockTunnel
	control *ControlPipe
}

func deliver(s sentPacket, to endpoint) {
	p := &packet.Packet{Body: packet.Body{CID: s.cid, RPCs: s.rpcs, Payload: s.data}}
	if s.cid == ControlID {
		if to.control != nil {
			to.control.HandlePacket(p)
		}
		return
	}
	if dst, ok := to.tunnel.pipe(s.cid); ok {
		dst.HandlePacket(p)
	}
}

// pump moves traffic between a and b until both are quiet and returns every
// data payload that crossed the link.
func pump(a, b endpoint) [][]byte {
	var wire [][]byte
	for range 64 {
		fromA := a.tunnel.take()
		fromB := b.tunnel.take()
		if len(fromA) == 0 && len(fromB) == 0 {
			return wire
		}
		for _, s := range fromA {
			wire = append(wire, s.data)
			deliver(s, b)
		}
		for _, s := range fromB {
			wire = append(wire, s.data)
			deliver(s, a)
		}
	}
	return wire
}

var _ Tunnel = (*mockTunnel)(nil)
