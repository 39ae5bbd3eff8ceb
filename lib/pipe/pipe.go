package pipe

import (
	"sync"

	"github.com/go-i2p/go-tunneler/lib/crypto"
	"github.com/go-i2p/go-tunneler/lib/packet"
	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()

// ControlID is the connection id reserved for the control pipe.
const ControlID uint32 = 0

// Type names a pipe variant. The string form is sent in CreateAnonymousPipe.
type Type string

const (
	TypeControl      Type = "Control"
	TypeDuplex       Type = "Duplex"
	TypeSecureDuplex Type = "SecureDuplex"
)

func (t Type) String() string { return string(t) }

// ParseType maps a wire pipe type name to a Type.
func ParseType(s string) (Type, bool) {
	switch Type(s) {
	case TypeControl, TypeDuplex, TypeSecureDuplex:
		return Type(s), true
	default:
		return "", false
	}
}

// State is the lifecycle state of a pipe.
type State int

const (
	StateAwaitingAck State = iota
	StateConnected
	StateDisconnected
	StateRefused
)

func (s State) String() string {
	switch s {
	case StateAwaitingAck:
		return "AwaitingAck"
	case StateConnected:
		return "Connected"
	case StateDisconnected:
		return "Disconnected"
	case StateRefused:
		return "Refused"
	default:
		return "Unknown"
	}
}

// Tunnel is the part of a tunnel that pipes depend on.
type Tunnel interface {
	ID() packet.TunnelID
	// MaxPayloadSize is the largest payload one data packet can carry.
	MaxPayloadSize() int
	SendData(data []byte, cid uint32) error
	// SendControl sends rpcs in one packet on cid 0.
	SendControl(rpcs ...packet.RPC) error

	AddPipe(p Pipe) error
	RemovePipe(id uint32) (Pipe, bool)
	HasPipe(id uint32) bool
	PipeIDs() []uint32

	PrepareRekey() (*packet.PrepareRekey, error)
	SetNextRecipientPublicKey(k crypto.PublicKey)
	RekeyNow() error
	RollbackRekey() error
	SetNextTID(tid packet.TunnelID)
	SetMaxWindow(n uint16)

	Emit(ev Event)
}

// Pipe is a logical stream inside a tunnel.
type Pipe interface {
	ID() uint32
	Type() Type
	State() State
	// HandlePacket consumes an opened packet addressed to this pipe.
	HandlePacket(p *packet.Packet)
	// Close moves the pipe to Disconnected without sending any RPC.
	Close()

	connect()
	refuse()
}

// base holds the fields every pipe shares.
type base struct {
	id     uint32
	typ    Type
	tunnel Tunnel

	stateMu sync.RWMutex
	state   State
}

func newBase(t Tunnel, id uint32, typ Type) base {
	return base{id: id, typ: typ, tunnel: t, state: StateAwaitingAck}
}

func (b *base) ID() uint32   { return b.id }
func (b *base) Type() Type   { return b.typ }
func (b *base) State() State { return b.getState() }

func (b *base) getState() State {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	return b.state
}

// setState records s and returns the previous state.
func (b *base) setState(s State) State {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	prev := b.state
	b.state = s
	return prev
}

// newDataPipe constructs a pipe of a data type.
func newDataPipe(t Tunnel, typ Type, id uint32, bufferSize int) (Pipe, error) {
	switch typ {
	case TypeDuplex:
		return NewDuplexPipe(t, id, bufferSize), nil
	case TypeSecureDuplex:
		return NewSecureDuplexPipe(t, id, bufferSize), nil
	default:
		return nil, ErrUnsupportedPipeType
	}
}
