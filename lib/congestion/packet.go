package congestion

import (
	"net"
	"time"
)

// PacketSender transmits a sealed datagram. Delivery is not guaranteed.
type PacketSender interface {
	Send(data []byte, dst net.Addr) error
}

// TimestampedPacket is an outbound datagram admitted to the window.
type TimestampedPacket struct {
	Seq                 uint64
	Data                []byte
	Destination         net.Addr
	InitialTransmission time.Time
	LastTransmission    time.Time
	Retransmissions     int
	TimedOut            bool
}

// DropHandler receives packets that exceeded the retransmission ceiling.
type DropHandler func(dropped []*TimestampedPacket)
