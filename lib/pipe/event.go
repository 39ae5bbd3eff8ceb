package pipe

import "github.com/go-i2p/go-tunneler/lib/packet"

// EventKind identifies a tunnel or pipe event.
type EventKind int

const (
	// EventConnected fires once when the tunnel handshake completes.
	EventConnected EventKind = iota
	// EventNewPipe fires when a pipe becomes Connected, whichever side
	// requested it.
	EventNewPipe
	EventPipeClosed
	EventPipeRefused
	// EventRPCAcknowledged and EventRPCRefused report Ok and Refuse
	// responses to requests this side sent.
	EventRPCAcknowledged
	EventRPCRefused
	EventRekeyed
	// EventPacketsDropped reports packets abandoned by congestion control.
	EventPacketsDropped
	// EventMessageDropped reports a reassembled message discarded because
	// the pipe's reader did not keep up.
	EventMessageDropped
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "Connected"
	case EventNewPipe:
		return "NewPipe"
	case EventPipeClosed:
		return "PipeClosed"
	case EventPipeRefused:
		return "PipeRefused"
	case EventRPCAcknowledged:
		return "RPCAcknowledged"
	case EventRPCRefused:
		return "RPCRefused"
	case EventRekeyed:
		return "Rekeyed"
	case EventPacketsDropped:
		return "PacketsDropped"
	case EventMessageDropped:
		return "MessageDropped"
	case EventClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Event is delivered on a tunnel's event channel.
type Event struct {
	Kind   EventKind
	PipeID uint32
	// Pipe is set for NewPipe, PipeClosed and MessageDropped.
	Pipe Pipe
	// Reason is set for PipeRefused.
	Reason packet.RefusalReason
	// RequestID is set for RPCAcknowledged and RPCRefused.
	RequestID uint32
	// Dropped is set for PacketsDropped.
	Dropped int
}
