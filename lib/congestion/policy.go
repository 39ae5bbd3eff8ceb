package congestion

import (
	"github.com/go-i2p/go-tunneler/lib/config"
	"github.com/samber/oops"
)

// Window is the mutable window state a Policy operates on.
type Window struct {
	Size      uint16
	Max       uint16
	Threshold uint16
}

// Policy reacts to acks and drops by resizing the window.
type Policy interface {
	Name() string
	// Reliable reports whether packets are tracked and retransmitted.
	Reliable() bool
	OnAcked(w *Window, acked *TimestampedPacket)
	OnPacketsDropped(w *Window, inFlight, dropped int)
}

// NoCongestion sends every packet immediately and tracks nothing.
type NoCongestion struct{}

func (NoCongestion) Name() string                        { return config.PolicyNone }
func (NoCongestion) Reliable() bool                      { return false }
func (NoCongestion) OnAcked(*Window, *TimestampedPacket) {}
func (NoCongestion) OnPacketsDropped(*Window, int, int)  {}

// Simple keeps exactly one packet in flight.
type Simple struct{}

func (Simple) Name() string                        { return config.PolicySimple }
func (Simple) Reliable() bool                      { return true }
func (Simple) OnAcked(*Window, *TimestampedPacket) {}
func (Simple) OnPacketsDropped(*Window, int, int)  {}

// AIMD grows the window on acks and halves it on drops.
type AIMD struct{}

func (AIMD) Name() string   { return config.PolicyAIMD }
func (AIMD) Reliable() bool { return true }

func (AIMD) OnAcked(w *Window, _ *TimestampedPacket) {
	if w.Size >= w.Max {
		return
	}
	next := uint32(w.Size) + 1
	if w.Size < w.Threshold {
		next = uint32(w.Size) * 2
	}
	w.Size = uint16(min(next, uint32(w.Max)))
}

func (AIMD) OnPacketsDropped(w *Window, _, dropped int) {
	if dropped == 0 {
		return
	}
	w.Size = max(w.Size/2, 1)
	w.Threshold = max(w.Size, 2)
}

// PolicyByName maps a configured policy name to its Policy.
func PolicyByName(name string) (Policy, error) {
	switch name {
	case config.PolicyNone:
		return NoCongestion{}, nil
	case config.PolicySimple:
		return Simple{}, nil
	case config.PolicyAIMD:
		return AIMD{}, nil
	default:
		return nil, oops.Errorf("unknown congestion policy %q", name)
	}
}
