package tunnel

import (
	"maps"
	"slices"

	"github.com/go-i2p/go-tunneler/lib/packet"
	"github.com/go-i2p/logger"
)

// reorderWindow releases tracked packets in sequence order. Packets ahead
// of the expected sequence are held until the gap fills, or until more than
// limit are held or the gap spans limit sequences, at which point the gap
// is skipped.
type reorderWindow struct {
	expected uint32
	held     map[uint32]*packet.Packet
	limit    int
}

func newReorderWindow(limit int) *reorderWindow {
	return &reorderWindow{
		expected: 1,
		held:     make(map[uint32]*packet.Packet),
		limit:    max(limit, 1),
	}
}

// accept admits p and returns the packets now ready for delivery, in order.
// duplicate reports a sequence that was already delivered or is held.
func (w *reorderWindow) accept(p *packet.Packet) (ready []*packet.Packet, duplicate bool) {
	seq := p.Seq
	if seq < w.expected {
		return nil, true
	}
	if _, ok := w.held[seq]; ok {
		return nil, true
	}
	if seq == w.expected {
		ready = append(ready, p)
		w.expected++
		return w.release(ready), false
	}

	w.held[seq] = p
	if len(w.held) > w.limit || int64(seq)-int64(w.expected) >= int64(w.limit) {
		ready = w.skipGap(ready)
	}
	return ready, false
}

// release appends consecutive held packets starting at expected.
func (w *reorderWindow) release(ready []*packet.Packet) []*packet.Packet {
	for {
		p, ok := w.held[w.expected]
		if !ok {
			return ready
		}
		delete(w.held, w.expected)
		ready = append(ready, p)
		w.expected++
	}
}

// skipGap declares everything below the lowest held sequence lost.
func (w *reorderWindow) skipGap(ready []*packet.Packet) []*packet.Packet {
	lowest := slices.Min(slices.Collect(maps.Keys(w.held)))
	log.WithFields(logger.Fields{
		"at":       "(reorderWindow) skipGap",
		"expected": w.expected,
		"resume":   lowest,
	}).Debug("reorder limit reached, skipping missing packets")
	w.expected = lowest
	return w.release(ready)
}

func (w *reorderWindow) pending() int { return len(w.held) }
