package pipe

import (
	"context"
	"encoding/binary"
	"math"
	"sync"

	"github.com/go-i2p/go-tunneler/lib/packet"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

// lengthPrefixSize is the size of the message length that opens a frame.
const lengthPrefixSize = 2

// MaxMessageSize is the largest message a Duplex pipe can frame.
const MaxMessageSize = math.MaxUint16

type parseState int

const (
	parseIdle parseState = iota
	parseMessage
)

// DuplexPipe is a bidirectional message stream.
type DuplexPipe struct {
	base

	sendMu sync.Mutex

	recvMu sync.Mutex
	parse  parseState
	buf    []byte
	filled int
	// deliver receives each reassembled message.
	deliver func(msg []byte)

	messages  chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewDuplexPipe creates a pipe in AwaitingAck. bufferSize is the number of
// reassembled messages held for ReadMessage.
func NewDuplexPipe(t Tunnel, id uint32, bufferSize int) *DuplexPipe {
	d := &DuplexPipe{
		base:     newBase(t, id, TypeDuplex),
		messages: make(chan []byte, max(bufferSize, 1)),
		done:     make(chan struct{}),
	}
	d.deliver = d.enqueue
	return d
}

func (d *DuplexPipe) connect() {
	d.setState(StateConnected)
}

func (d *DuplexPipe) refuse() {
	d.setState(StateRefused)
	d.release()
}

// Close moves the pipe to Disconnected and unblocks readers.
func (d *DuplexPipe) Close() {
	if d.getState() != StateRefused {
		d.setState(StateDisconnected)
	}
	d.release()
}

func (d *DuplexPipe) release() {
	d.closeOnce.Do(func() { close(d.done) })
}

// Send frames data and transmits it as one or more packets.
func (d *DuplexPipe) Send(data []byte) error {
	if d.getState() != StateConnected {
		return ErrPipeNotConnected
	}
	return d.sendFramed(data)
}

// sendFramed prefixes data with its length and splits the frame into
// ceil((len(data)+2)/MaxPayloadSize) packets.
func (d *DuplexPipe) sendFramed(data []byte) error {
	if len(data) > MaxMessageSize {
		return oops.Wrapf(ErrMessageTooLarge, "%d bytes", len(data))
	}
	mtu := d.tunnel.MaxPayloadSize()
	if mtu <= lengthPrefixSize {
		return oops.Wrapf(ErrPayloadTooSmall, "max payload %d", mtu)
	}

	frame := make([]byte, lengthPrefixSize+len(data))
	binary.LittleEndian.PutUint16(frame, uint16(len(data)))
	copy(frame[lengthPrefixSize:], data)

	d.sendMu.Lock()
	defer d.sendMu.Unlock()
	for off := 0; off < len(frame); off += mtu {
		end := min(off+mtu, len(frame))
		if err := d.tunnel.SendData(frame[off:end], d.id); err != nil {
			return oops.Wrapf(err, "pipe %d fragment at offset %d", d.id, off)
		}
	}
	return nil
}

// HandlePacket feeds the packet payload into the reassembly buffer.
func (d *DuplexPipe) HandlePacket(p *packet.Packet) {
	if len(p.Payload) == 0 {
		return
	}
	d.recvMu.Lock()
	defer d.recvMu.Unlock()
	d.consume(p.Payload)
}

func (d *DuplexPipe) consume(data []byte) {
	for len(data) > 0 {
		if d.parse == parseIdle {
			if len(data) < lengthPrefixSize {
				log.WithFields(logger.Fields{
					"at":      "(DuplexPipe) consume",
					"pipe_id": d.id,
					"reason":  "fragment shorter than length prefix",
				}).Warn("dropping malformed fragment")
				return
			}
			length := int(binary.LittleEndian.Uint16(data))
			data = data[lengthPrefixSize:]
			d.buf = make([]byte, length)
			d.filled = 0
			d.parse = parseMessage
		}
		n := copy(d.buf[d.filled:], data)
		d.filled += n
		data = data[n:]
		if d.filled == len(d.buf) {
			msg := d.buf
			d.buf = nil
			d.filled = 0
			d.parse = parseIdle
			d.deliver(msg)
		}
	}
}

// enqueue hands a message to ReadMessage. It runs on the tunnel's receive
// path and never blocks: when the reader has fallen MessageBufferSize
// messages behind, the message is discarded and EventMessageDropped fires.
func (d *DuplexPipe) enqueue(msg []byte) {
	select {
	case <-d.done:
		log.WithField("pipe_id", d.id).Debug("pipe closed, discarding message")
		return
	default:
	}
	select {
	case d.messages <- msg:
	default:
		log.WithFields(logger.Fields{
			"at":      "(DuplexPipe) enqueue",
			"pipe_id": d.id,
			"size":    len(msg),
			"backlog": cap(d.messages),
		}).Warn("reader is behind, dropping message")
		d.tunnel.Emit(Event{Kind: EventMessageDropped, PipeID: d.id, Pipe: d})
	}
}

// ReadMessage returns the next reassembled message.
func (d *DuplexPipe) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-d.messages:
		return msg, nil
	default:
	}
	select {
	case msg := <-d.messages:
		return msg, nil
	case <-d.done:
		return nil, ErrPipeClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
