package packet

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	"github.com/samber/oops"
	"github.com/vmihailenco/msgpack/v5"
)

// startPayloadFlag separates the RPC block from the payload bytes.
const startPayloadFlag byte = 0x01

// Body is the content of the sealed region.
type Body struct {
	Seq     uint32
	Ack     uint32
	CID     uint32
	RPCs    []RPC
	Payload []byte
}

// HasContent reports whether the body carries RPCs or payload bytes.
func (b *Body) HasContent() bool {
	return len(b.RPCs) > 0 || len(b.Payload) > 0
}

// MarshalBinary encodes the body in its cleartext form.
func (b *Body) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(bodyFixedSize + 1 + len(b.Payload))

	var fixed [bodyFixedSize]byte
	binary.LittleEndian.PutUint32(fixed[0:4], b.Seq)
	binary.LittleEndian.PutUint32(fixed[4:8], b.Ack)
	binary.LittleEndian.PutUint32(fixed[8:12], b.CID)
	buf.Write(fixed[:])

	if len(b.RPCs) > 0 {
		buf.WriteByte(byte(TagRPCStart))
		enc := msgpack.NewEncoder(&buf)
		for _, rpc := range b.RPCs {
			buf.WriteByte(byte(rpc.Tag()))
			if err := enc.Encode(rpc); err != nil {
				return nil, oops.Wrapf(err, "failed to encode %s", rpc.Tag())
			}
		}
		buf.WriteByte(byte(TagRPCEnd))
	}

	buf.WriteByte(startPayloadFlag)
	buf.Write(b.Payload)
	return buf.Bytes(), nil
}

// DecodeBody parses a cleartext body. The returned payload aliases data.
func DecodeBody(data []byte) (Body, error) {
	var b Body
	if len(data) < bodyFixedSize+1 {
		return b, oops.Wrapf(ErrTruncated, "body needs %d bytes, have %d", bodyFixedSize+1, len(data))
	}
	b.Seq = binary.LittleEndian.Uint32(data[0:4])
	b.Ack = binary.LittleEndian.Uint32(data[4:8])
	b.CID = binary.LittleEndian.Uint32(data[8:12])

	r := bytes.NewReader(data[bodyFixedSize:])
	marker, _ := r.ReadByte()
	if marker == byte(TagRPCStart) {
		rpcs, err := decodeRPCBlock(r)
		if err != nil {
			return b, err
		}
		b.RPCs = rpcs
		if marker, err = r.ReadByte(); err != nil {
			return b, oops.Wrapf(ErrTruncated, "no payload marker after RPC block")
		}
	}
	if marker != startPayloadFlag {
		return b, oops.Wrapf(ErrMissingPayloadMarker, "found 0x%02x", marker)
	}
	if rest := r.Len(); rest > 0 {
		b.Payload = data[len(data)-rest:]
	}
	return b, nil
}

// decodeRPCBlock reads (tag, body) pairs up to and including TagRPCEnd.
// The msgpack decoder reads straight from r, which lets tag bytes and
// bodies interleave without buffering ahead.
func decodeRPCBlock(r *bytes.Reader) ([]RPC, error) {
	dec := msgpack.NewDecoder(r)
	var rpcs []RPC
	for {
		tag, err := r.ReadByte()
		if err != nil {
			return nil, oops.Wrapf(ErrTruncated, "RPC block not terminated")
		}
		if RPCTag(tag) == TagRPCEnd {
			return rpcs, nil
		}
		rpc, err := decodeRPC(RPCTag(tag), dec)
		switch {
		case err == nil:
			rpcs = append(rpcs, rpc)
		case errors.Is(err, ErrUnknownRPCTag):
			return nil, oops.Wrapf(err, "tag %d", tag)
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), r.Len() == 0:
			return nil, oops.Wrapf(ErrTruncated, "%s body cut short", RPCTag(tag))
		default:
			return nil, oops.Wrapf(ErrMalformedRPC, "%s: %v", RPCTag(tag), err)
		}
	}
}
