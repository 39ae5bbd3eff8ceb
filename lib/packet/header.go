package packet

import (
	"encoding/binary"

	"github.com/go-i2p/go-tunneler/lib/crypto"
	"github.com/samber/oops"
)

const (
	TIDSize          = 8
	EphemeralKeySize = crypto.KeySize
	PuzzleSize       = 148

	// MinHeaderSize is the header length without optional fields.
	MinHeaderSize = TIDSize + crypto.NonceSize

	bodyFixedSize = 12

	// SealedOverhead is the number of bytes a sealed data packet adds to its
	// payload when neither EPK nor puzzle nor RPCs are attached.
	SealedOverhead = MinHeaderSize + crypto.Overhead + bodyFixedSize + 1
)

// Puzzle is the opaque puzzle or puzzle-solution header field.
type Puzzle [PuzzleSize]byte

// Header is the cleartext prefix shared by every datagram.
type Header struct {
	// TID is stored without flag bits; flags are derived from the optional
	// fields on encode.
	TID          TunnelID
	Nonce        crypto.Nonce
	EphemeralKey *crypto.PublicKey
	Puzzle       *Puzzle
}

// Size returns the encoded header length.
func (h Header) Size() int {
	n := MinHeaderSize
	if h.EphemeralKey != nil {
		n += EphemeralKeySize
	}
	if h.Puzzle != nil {
		n += PuzzleSize
	}
	return n
}

// WireTID returns the TID with flag bits set for the present fields.
func (h Header) WireTID() TunnelID {
	tid := h.TID.Masked()
	if h.EphemeralKey != nil {
		tid |= FlagEphemeralKey
	}
	if h.Puzzle != nil {
		tid |= FlagPuzzle
	}
	return tid
}

// AppendBinary appends the encoded header to b.
func (h Header) AppendBinary(b []byte) ([]byte, error) {
	b = binary.LittleEndian.AppendUint64(b, uint64(h.WireTID()))
	b = append(b, h.Nonce[:]...)
	if h.EphemeralKey != nil {
		b = append(b, h.EphemeralKey[:]...)
	}
	if h.Puzzle != nil {
		b = append(b, h.Puzzle[:]...)
	}
	return b, nil
}

// MarshalBinary encodes the header alone.
func (h Header) MarshalBinary() ([]byte, error) {
	return h.AppendBinary(make([]byte, 0, h.Size()))
}

// DecodeHeader parses the cleartext header and returns the remaining bytes.
func DecodeHeader(data []byte) (Header, []byte, error) {
	var h Header
	if len(data) < MinHeaderSize {
		return h, nil, oops.Wrapf(ErrTruncated, "header needs %d bytes, have %d", MinHeaderSize, len(data))
	}
	wire := TunnelID(binary.LittleEndian.Uint64(data[:TIDSize]))
	h.TID = wire.Masked()
	copy(h.Nonce[:], data[TIDSize:MinHeaderSize])
	rest := data[MinHeaderSize:]

	if wire.HasEphemeralKey() {
		if len(rest) < EphemeralKeySize {
			return h, nil, oops.Wrapf(ErrTruncated, "ephemeral key field cut short")
		}
		var k crypto.PublicKey
		copy(k[:], rest[:EphemeralKeySize])
		h.EphemeralKey = &k
		rest = rest[EphemeralKeySize:]
	}
	if wire.HasPuzzle() {
		if len(rest) < PuzzleSize {
			return h, nil, oops.Wrapf(ErrTruncated, "puzzle field cut short")
		}
		var p Puzzle
		copy(p[:], rest[:PuzzleSize])
		h.Puzzle = &p
		rest = rest[PuzzleSize:]
	}
	return h, rest, nil
}
