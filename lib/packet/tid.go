package packet

import (
	"encoding/binary"
	"strconv"

	"github.com/go-i2p/go-tunneler/lib/crypto"
	"github.com/samber/oops"
)

// TunnelID identifies a tunnel session. The two top bits are wire flags.
type TunnelID uint64

const (
	// FlagEphemeralKey is set when the header carries an ephemeral public key.
	FlagEphemeralKey TunnelID = 1 << 63
	// FlagPuzzle is set when the header carries a puzzle or its solution.
	FlagPuzzle TunnelID = 1 << 62

	flagMask = FlagEphemeralKey | FlagPuzzle
)

// Masked returns the identifier with both flag bits cleared.
func (t TunnelID) Masked() TunnelID {
	return t &^ flagMask
}

func (t TunnelID) HasEphemeralKey() bool {
	return t&FlagEphemeralKey != 0
}

func (t TunnelID) HasPuzzle() bool {
	return t&FlagPuzzle != 0
}

func (t TunnelID) String() string {
	return strconv.FormatUint(uint64(t.Masked()), 16)
}

// RandomTunnelID returns a random identifier that is nonzero once masked.
func RandomTunnelID() (TunnelID, error) {
	var b [8]byte
	for {
		if err := crypto.RandomBytes(b[:]); err != nil {
			return 0, oops.Wrapf(err, "tunnel id")
		}
		if tid := TunnelID(binary.LittleEndian.Uint64(b[:])).Masked(); tid != 0 {
			return tid, nil
		}
	}
}

// RandomUint32 returns a random nonzero 32-bit value, used for request and
// pipe identifiers.
func RandomUint32() uint32 {
	var b [4]byte
	for {
		if err := crypto.RandomBytes(b[:]); err != nil {
			log.WithError(err).Error("random source failed")
			panic(err)
		}
		if v := binary.LittleEndian.Uint32(b[:]); v != 0 {
			return v
		}
	}
}
