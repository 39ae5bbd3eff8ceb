package crypto

import "github.com/samber/oops"

// NonceSize is the length of a crypto_box nonce.
const NonceSize = 24

// Nonce is a 24-byte crypto_box nonce, interpreted as a little-endian counter.
type Nonce [NonceSize]byte

// RandomNonce returns a nonce drawn from the system random source.
func RandomNonce() (Nonce, error) {
	var n Nonce
	if err := RandomBytes(n[:]); err != nil {
		return n, oops.Wrapf(err, "nonce")
	}
	return n, nil
}

// NonceFromBytes copies b into a Nonce.
func NonceFromBytes(b []byte) (Nonce, bool) {
	var n Nonce
	if len(b) != NonceSize {
		return n, false
	}
	copy(n[:], b)
	return n, true
}

// Add returns n+delta and whether the addition carried out of the top byte.
func (n Nonce) Add(delta uint64) (Nonce, bool) {
	carry := delta
	for i := 0; i < NonceSize && carry != 0; i++ {
		sum := uint64(n[i]) + (carry & 0xff)
		n[i] = byte(sum)
		carry = (carry >> 8) + (sum >> 8)
	}
	return n, carry != 0
}
