package crypto

import (
	"io"

	"github.com/go-i2p/crypto/rand"
	"github.com/samber/oops"
	"golang.org/x/crypto/nacl/box"
)

const (
	// KeySize is the length of Curve25519 public and private keys.
	KeySize = 32
	// Overhead is the number of bytes a sealed box adds to its plaintext.
	Overhead = box.Overhead
)

// PublicKey is a Curve25519 public key.
type PublicKey [KeySize]byte

// PrivateKey is a Curve25519 private key.
type PrivateKey [KeySize]byte

// IsZero reports whether the key is unset.
func (k PublicKey) IsZero() bool {
	return k == PublicKey{}
}

// PublicKeyFromBytes copies b into a PublicKey.
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	var k PublicKey
	if len(b) != KeySize {
		return k, oops.Wrapf(ErrInvalidKeyLen, "got %d bytes", len(b))
	}
	copy(k[:], b)
	return k, nil
}

// KeyPair holds a local Curve25519 key pair.
type KeyPair struct {
	Public  PublicKey
	Private PrivateKey
}

// randReader adapts rand.Read to io.Reader for box.GenerateKey.
type randReader struct{}

func (randReader) Read(p []byte) (int, error) {
	return rand.Read(p)
}

var _ io.Reader = randReader{}

// GenerateKeyPair creates a fresh Curve25519 key pair.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := box.GenerateKey(randReader{})
	if err != nil {
		return KeyPair{}, oops.Wrapf(err, "failed to generate key pair")
	}
	return KeyPair{Public: *pub, Private: *priv}, nil
}

// SharedKey is the precomputed crypto_box key for one (local, peer) pair.
type SharedKey [KeySize]byte

// Precompute derives the shared key between a local private key and a
// peer's public key.
func Precompute(peer PublicKey, local PrivateKey) SharedKey {
	var shared [KeySize]byte
	box.Precompute(&shared, (*[KeySize]byte)(&peer), (*[KeySize]byte)(&local))
	return SharedKey(shared)
}

// Seal appends the sealed form of msg to out.
func (s *SharedKey) Seal(out, msg []byte, nonce Nonce) []byte {
	return box.SealAfterPrecomputation(out, msg, (*[NonceSize]byte)(&nonce), (*[KeySize]byte)(s))
}

// Open authenticates and decrypts sealed, appending the plaintext to out.
func (s *SharedKey) Open(out, sealed []byte, nonce Nonce) ([]byte, error) {
	plain, ok := box.OpenAfterPrecomputation(out, sealed, (*[NonceSize]byte)(&nonce), (*[KeySize]byte)(s))
	if !ok {
		return nil, ErrOpenFailed
	}
	return plain, nil
}
