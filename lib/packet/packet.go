package packet

import (
	"bytes"

	"github.com/go-i2p/go-tunneler/lib/crypto"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

var log = logger.GetGoI2PLogger()

// HelloGreeting is the cleartext that follows the header of a hello.
var HelloGreeting = []byte("Hello!")

// Kind distinguishes the three datagram variants.
type Kind uint8

const (
	// KindHello is an unsealed handshake opener.
	KindHello Kind = iota
	// KindEncrypted is a sealed packet for a data pipe, or one whose body
	// has not been opened yet.
	KindEncrypted
	// KindControl is a sealed packet addressed to the control pipe.
	KindControl
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindControl:
		return "control"
	default:
		return "encrypted"
	}
}

// Datagram is a received datagram whose header has been parsed but whose
// sealed region is still opaque.
type Datagram struct {
	Header
	Ciphertext []byte
}

// Decode parses the cleartext header of a raw datagram.
func Decode(data []byte) (*Datagram, error) {
	h, rest, err := DecodeHeader(data)
	if err != nil {
		return nil, err
	}
	return &Datagram{Header: h, Ciphertext: rest}, nil
}

// Kind reports KindHello for a greeting-bearing handshake opener and
// KindEncrypted otherwise.
func (d *Datagram) Kind() Kind {
	if d.EphemeralKey != nil && bytes.Equal(d.Ciphertext, HelloGreeting) {
		return KindHello
	}
	return KindEncrypted
}

// Packet is a datagram with an opened (or not yet sealed) body.
type Packet struct {
	Header
	Body
}

// Kind reports KindControl for cid 0 and KindEncrypted otherwise.
func (p *Packet) Kind() Kind {
	if p.CID == 0 {
		return KindControl
	}
	return KindEncrypted
}

// Seal encodes p and seals its body under key.
func Seal(p *Packet, key *crypto.SharedKey) ([]byte, error) {
	body, err := p.Body.MarshalBinary()
	if err != nil {
		return nil, err
	}
	out, err := p.Header.AppendBinary(make([]byte, 0, p.Header.Size()+len(body)+crypto.Overhead))
	if err != nil {
		return nil, err
	}
	return key.Seal(out, body, p.Nonce), nil
}

// Open authenticates and decodes the sealed region of d under key.
func Open(d *Datagram, key *crypto.SharedKey) (*Packet, error) {
	if len(d.Ciphertext) < crypto.Overhead {
		return nil, oops.Wrapf(ErrTruncated, "sealed region is %d bytes", len(d.Ciphertext))
	}
	plain, err := key.Open(nil, d.Ciphertext, d.Nonce)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	body, err := DecodeBody(plain)
	if err != nil {
		return nil, err
	}
	return &Packet{Header: d.Header, Body: body}, nil
}

// EncodeHello encodes an unsealed hello for h. h must carry an ephemeral key.
func EncodeHello(h Header) ([]byte, error) {
	if h.EphemeralKey == nil {
		return nil, oops.Wrapf(ErrNotHello, "hello without ephemeral key")
	}
	out, err := h.AppendBinary(make([]byte, 0, h.Size()+len(HelloGreeting)))
	if err != nil {
		return nil, err
	}
	return append(out, HelloGreeting...), nil
}
