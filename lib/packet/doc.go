// Package packet implements the tunnel wire format.
//
// # Overview
//
// A datagram is a cleartext header followed by a sealed region:
//
//	TID(8) | Nonce(24) | [EPK(32)] | [Puzzle(148)] | box(body)
//
// Bit 63 of the TID announces the ephemeral public key and bit 62 the
// puzzle. The flags are stripped on decode; Header.TID always holds the
// bare 62-bit identifier.
//
// The body is
//
//	Seq(4) | Ack(4) | CID(4) | [0x00 (Tag RPC)* 0xFF] | 0x01 | Payload
//
// with all integers little-endian. RPC bodies are msgpack maps keyed by
// short field names; every RPC carries the request id "rid" so that Ok and
// Refuse responses can be matched to the request that caused them.
//
// # Hello
//
// The first datagram of a handshake cannot be sealed because the responder's
// key is not yet known. It carries the header with the PK flag set followed
// by the cleartext greeting "Hello!". Any other datagram is sealed.
package packet
