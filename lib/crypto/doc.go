// Package crypto provides the public-key authenticated encryption used by
// tunnels and secure pipes.
//
// # Overview
//
// Every sealed region on the wire is a NaCl crypto_box: Curve25519 key
// agreement, XSalsa20 stream encryption and a Poly1305 authenticator. The
// sender's private key and the recipient's public key select the shared
// key, and the 24-byte packet nonce selects the keystream.
//
// # Nonces
//
// Nonces are treated as 192-bit little-endian counters. The two directions
// of a tunnel start one apart and advance by two, so a nonce value is never
// used twice under the same shared key. Nonce.Add reports wrap-around so the
// caller can refuse to send until the key epoch is replaced.
package crypto
