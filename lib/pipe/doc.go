// Package pipe implements the logical streams multiplexed over a tunnel.
//
// # Overview
//
// Every tunnel carries one ControlPipe on connection id 0 plus any number
// of data pipes. The ControlPipe executes the RPCs that open and close
// pipes, acknowledge requests and coordinate rekeying. Data pipes frame
// application messages over the tunnel's packets.
//
// # Pipe types
//
//   - Control: RPC channel, always cid 0, never opened by request.
//   - Duplex: each message is sent as a u16 little-endian length followed by
//     its bytes, split across as many packets as MaxPayloadSize requires.
//   - SecureDuplex: a Duplex whose messages are msgpack envelopes. The first
//     envelope in each direction carries a fresh public key; once both keys
//     are known, payloads are sealed end to end with crypto_box.
//
// # Lifecycle
//
// A locally requested pipe starts in AwaitingAck and becomes Connected when
// the peer's AckPipe arrives, or Refused on RefusePipe. A pipe opened by the
// peer is Connected as soon as it is registered. Closing moves a pipe to
// Disconnected and unblocks ReadMessage callers.
//
// Pipes reach their tunnel only through the Tunnel interface, which the
// tunnel package implements.
package pipe
