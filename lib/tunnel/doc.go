// Package tunnel implements the encrypted session between two UDP peers.
//
// # Overview
//
// A Tunnel is created either by dialing (NewInitiator followed by
// CommunicateWith) or by answering a hello (NewResponder followed by
// HandleHello). Both sides derive a NaCl crypto_box shared key from their
// ephemeral key pairs. Every later datagram is sealed under that key with a
// per-packet nonce.
//
// # States
//
//	Disconnected -> WaitingForHelloResponse -> Connected   (initiator)
//	Initial -> HandlingHello -> Connected                  (responder)
//	Connected -> ShuttingDown                              (Close)
//
// Packets sent before the tunnel is Connected are buffered and flushed in
// order once the handshake completes.
//
// # Reliability
//
// Tracked packets carry a sequence number starting at 1 per key epoch.
// The receiver answers each one with a pure ack packet, suppresses
// duplicates and releases bodies in order through a bounded reorder
// window. Retransmission and pacing belong to the congestion.Controller
// owned by each tunnel.
//
// # Key Epochs
//
// A tunnel holds a current epoch plus the previous and next ones while a
// rekey is in flight. Datagrams are opened with the current, previous and
// next epochs in that order, so packets sealed on either side of a key
// switch are still accepted.
//
// # Directory
//
// Directory maps flag-masked tunnel ids to tunnels. Its lock is built on a
// weighted semaphore so that lookups give up with ErrDirectoryBusy rather
// than stall the receive path.
package tunnel
