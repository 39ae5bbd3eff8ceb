// Package transport binds tunnels to UDP sockets.
//
// # Overview
//
// A Socket owns one net.PacketConn. A receive goroutine reads datagrams
// and a bounded pool of workers decodes them and dispatches each one to
// the tunnel registered under its id. A hello for an unknown id creates a
// responder tunnel that is handed out by Accept.
//
// # Abuse Protection
//
//   - SenderLimiter rate limits hellos per sender address and bans senders
//     that produce too many undecodable or unauthenticated datagrams
//   - ReplayCache ignores a hello whose ephemeral key was already seen
//     within the replay window
//
// # Runtime
//
// Runtime keeps one Socket per local address so that several dialers can
// share a port. It is created and closed explicitly.
//
// # Usage Example
//
//	sock, err := transport.Listen(ctx, ":41000", config.Defaults())
//	if err != nil {
//	    return err
//	}
//	defer sock.Close()
//
//	t, err := sock.Dial(ctx, "198.51.100.7:41000")
//	if err != nil {
//	    return err
//	}
//	p, err := t.OpenPipe(pipe.TypeDuplex)
package transport
