package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"time"

	"github.com/go-i2p/go-tunneler/lib/config"
	"github.com/go-i2p/go-tunneler/lib/pipe"
	"github.com/go-i2p/go-tunneler/lib/transport"
	"github.com/go-i2p/go-tunneler/lib/util/signals"
	"github.com/spf13/cobra"
)

var (
	localAddress string
	secure       bool
	linger       time.Duration
	peerWindow   uint16
)

func init() {
	ConnectCmd.Flags().StringVar(&localAddress, "local", "127.0.0.1:0", "local UDP address to send from")
	ConnectCmd.Flags().BoolVar(&secure, "secure", false, "open a SecureDuplex pipe instead of a Duplex pipe")
	ConnectCmd.Flags().DurationVar(&linger, "linger", time.Second, "how long to wait for replies after input ends")
	ConnectCmd.Flags().Uint16Var(&peerWindow, "peer-window", 0, "ask the peer to cap its congestion window (0 leaves it alone)")
}

// ConnectCmd opens a tunnel and a pipe to a listening peer, sends every
// line of standard input as one message and prints what comes back.
var ConnectCmd = &cobra.Command{
	Use:   "connect <host:port>",
	Short: "send standard input over a tunnel pipe",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.NewConfigFromViper()
		if err != nil {
			return err
		}

		ctx, stop := signals.WithShutdown(cmd.Context())
		defer stop()
		go signals.Handle()
		defer signals.StopHandle()

		sock, err := transport.Listen(ctx, localAddress, cfg)
		if err != nil {
			return err
		}
		defer sock.Close()

		out := cmd.OutOrStdout()
		tun, err := sock.Dial(ctx, args[0])
		if err != nil {
			return err
		}
		defer tun.Close()
		status(out, "tunnel %s to %s", tun.ID(), tun.RemoteAddr())
		if peerWindow > 0 {
			if err := tun.LimitPeerWindow(peerWindow); err != nil {
				return err
			}
		}

		typ := pipe.TypeDuplex
		if secure {
			typ = pipe.TypeSecureDuplex
		}
		requested, err := tun.OpenPipe(typ)
		if err != nil {
			return err
		}
		mp, err := awaitPipe(ctx, tun, requested.ID(), func(pipe.Event) {})
		if err != nil {
			return err
		}
		status(out, "pipe %d (%s) open", mp.ID(), typ)

		go printReplies(ctx, out, mp)
		if err := sendLines(os.Stdin, mp); err != nil {
			failure(out, "send: %v", err)
		}

		select {
		case <-time.After(linger):
		case <-ctx.Done():
		}
		return nil
	},
}

func sendLines(in io.Reader, mp messagePipe) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 4096), pipe.MaxMessageSize)
	for scanner.Scan() {
		if err := mp.Send(bytes.Clone(scanner.Bytes())); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func printReplies(ctx context.Context, out io.Writer, mp messagePipe) {
	for {
		msg, err := mp.ReadMessage(ctx)
		if err != nil {
			if !errors.Is(err, pipe.ErrPipeClosed) && ctx.Err() == nil {
				failure(out, "read: %v", err)
			}
			return
		}
		message(out, "<", msg)
	}
}
