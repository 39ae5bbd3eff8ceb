package main

import (
	"context"

	"github.com/go-i2p/go-tunneler/lib/pipe"
	"github.com/go-i2p/go-tunneler/lib/tunnel"
	"github.com/samber/oops"
)

// messagePipe is implemented by both duplex pipe flavors.
type messagePipe interface {
	ID() uint32
	Send(data []byte) error
	ReadMessage(ctx context.Context) ([]byte, error)
}

// awaitPipe waits until the pipe with id is accepted or refused by the
// peer. Other events are passed to onOther.
func awaitPipe(ctx context.Context, tun *tunnel.Tunnel, id uint32, onOther func(pipe.Event)) (messagePipe, error) {
	for {
		select {
		case ev, ok := <-tun.Events():
			if !ok {
				return nil, tunnel.ErrTunnelClosed
			}
			switch {
			case ev.Kind == pipe.EventNewPipe && ev.PipeID == id:
				mp, ok := ev.Pipe.(messagePipe)
				if !ok {
					return nil, oops.Errorf("pipe %d carries no messages", id)
				}
				return mp, nil
			case ev.Kind == pipe.EventPipeRefused && ev.PipeID == id:
				return nil, oops.Errorf("peer refused pipe %d: %s", id, ev.Reason)
			default:
				onOther(ev)
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
