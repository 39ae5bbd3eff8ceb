package transport

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/go-i2p/go-tunneler/lib/config"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

// Runtime keeps one Socket per listen address.
type Runtime struct {
	cfg config.ConfigDefaults

	mu      sync.Mutex
	sockets map[string]*Socket
	closed  bool
}

func NewRuntime(cfg config.ConfigDefaults) *Runtime {
	return &Runtime{
		cfg:     cfg,
		sockets: make(map[string]*Socket),
	}
}

// GetOrListen returns the socket bound to addr, listening on it first if
// needed. addr is matched as given, so ":0" always binds a new port and
// is recorded under the resolved address.
func (r *Runtime) GetOrListen(ctx context.Context, addr string) (*Socket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRuntimeClosed
	}
	if s, ok := r.sockets[addr]; ok {
		return s, nil
	}
	s, err := Listen(ctx, addr, r.cfg)
	if err != nil {
		return nil, err
	}
	key := addr
	if isEphemeral(addr) {
		key = s.LocalAddr().String()
	}
	r.sockets[key] = s
	log.WithFields(logger.Fields{
		"at":      "(Runtime) GetOrListen",
		"address": key,
		"sockets": len(r.sockets),
	}).Debug("socket added to runtime")
	return s, nil
}

func isEphemeral(addr string) bool {
	return addr == "" || strings.HasSuffix(addr, ":0")
}

// Sockets returns a snapshot of the sockets owned by the runtime.
func (r *Runtime) Sockets() []*Socket {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Socket, 0, len(r.sockets))
	for _, s := range r.sockets {
		out = append(out, s)
	}
	return out
}

// Close closes every socket. Further GetOrListen calls fail.
func (r *Runtime) Close() error {
	r.mu.Lock()
	sockets := r.sockets
	r.sockets = make(map[string]*Socket)
	r.closed = true
	r.mu.Unlock()

	var errs []error
	for addr, s := range sockets {
		if err := s.Close(); err != nil {
			errs = append(errs, oops.Wrapf(err, "close socket %s", addr))
		}
	}
	return errors.Join(errs...)
}
