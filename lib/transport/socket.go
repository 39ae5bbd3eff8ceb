package transport

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/go-i2p/go-tunneler/lib/config"
	"github.com/go-i2p/go-tunneler/lib/packet"
	"github.com/go-i2p/go-tunneler/lib/tunnel"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var log = logger.GetGoI2PLogger()

// removeAttempts bounds how often forget retries a busy directory.
const removeAttempts = 3

type inbound struct {
	data []byte
	from net.Addr
}

// Socket multiplexes tunnels over one datagram connection.
type Socket struct {
	cfg       config.ConfigDefaults
	tunnelCfg tunnel.Config
	conn      net.PacketConn

	directory *tunnel.Directory
	limiter   *SenderLimiter // nil when disabled
	replay    *ReplayCache

	accept    chan *tunnel.Tunnel
	datagrams chan inbound

	// Lifecycle management
	ctx       context.Context
	cancel    context.CancelFunc
	group     *errgroup.Group
	stopWatch func() bool
	closeOnce sync.Once
	closeErr  error

	// Logging
	logger *logrus.Entry
}

// Listen binds a UDP socket on addr and starts serving it. Cancelling ctx
// stops the receive loop; Close must still be called.
func Listen(ctx context.Context, addr string, cfg config.ConfigDefaults) (*Socket, error) {
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return nil, oops.Wrapf(err, "listen on %s", addr)
	}
	return NewSocket(ctx, conn, cfg), nil
}

// NewSocket serves tunnels over an existing connection. The socket owns
// conn from now on.
func NewSocket(ctx context.Context, conn net.PacketConn, cfg config.ConfigDefaults) *Socket {
	ctx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(ctx)

	s := &Socket{
		cfg:       cfg,
		tunnelCfg: tunnel.ConfigFrom(cfg),
		conn:      conn,
		directory: tunnel.NewDirectory(cfg.Directory),
		replay:    NewReplayCache(cfg.Socket.HelloReplayWindow),
		accept:    make(chan *tunnel.Tunnel, max(cfg.Socket.AcceptQueueSize, 1)),
		datagrams: make(chan inbound, max(cfg.Socket.Workers, 1)*4),
		ctx:       ctx,
		cancel:    cancel,
		group:     group,
		logger:    logrus.WithFields(logrus.Fields{"component": "socket", "local": conn.LocalAddr().String()}),
	}
	if cfg.Limiter.Enabled {
		s.limiter = NewSenderLimiter(cfg.Limiter)
	}
	// A blocked ReadFrom only returns once the connection is closed.
	s.stopWatch = context.AfterFunc(ctx, func() { _ = conn.Close() })

	group.Go(func() error { return s.readLoop(gctx) })
	for range max(cfg.Socket.Workers, 1) {
		group.Go(s.worker)
	}

	s.logger.WithFields(logrus.Fields{
		"workers": max(cfg.Socket.Workers, 1),
		"limiter": cfg.Limiter.Enabled,
	}).Info("socket serving")
	return s
}

func (s *Socket) readLoop(ctx context.Context) error {
	defer close(s.datagrams)

	size := max(s.cfg.Socket.ReadBufferSize, s.cfg.Tunnel.DatagramSize, packet.MinHeaderSize)
	for {
		buf := make([]byte, size)
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.WithError(err).Warn("read failed")
			continue
		}
		datagramsReceived.Inc()

		select {
		case s.datagrams <- inbound{data: buf[:n], from: from}:
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Socket) worker() error {
	for in := range s.datagrams {
		s.handleDatagram(in)
	}
	return nil
}

func (s *Socket) handleDatagram(in inbound) {
	if s.limiter != nil && s.limiter.IsBanned(in.from) {
		limited.WithLabelValues(reasonBanned).Inc()
		return
	}

	d, err := packet.Decode(in.data)
	if err != nil {
		decodeErrors.Inc()
		s.recordFailure(in.from)
		log.WithFields(logger.Fields{
			"at":     "(Socket) handleDatagram",
			"reason": "undecodable",
			"from":   in.from.String(),
		}).WithError(err).Debug("dropping datagram")
		return
	}

	t, err := s.directory.Get(d.TID)
	switch {
	case err == nil:
		s.deliver(t, d, in.from)
	case errors.Is(err, tunnel.ErrTunnelUnknown):
		s.handleHello(d, in.from)
	default:
		log.WithFields(logger.Fields{
			"at":        "(Socket) handleDatagram",
			"reason":    "directory_busy",
			"tunnel_id": d.TID.String(),
		}).Debug("dropping datagram")
	}
}

func (s *Socket) deliver(t *tunnel.Tunnel, d *packet.Datagram, from net.Addr) {
	if d.Kind() == packet.KindHello {
		// The tunnel already exists; its hello response is retransmitted
		// by congestion control.
		return
	}
	err := t.HandlePacket(d)
	switch {
	case err == nil:
	case errors.Is(err, tunnel.ErrDecryptFailed):
		decryptFailures.Inc()
		s.recordFailure(from)
		log.WithFields(logger.Fields{
			"at":        "(Socket) deliver",
			"reason":    "decrypt_failed",
			"tunnel_id": d.TID.String(),
			"from":      from.String(),
		}).Warn("dropping unauthenticated datagram")
	default:
		log.WithFields(logger.Fields{
			"at":        "(Socket) deliver",
			"tunnel_id": d.TID.String(),
		}).WithError(err).Debug("tunnel rejected datagram")
	}
}

// handleHello creates a responder tunnel for a hello addressed to an
// unknown id.
func (s *Socket) handleHello(d *packet.Datagram, from net.Addr) {
	if s.ctx.Err() != nil {
		return
	}
	if d.Kind() != packet.KindHello {
		log.WithFields(logger.Fields{
			"at":        "(Socket) handleHello",
			"reason":    "unknown_tunnel",
			"tunnel_id": d.TID.String(),
			"from":      from.String(),
		}).Debug("dropping datagram")
		return
	}
	if s.limiter != nil {
		if ok, reason := s.limiter.AllowHello(from); !ok {
			limited.WithLabelValues(reason).Inc()
			hellos.WithLabelValues("limited").Inc()
			return
		}
	}
	if s.replay.CheckAndAdd(*d.EphemeralKey) {
		hellos.WithLabelValues("replayed").Inc()
		log.WithFields(logger.Fields{
			"at":        "(Socket) handleHello",
			"reason":    "replayed_hello",
			"tunnel_id": d.TID.String(),
			"from":      from.String(),
		}).Warn("ignoring hello with a recently seen key")
		return
	}

	t, err := tunnel.NewResponder(s, s.tunnelCfg, s.tunnelLogger(d.TID, from))
	if err != nil {
		hellos.WithLabelValues("failed").Inc()
		s.logger.WithError(err).Error("cannot create responder tunnel")
		return
	}
	if err := s.register(d.TID, t); err != nil {
		hellos.WithLabelValues("failed").Inc()
		s.logger.WithError(err).Debug("cannot register responder tunnel")
		return
	}
	if err := t.HandleHello(d, from); err != nil {
		hellos.WithLabelValues("failed").Inc()
		s.logger.WithError(err).Warn("hello handling failed")
		_ = t.Close()
		return
	}

	select {
	case s.accept <- t:
		hellos.WithLabelValues("accepted").Inc()
	default:
		hellos.WithLabelValues("queue_full").Inc()
		s.logger.WithField("tunnel_id", d.TID.String()).Warn("accept queue full, closing inbound tunnel")
		_ = t.Close()
	}
}

// register inserts t under tid and removes it again when t closes. On
// failure t is closed.
func (s *Socket) register(tid packet.TunnelID, t *tunnel.Tunnel) error {
	if err := s.directory.Insert(tid, t); err != nil {
		_ = t.Close()
		return err
	}
	t.SetCloseHandler(func(*tunnel.Tunnel) { s.forget(tid) })
	return nil
}

func (s *Socket) forget(tid packet.TunnelID) {
	var err error
	for range removeAttempts {
		if _, err = s.directory.Remove(tid); !errors.Is(err, tunnel.ErrDirectoryBusy) {
			break
		}
	}
	if err != nil {
		log.WithFields(logger.Fields{
			"at":        "(Socket) forget",
			"tunnel_id": tid.String(),
		}).WithError(err).Error("closed tunnel left in directory")
	}
}

func (s *Socket) recordFailure(from net.Addr) {
	if s.limiter != nil && s.limiter.RecordFailure(from) {
		limited.WithLabelValues(reasonAutoBanned).Inc()
	}
}

func (s *Socket) tunnelLogger(tid packet.TunnelID, remote net.Addr) *logrus.Entry {
	return s.logger.WithFields(logrus.Fields{
		"component": "tunnel",
		"tid":       tid.String(),
		"remote":    remote.String(),
	})
}

// Send writes one datagram to dst. It implements congestion.PacketSender
// for every tunnel of the socket.
func (s *Socket) Send(data []byte, dst net.Addr) error {
	if s.ctx.Err() != nil {
		return ErrSocketClosed
	}
	if _, err := s.conn.WriteTo(data, dst); err != nil {
		return oops.Wrapf(err, "write %d bytes to %s", len(data), dst)
	}
	datagramsSent.Inc()
	return nil
}

// Dial resolves remote and opens a tunnel to it. It returns once the
// handshake completes, ctx is done or Tunnel.HandshakeTimeout passes.
func (s *Socket) Dial(ctx context.Context, remote string) (*tunnel.Tunnel, error) {
	addr, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		return nil, oops.Wrapf(err, "resolve %s", remote)
	}
	return s.DialAddr(ctx, addr)
}

// DialAddr is Dial for an already resolved address.
func (s *Socket) DialAddr(ctx context.Context, remote net.Addr) (*tunnel.Tunnel, error) {
	if s.ctx.Err() != nil {
		return nil, ErrSocketClosed
	}
	t, err := tunnel.NewInitiator(s, s.tunnelCfg, s.logger.WithFields(logrus.Fields{
		"component": "tunnel",
		"remote":    remote.String(),
	}))
	if err != nil {
		return nil, err
	}
	tid := t.ID()
	if err := s.register(tid, t); err != nil {
		return nil, err
	}
	if err := t.CommunicateWith(remote); err != nil {
		_ = t.Close()
		return nil, err
	}

	if timeout := s.cfg.Tunnel.HandshakeTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := t.WaitConnected(ctx); err != nil {
		_ = t.Close()
		return nil, oops.Wrapf(err, "handshake with %s", remote)
	}
	s.logger.WithFields(logrus.Fields{
		"tunnel_id": tid.String(),
		"remote":    remote.String(),
	}).Info("tunnel established")
	return t, nil
}

// Accept returns the next inbound tunnel that completed its hello.
func (s *Socket) Accept(ctx context.Context) (*tunnel.Tunnel, error) {
	select {
	case t := <-s.accept:
		return t, nil
	case <-s.ctx.Done():
		return nil, ErrSocketClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Socket) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Tunnels returns a snapshot of the tunnels served by the socket.
func (s *Socket) Tunnels() ([]*tunnel.Tunnel, error) {
	return s.directory.Tunnels()
}

// LimiterStats reports the sender limiter counters. ok is false when the
// limiter is disabled.
func (s *Socket) LimiterStats() (stats SenderLimiterStats, ok bool) {
	if s.limiter == nil {
		return stats, false
	}
	return s.limiter.Stats(), true
}

func (s *Socket) closeTunnels() {
	tunnels, err := s.directory.Tunnels()
	if err != nil {
		s.logger.WithError(err).Warn("cannot list tunnels on close")
	}
	// Each Close may linger for acknowledgements, so they run together.
	var wg sync.WaitGroup
	for _, t := range tunnels {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = t.Close()
		}()
	}
	wg.Wait()
}

// Close closes every tunnel, then the connection, and waits for the
// receive loop and workers to exit. It is safe to call more than once.
func (s *Socket) Close() error {
	s.closeOnce.Do(func() {
		s.closeTunnels()
		s.stopWatch()
		s.cancel()
		closeErr := s.conn.Close()
		if errors.Is(closeErr, net.ErrClosed) {
			closeErr = nil
		}
		waitErr := s.group.Wait()
		// Workers may have accepted hellos after the first pass.
		s.closeTunnels()

		if s.limiter != nil {
			s.limiter.Stop()
		}
		s.replay.Close()
		s.closeErr = errors.Join(closeErr, waitErr)
		s.logger.Info("socket closed")
	})
	return s.closeErr
}
