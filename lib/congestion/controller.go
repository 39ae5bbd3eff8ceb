package congestion

import (
	"cmp"
	"context"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/go-i2p/go-tunneler/lib/config"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

var log = logger.GetGoI2PLogger()

// rttAlpha weights the previous estimate in the RTT moving average.
const rttAlpha = 0.5

// Controller tracks in-flight packets for one tunnel and paces sends
// through its Policy.
type Controller struct {
	mu       sync.RWMutex
	sender   PacketSender
	policy   Policy
	window   Window
	inFlight map[uint64]*TimestampedPacket
	queue    []*TimestampedPacket
	rtt      time.Duration

	tickInterval      time.Duration
	retransmitTimeout time.Duration
	maxRetransmits    int
	onDrop            DropHandler
	now               func() time.Time

	startOnce sync.Once
	stopOnce  sync.Once
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// NewController creates a controller that transmits through sender.
// onDrop may be nil.
func NewController(sender PacketSender, policy Policy, cfg config.CongestionDefaults, onDrop DropHandler) *Controller {
	window := Window{
		Size:      max(cfg.InitialWindow, 1),
		Max:       max(cfg.MaxWindow, cfg.InitialWindow, 1),
		Threshold: max(cfg.SlowStartThreshold, 1),
	}
	if _, simple := policy.(Simple); simple {
		window = Window{Size: 1, Max: 1, Threshold: 1}
	}
	c := &Controller{
		sender:            sender,
		policy:            policy,
		window:            window,
		inFlight:          make(map[uint64]*TimestampedPacket),
		tickInterval:      cfg.TickInterval,
		retransmitTimeout: cfg.RetransmitTimeout,
		maxRetransmits:    cfg.MaxRetransmissions,
		onDrop:            onDrop,
		now:               time.Now,
		stopChan:          make(chan struct{}),
	}
	log.WithFields(logger.Fields{
		"at":             "NewController",
		"policy":         policy.Name(),
		"initial_window": window.Size,
		"max_window":     window.Max,
	}).Debug("congestion controller created")
	return c
}

// Policy returns the controller's policy.
func (c *Controller) Policy() Policy {
	return c.policy
}

// Start runs the retransmission ticker in the background.
func (c *Controller) Start() {
	if !c.policy.Reliable() || c.tickInterval <= 0 {
		return
	}
	c.startOnce.Do(func() {
		c.wg.Add(1)
		go c.tickLoop()
	})
}

// Stop halts the ticker and waits for it to exit. Safe to call more than once.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
	})
	c.wg.Wait()
}

func (c *Controller) tickLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopChan:
			return
		case now := <-ticker.C:
			c.Tick(now)
		}
	}
}

func (c *Controller) stopped() bool {
	select {
	case <-c.stopChan:
		return true
	default:
		return false
	}
}

// SendPacket transmits data now if the window has room and queues it
// otherwise. seq must be unique among tracked packets; tunnels place the key
// generation in the upper 32 bits. Packets with seq 0 are never tracked.
func (c *Controller) SendPacket(seq uint64, data []byte, dst net.Addr) error {
	if c.stopped() {
		return ErrStopped
	}
	if !c.policy.Reliable() || seq == 0 {
		return c.transmit(data, dst)
	}

	now := c.now()
	tp := &TimestampedPacket{Seq: seq, Data: data, Destination: dst}

	c.mu.Lock()
	if c.effectiveWindowLocked() > 0 {
		tp.InitialTransmission = now
		tp.LastTransmission = now
		c.inFlight[seq] = tp
		c.mu.Unlock()
		// A tracked packet is owned by the retransmission path from here on,
		// so a failed first transmission is a loss, not an error.
		if err := c.transmit(data, dst); err != nil {
			log.WithFields(logger.Fields{
				"at":  "(Controller) SendPacket",
				"seq": seq,
			}).WithError(err).Warn("send failed, packet left for retransmission")
		}
		return nil
	}
	c.queue = append(c.queue, tp)
	queued := len(c.queue)
	c.mu.Unlock()

	log.WithFields(logger.Fields{
		"at":     "(Controller) SendPacket",
		"seq":    seq,
		"queued": queued,
	}).Debug("window full, packet queued")
	return nil
}

// Acked removes seq from the in-flight set and lets the policy grow the
// window. An ack for a seq that is not in flight returns ErrUnknownSequence.
func (c *Controller) Acked(seq uint64) error {
	if !c.policy.Reliable() {
		return nil
	}
	now := c.now()

	c.mu.Lock()
	tp, ok := c.inFlight[seq]
	if !ok {
		c.mu.Unlock()
		return oops.Wrapf(ErrUnknownSequence, "seq %d", seq)
	}
	delete(c.inFlight, seq)
	sample := now.Sub(tp.LastTransmission)
	if c.rtt == 0 {
		c.rtt = sample
	} else {
		c.rtt = time.Duration(rttAlpha*float64(c.rtt) + (1-rttAlpha)*float64(sample))
	}
	c.policy.OnAcked(&c.window, tp)
	c.mu.Unlock()

	packetsAcked.WithLabelValues(c.policy.Name()).Inc()
	rttSeconds.WithLabelValues(c.policy.Name()).Observe(sample.Seconds())
	c.drain(now)
	return nil
}

// Tick drains the queue and retransmits or drops stale in-flight packets.
func (c *Controller) Tick(now time.Time) {
	if !c.policy.Reliable() {
		return
	}
	c.drain(now)

	var resend, dropped []*TimestampedPacket
	c.mu.Lock()
	total := len(c.inFlight)
	for seq, tp := range c.inFlight {
		if now.Sub(tp.LastTransmission) < c.retransmitTimeout {
			continue
		}
		if tp.Retransmissions >= c.maxRetransmits {
			tp.TimedOut = true
			delete(c.inFlight, seq)
			dropped = append(dropped, tp)
			continue
		}
		tp.Retransmissions++
		tp.LastTransmission = now
		resend = append(resend, tp)
	}
	if len(dropped) > 0 {
		c.policy.OnPacketsDropped(&c.window, total, len(dropped))
	}
	c.mu.Unlock()

	bySeq := func(a, b *TimestampedPacket) int { return cmp.Compare(a.Seq, b.Seq) }
	slices.SortFunc(resend, bySeq)
	for _, tp := range resend {
		retransmissions.WithLabelValues(c.policy.Name()).Inc()
		if err := c.transmit(tp.Data, tp.Destination); err != nil {
			log.WithError(err).WithField("seq", tp.Seq).Warn("retransmission failed")
		}
	}

	if len(dropped) > 0 {
		slices.SortFunc(dropped, bySeq)
		packetsDropped.WithLabelValues(c.policy.Name()).Add(float64(len(dropped)))
		log.WithFields(logger.Fields{
			"at":        "(Controller) Tick",
			"dropped":   len(dropped),
			"in_flight": total,
			"window":    c.WindowSize(),
		}).Warn("packets exceeded retransmission ceiling")
		if c.onDrop != nil {
			c.onDrop(dropped)
		}
		c.drain(now)
	}
}

// drain moves queued packets into the window while it has room.
func (c *Controller) drain(now time.Time) {
	var ready []*TimestampedPacket
	c.mu.Lock()
	for len(c.queue) > 0 && c.effectiveWindowLocked() > 0 {
		tp := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]
		tp.InitialTransmission = now
		tp.LastTransmission = now
		c.inFlight[tp.Seq] = tp
		ready = append(ready, tp)
	}
	c.mu.Unlock()

	for _, tp := range ready {
		if err := c.transmit(tp.Data, tp.Destination); err != nil {
			log.WithError(err).WithField("seq", tp.Seq).Warn("queued send failed")
		}
	}
}

func (c *Controller) transmit(data []byte, dst net.Addr) error {
	packetsSent.WithLabelValues(c.policy.Name()).Inc()
	if err := c.sender.Send(data, dst); err != nil {
		return oops.Wrapf(err, "send to %s", dst)
	}
	return nil
}

func (c *Controller) effectiveWindowLocked() int {
	return int(c.window.Size) - len(c.inFlight)
}

const drainPollInterval = 10 * time.Millisecond

// WaitDrained blocks until no tracked packet is in flight or queued, the
// controller stops, or ctx ends.
func (c *Controller) WaitDrained(ctx context.Context) error {
	interval := drainPollInterval
	if c.tickInterval > 0 && c.tickInterval < interval {
		interval = c.tickInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if c.InFlight() == 0 && c.Queued() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopChan:
			return ErrStopped
		case <-ticker.C:
		}
	}
}

// EffectiveWindow is the window size minus the packets in flight.
func (c *Controller) EffectiveWindow() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.effectiveWindowLocked()
}

// WindowSize returns the current congestion window.
func (c *Controller) WindowSize() uint16 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.window.Size
}

// InFlight returns the number of unacknowledged tracked packets.
func (c *Controller) InFlight() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.inFlight)
}

// Queued returns the number of packets waiting for window space.
func (c *Controller) Queued() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.queue)
}

// RTT returns the smoothed round trip estimate, zero before the first ack.
func (c *Controller) RTT() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rtt
}

// SetMaxWindow caps the window at n, shrinking it if needed.
func (c *Controller) SetMaxWindow(n uint16) {
	n = max(n, 1)
	c.mu.Lock()
	c.window.Max = n
	if c.window.Size > n {
		c.window.Size = n
	}
	c.mu.Unlock()
	log.WithFields(logger.Fields{
		"at":         "(Controller) SetMaxWindow",
		"max_window": n,
	}).Debug("congestion window capped")
}
