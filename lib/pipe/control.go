package pipe

import (
	"sync"

	"github.com/go-i2p/go-tunneler/lib/crypto"
	"github.com/go-i2p/go-tunneler/lib/packet"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

// ControlPipe executes tunnel lifecycle RPCs on cid 0.
type ControlPipe struct {
	base
	messageBuffer int

	mu sync.Mutex
	// requestedPipes holds pipes we asked the peer to open.
	requestedPipes map[uint32]Pipe
	// pendingRequests maps request ids awaiting Ok/Refuse to their tag.
	pendingRequests map[uint32]packet.RPCTag
	// pendingCloses maps ClosePipe request ids to the pipe they close.
	pendingCloses  map[uint32]uint32
	rekeyReady     bool
	pendingRekeyID uint32
}

// NewControlPipe creates the control pipe for t. messageBuffer sizes the
// message queue of data pipes the peer opens.
func NewControlPipe(t Tunnel, messageBuffer int) *ControlPipe {
	c := &ControlPipe{
		base:            newBase(t, ControlID, TypeControl),
		messageBuffer:   messageBuffer,
		requestedPipes:  make(map[uint32]Pipe),
		pendingRequests: make(map[uint32]packet.RPCTag),
		pendingCloses:   make(map[uint32]uint32),
	}
	c.state = StateConnected
	return c
}

func (c *ControlPipe) connect() { c.setState(StateConnected) }
func (c *ControlPipe) refuse()  {}

// Close marks the control pipe Disconnected.
func (c *ControlPipe) Close() { c.setState(StateDisconnected) }

// HandlePacket dispatches every RPC of p in order. Payload bytes on the
// control pipe are ignored.
func (c *ControlPipe) HandlePacket(p *packet.Packet) {
	for _, rpc := range p.RPCs {
		c.handleRPC(rpc)
	}
}

func (c *ControlPipe) handleRPC(rpc packet.RPC) {
	log.WithFields(logger.Fields{
		"at":         "(ControlPipe) handleRPC",
		"rpc":        rpc.Tag().String(),
		"request_id": rpc.RequestID(),
	}).Debug("control RPC received")

	switch r := rpc.(type) {
	case *packet.CreateAnonymousPipe:
		c.handleOpen(r)
	case *packet.CreateAuthenticatedPipe:
		c.refusePipe(uint32(r.ID), packet.ReasonUnsupportedPipeType)
	case *packet.ClosePipe:
		c.handleClose(r)
	case *packet.AckPipe:
		c.handleAckPipe(r)
	case *packet.RefusePipe:
		c.handleRefusePipe(r)
	case *packet.Ok:
		c.handleOk(r)
	case *packet.Refuse:
		c.handleRefuse(r)
	case *packet.NextTID:
		c.tunnel.SetNextTID(r.TID)
		c.reply(packet.NewOk(r.RequestID()))
	case *packet.RekeyNow:
		c.handleRekeyNow(r)
	case *packet.PrepareRekey:
		c.handlePrepareRekey(r)
	case *packet.RekeyResponse:
		c.handleRekeyResponse(r)
	case *packet.WindowResize:
		c.tunnel.SetMaxWindow(r.Window)
		c.reply(packet.NewOk(r.RequestID()))
	case *packet.RequestCertificate, *packet.PosePuzzle, *packet.ProvidePuzzleSolution:
		c.reply(packet.NewRefuse(rpc.RequestID()))
	case *packet.GiveCertificate:
		log.WithField("request_id", r.RequestID()).Debug("ignoring unsolicited certificate")
	default:
		log.WithField("rpc", rpc.Tag().String()).Warn("unhandled control RPC")
	}
}

func (c *ControlPipe) reply(rpc packet.RPC) {
	if err := c.tunnel.SendControl(rpc); err != nil {
		log.WithError(err).WithField("rpc", rpc.Tag().String()).Warn("failed to send control reply")
	}
}

// send transmits rpc and records it for Ok/Refuse correlation.
func (c *ControlPipe) send(rpc packet.RPC) error {
	c.mu.Lock()
	c.pendingRequests[rpc.RequestID()] = rpc.Tag()
	c.mu.Unlock()
	if err := c.tunnel.SendControl(rpc); err != nil {
		c.mu.Lock()
		delete(c.pendingRequests, rpc.RequestID())
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *ControlPipe) refusePipe(id uint32, reason packet.RefusalReason) {
	log.WithFields(logger.Fields{
		"at":      "(ControlPipe) refusePipe",
		"pipe_id": id,
		"reason":  reason.String(),
	}).Debug("refusing pipe")
	c.reply(packet.NewRefusePipe(id, reason))
}

func (c *ControlPipe) idInUse(id uint32) bool {
	if c.tunnel.HasPipe(id) {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, requested := c.requestedPipes[id]
	return requested
}

func (c *ControlPipe) handleOpen(r *packet.CreateAnonymousPipe) {
	if r.ID == ControlID {
		c.refusePipe(r.ID, packet.ReasonCannotOpenAnotherControl)
		return
	}
	if c.idInUse(r.ID) {
		c.refusePipe(r.ID, packet.ReasonIDAlreadyExists)
		return
	}
	typ, ok := ParseType(r.PipeType)
	if !ok {
		c.refusePipe(r.ID, packet.ReasonUnknown)
		return
	}
	if typ == TypeControl {
		c.refusePipe(r.ID, packet.ReasonUnsupportedPipeType)
		return
	}
	p, err := newDataPipe(c.tunnel, typ, r.ID, c.messageBuffer)
	if err != nil {
		c.refusePipe(r.ID, packet.ReasonUnsupportedPipeType)
		return
	}
	if err := c.tunnel.AddPipe(p); err != nil {
		c.refusePipe(r.ID, packet.ReasonIDAlreadyExists)
		return
	}
	c.reply(packet.NewAckPipe(r.ID))
	p.connect()
	c.tunnel.Emit(Event{Kind: EventNewPipe, PipeID: r.ID, Pipe: p})
}

// OpenPipe asks the peer to open a pipe of typ. A zero id picks a random
// unused id. The returned pipe is AwaitingAck until the peer answers.
func (c *ControlPipe) OpenPipe(typ Type, id uint32) (Pipe, error) {
	if typ == TypeControl {
		return nil, oops.Wrapf(ErrUnsupportedPipeType, "control pipe cannot be requested")
	}
	if id == 0 {
		for id == 0 || c.idInUse(id) {
			id = packet.RandomUint32()
		}
	} else if c.idInUse(id) {
		return nil, oops.Wrapf(ErrPipeExists, "pipe %d", id)
	}
	p, err := newDataPipe(c.tunnel, typ, id, c.messageBuffer)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.requestedPipes[id] = p
	c.mu.Unlock()

	if err := c.tunnel.SendControl(packet.NewCreateAnonymousPipe(typ.String(), id)); err != nil {
		c.mu.Lock()
		delete(c.requestedPipes, id)
		c.mu.Unlock()
		return nil, err
	}
	log.WithFields(logger.Fields{
		"at":        "(ControlPipe) OpenPipe",
		"pipe_id":   id,
		"pipe_type": typ.String(),
	}).Debug("pipe requested")
	return p, nil
}

func (c *ControlPipe) takeRequested(id uint32) (Pipe, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.requestedPipes[id]
	if ok {
		delete(c.requestedPipes, id)
	}
	return p, ok
}

func (c *ControlPipe) handleAckPipe(r *packet.AckPipe) {
	p, ok := c.takeRequested(r.ID)
	if !ok {
		log.WithField("pipe_id", r.ID).Debug("AckPipe for a pipe we did not request")
		return
	}
	if err := c.tunnel.AddPipe(p); err != nil {
		log.WithError(err).WithField("pipe_id", r.ID).Warn("could not register acknowledged pipe")
		p.refuse()
		return
	}
	p.connect()
	c.tunnel.Emit(Event{Kind: EventNewPipe, PipeID: r.ID, Pipe: p})
}

func (c *ControlPipe) handleRefusePipe(r *packet.RefusePipe) {
	p, ok := c.takeRequested(r.ID)
	if !ok {
		return
	}
	p.refuse()
	log.WithFields(logger.Fields{
		"at":      "(ControlPipe) handleRefusePipe",
		"pipe_id": r.ID,
		"reason":  r.Reason.String(),
	}).Info("peer refused pipe")
	c.tunnel.Emit(Event{Kind: EventPipeRefused, PipeID: r.ID, Pipe: p, Reason: r.Reason})
}

// ClosePipe tells the peer to close id. Without waitForAck the pipe is
// removed at once; otherwise it is removed when the peer's Ok arrives.
func (c *ControlPipe) ClosePipe(id uint32, waitForAck bool) error {
	rpc := packet.NewClosePipe(id)
	if waitForAck {
		c.mu.Lock()
		c.pendingCloses[rpc.RequestID()] = id
		c.mu.Unlock()
	}
	err := c.send(rpc)
	if !waitForAck {
		c.removePipe(id)
	}
	if err != nil {
		c.mu.Lock()
		delete(c.pendingCloses, rpc.RequestID())
		c.mu.Unlock()
		return oops.Wrapf(err, "close pipe %d", id)
	}
	return nil
}

// removePipe drops id locally. Unknown ids are ignored.
func (c *ControlPipe) removePipe(id uint32) {
	if p, ok := c.tunnel.RemovePipe(id); ok {
		p.Close()
		c.tunnel.Emit(Event{Kind: EventPipeClosed, PipeID: id, Pipe: p})
		return
	}
	if p, ok := c.takeRequested(id); ok {
		p.Close()
	}
}

func (c *ControlPipe) handleClose(r *packet.ClosePipe) {
	c.removePipe(r.ID)
	c.reply(packet.NewOk(r.RequestID()))
}

// takePending removes and returns the bookkeeping for request id.
func (c *ControlPipe) takePending(id uint32) (tag packet.RPCTag, known bool, closeID uint32, closing bool, rekey bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tag, known = c.pendingRequests[id]
	delete(c.pendingRequests, id)
	closeID, closing = c.pendingCloses[id]
	delete(c.pendingCloses, id)
	if c.pendingRekeyID != 0 && c.pendingRekeyID == id {
		rekey = true
		c.pendingRekeyID = 0
	}
	return
}

func (c *ControlPipe) handleOk(r *packet.Ok) {
	tag, known, closeID, closing, rekey := c.takePending(r.RPCID)
	if !known {
		log.WithField("request_id", r.RPCID).Debug("Ok for unknown request")
		return
	}
	if closing {
		c.removePipe(closeID)
	}
	if rekey {
		c.tunnel.Emit(Event{Kind: EventRekeyed, RequestID: r.RPCID})
	}
	log.WithFields(logger.Fields{
		"at":         "(ControlPipe) handleOk",
		"request_id": r.RPCID,
		"rpc":        tag.String(),
	}).Debug("request acknowledged")
	c.tunnel.Emit(Event{Kind: EventRPCAcknowledged, RequestID: r.RPCID})
}

func (c *ControlPipe) handleRefuse(r *packet.Refuse) {
	tag, known, _, _, rekey := c.takePending(r.RPCID)
	if !known {
		log.WithField("request_id", r.RPCID).Debug("Refuse for unknown request")
		return
	}
	if rekey {
		if err := c.tunnel.RollbackRekey(); err != nil {
			log.WithError(err).Error("failed to roll back refused rekey")
		}
	}
	log.WithFields(logger.Fields{
		"at":         "(ControlPipe) handleRefuse",
		"request_id": r.RPCID,
		"rpc":        tag.String(),
	}).Info("request refused by peer")
	c.tunnel.Emit(Event{Kind: EventRPCRefused, RequestID: r.RPCID})
}

// BeginRekey prepares a new local key pair and offers it to the peer.
func (c *ControlPipe) BeginRekey() error {
	prep, err := c.tunnel.PrepareRekey()
	if err != nil {
		return err
	}
	return c.send(prep)
}

func (c *ControlPipe) handlePrepareRekey(r *packet.PrepareRekey) {
	next, err := crypto.PublicKeyFromBytes(r.NextPublicKey)
	if err != nil {
		log.WithError(err).Warn("PrepareRekey with malformed key")
		c.reply(packet.NewRefuse(r.RequestID()))
		return
	}
	c.tunnel.SetNextRecipientPublicKey(next)
	prep, err := c.tunnel.PrepareRekey()
	if err != nil {
		log.WithError(err).Error("failed to prepare rekey")
		c.reply(packet.NewRefuse(r.RequestID()))
		return
	}
	c.mu.Lock()
	c.rekeyReady = true
	c.mu.Unlock()
	c.reply(packet.NewRekeyResponse(prep.NextPublicKey))
}

func (c *ControlPipe) handleRekeyResponse(r *packet.RekeyResponse) {
	next, err := crypto.PublicKeyFromBytes(r.NextPublicKey)
	if err != nil {
		log.WithError(err).Warn("RekeyResponse with malformed key")
		return
	}
	c.tunnel.SetNextRecipientPublicKey(next)

	now := packet.NewRekeyNow()
	c.mu.Lock()
	// The response answers our PrepareRekey in place of an Ok.
	for id, tag := range c.pendingRequests {
		if tag == packet.TagPrepareRekey {
			delete(c.pendingRequests, id)
		}
	}
	c.pendingRekeyID = now.RequestID()
	c.mu.Unlock()
	if err := c.send(now); err != nil {
		log.WithError(err).Warn("failed to send RekeyNow")
		return
	}
	if err := c.tunnel.RekeyNow(); err != nil {
		log.WithError(err).Error("local rekey failed")
	}
}

func (c *ControlPipe) handleRekeyNow(r *packet.RekeyNow) {
	c.mu.Lock()
	ready := c.rekeyReady
	c.rekeyReady = false
	c.mu.Unlock()
	if !ready {
		log.WithField("request_id", r.RequestID()).Info("RekeyNow before PrepareRekey, refusing")
		c.reply(packet.NewRefuse(r.RequestID()))
		return
	}
	if err := c.tunnel.RekeyNow(); err != nil {
		log.WithError(err).Error("rekey failed")
		c.reply(packet.NewRefuse(r.RequestID()))
		return
	}
	c.reply(packet.NewOk(r.RequestID()))
	c.tunnel.Emit(Event{Kind: EventRekeyed, RequestID: r.RequestID()})
}

// RequestNextTID announces the identifier the peer should expect next.
func (c *ControlPipe) RequestNextTID(tid packet.TunnelID) error {
	return c.send(packet.NewNextTID(tid))
}

// ResizeWindow advertises the largest congestion window the peer may use.
func (c *ControlPipe) ResizeWindow(window uint16) error {
	return c.send(packet.NewWindowResize(window))
}

// CloseTunnel closes every active pipe and abandons outstanding requests.
func (c *ControlPipe) CloseTunnel() {
	c.mu.Lock()
	requested := c.requestedPipes
	c.requestedPipes = make(map[uint32]Pipe)
	c.pendingRequests = make(map[uint32]packet.RPCTag)
	c.pendingCloses = make(map[uint32]uint32)
	c.pendingRekeyID = 0
	c.mu.Unlock()

	for id, p := range requested {
		c.reply(packet.NewClosePipe(id))
		p.Close()
	}
	for _, id := range c.tunnel.PipeIDs() {
		if err := c.ClosePipe(id, false); err != nil {
			log.WithError(err).WithField("pipe_id", id).Debug("close during tunnel shutdown failed")
		}
	}
	c.Close()
}

var _ Pipe = (*ControlPipe)(nil)
