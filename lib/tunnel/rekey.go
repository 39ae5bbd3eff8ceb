package tunnel

import (
	"sync/atomic"

	"github.com/go-i2p/go-tunneler/lib/crypto"
	"github.com/go-i2p/go-tunneler/lib/packet"
	"github.com/sirupsen/logrus"
)

// epoch is one generation of tunnel keys together with the receive state
// of packets sealed under it.
type epoch struct {
	gen    uint32
	local  crypto.KeyPair
	peer   crypto.PublicKey
	shared crypto.SharedKey
	recv   *reorderWindow
}

func newEpoch(gen uint32, local crypto.KeyPair, peer crypto.PublicKey, reorderLimit int) *epoch {
	return &epoch{
		gen:    gen,
		local:  local,
		peer:   peer,
		shared: crypto.Precompute(peer, local.Private),
		recv:   newReorderWindow(reorderLimit),
	}
}

// trackingID identifies seq of this epoch in the congestion controller.
func (e *epoch) trackingID(seq uint32) uint64 {
	if seq == 0 {
		return 0
	}
	return uint64(e.gen)<<32 | uint64(seq)
}

// rekeyState holds the key material of an in-flight rekey and what is
// needed to undo the last switch.
type rekeyState struct {
	nextLocal *crypto.KeyPair
	nextPeer  *crypto.PublicKey

	// undo is the epoch pair and sequence counter replaced by the last
	// RekeyNow.
	undo *rekeyUndo

	// rekeyCount is the total number of completed switches
	rekeyCount uint64 // atomic
}

type rekeyUndo struct {
	current   *epoch
	previous  *epoch
	seq       uint32
	exhausted bool
	nonce     crypto.Nonce
	nonceLow  bool
}

// RekeyCount returns the number of key switches performed on this tunnel.
func (t *Tunnel) RekeyCount() uint64 {
	return atomic.LoadUint64(&t.rekey.rekeyCount)
}

// PrepareRekey creates the local key pair of the next epoch, if not already
// prepared, and returns the RPC that announces it.
func (t *Tunnel) PrepareRekey() (*packet.PrepareRekey, error) {
	t.keyMu.Lock()
	defer t.keyMu.Unlock()
	if t.current == nil {
		return nil, ErrInvalidState
	}
	if t.rekey.nextLocal == nil {
		keys, err := crypto.GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		t.rekey.nextLocal = &keys
	}
	t.buildNextLocked()
	pub := t.rekey.nextLocal.Public
	return packet.NewPrepareRekey(pub[:]), nil
}

// SetNextRecipientPublicKey records the peer's key for the next epoch.
func (t *Tunnel) SetNextRecipientPublicKey(k crypto.PublicKey) {
	t.keyMu.Lock()
	defer t.keyMu.Unlock()
	t.rekey.nextPeer = &k
	t.buildNextLocked()
}

// buildNextLocked derives the next epoch once both halves are known so that
// packets the peer seals after its own switch can be opened early.
func (t *Tunnel) buildNextLocked() {
	if t.rekey.nextLocal == nil || t.rekey.nextPeer == nil || t.current == nil {
		return
	}
	if t.next != nil && t.next.local == *t.rekey.nextLocal && t.next.peer == *t.rekey.nextPeer {
		return
	}
	t.next = newEpoch(t.current.gen+1, *t.rekey.nextLocal, *t.rekey.nextPeer, t.cfg.Tunnel.ReorderLimit)
}

// RekeyNow switches to the prepared epoch. The old current epoch stays
// available for decryption as the previous epoch, and the sequence counter
// starts over.
func (t *Tunnel) RekeyNow() error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	t.keyMu.Lock()
	defer t.keyMu.Unlock()

	if t.next == nil {
		return ErrNoPendingRekey
	}
	t.rekey.undo = &rekeyUndo{
		current:   t.current,
		previous:  t.previous,
		seq:       t.seq,
		exhausted: t.exhausted,
		nonce:     t.nonce,
		nonceLow:  t.nonceLow,
	}
	t.previous = t.current
	t.current = t.next
	t.next = nil
	t.rekey.nextLocal = nil
	t.rekey.nextPeer = nil
	t.seq = 0
	t.exhausted = false
	if t.nonceLow {
		// Fresh key, so the counter may start over. Keeping the low bit
		// keeps this side's nonces disjoint from the peer's.
		t.nonce = crypto.Nonce{0: t.nonce[0] & 1}
		t.nonceLow = false
	}
	atomic.AddUint64(&t.rekey.rekeyCount, 1)

	t.logger.WithFields(logrus.Fields{
		"at":  "(Tunnel) RekeyNow",
		"gen": t.current.gen,
	}).Info("switched to new key epoch")
	return nil
}

// RollbackRekey restores the epochs replaced by the last RekeyNow.
func (t *Tunnel) RollbackRekey() error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	t.keyMu.Lock()
	defer t.keyMu.Unlock()

	undo := t.rekey.undo
	if undo == nil {
		return ErrNoPendingRekey
	}
	t.rekey.undo = nil
	t.current = undo.current
	t.previous = undo.previous
	t.next = nil
	t.seq = undo.seq
	t.exhausted = undo.exhausted
	t.nonce = undo.nonce
	t.nonceLow = undo.nonceLow
	atomic.AddUint64(&t.rekey.rekeyCount, ^uint64(0))

	t.logger.WithFields(logrus.Fields{
		"at":  "(Tunnel) RollbackRekey",
		"gen": t.current.gen,
	}).Warn("peer refused rekey, restored previous key epoch")
	return nil
}

// epochs returns the epochs to try when opening a datagram, in order.
func (t *Tunnel) epochs() []*epoch {
	t.keyMu.RLock()
	defer t.keyMu.RUnlock()
	out := make([]*epoch, 0, 3)
	for _, e := range []*epoch{t.current, t.previous, t.next} {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

func (t *Tunnel) currentEpoch() *epoch {
	t.keyMu.RLock()
	defer t.keyMu.RUnlock()
	return t.current
}
