package tunnel

import (
	"context"
	"time"

	"github.com/go-i2p/go-tunneler/lib/config"
	"github.com/go-i2p/go-tunneler/lib/packet"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"golang.org/x/sync/semaphore"
)

// writerWeight is the semaphore weight a writer takes. Readers take 1, so a
// writer excludes every reader.
const writerWeight = 1 << 16

// Directory maps flag-masked tunnel ids to tunnels.
//
// Design decisions:
// - Lock acquisition is bounded so the receive path never stalls on a
//   long writer; callers see ErrDirectoryBusy and drop the datagram
// - Writers are served in arrival order by the semaphore, so a stream of
//   lookups cannot starve inserts
type Directory struct {
	sem     *semaphore.Weighted
	tunnels map[packet.TunnelID]*Tunnel

	readerTimeout time.Duration
	writerTimeout time.Duration
}

// NewDirectory creates an empty directory.
func NewDirectory(cfg config.DirectoryDefaults) *Directory {
	d := &Directory{
		sem:           semaphore.NewWeighted(writerWeight),
		tunnels:       make(map[packet.TunnelID]*Tunnel),
		readerTimeout: cfg.ReaderTimeout,
		writerTimeout: cfg.WriterTimeout,
	}
	log.WithFields(logger.Fields{
		"at":             "NewDirectory",
		"reader_timeout": d.readerTimeout,
		"writer_timeout": d.writerTimeout,
	}).Debug("tunnel directory created")
	return d
}

func (d *Directory) acquire(weight int64, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := d.sem.Acquire(ctx, weight); err != nil {
		return oops.Wrapf(ErrDirectoryBusy, "lock not acquired within %s", timeout)
	}
	return nil
}

func (d *Directory) rlock() error { return d.acquire(1, d.readerTimeout) }
func (d *Directory) runlock()     { d.sem.Release(1) }
func (d *Directory) lock() error  { return d.acquire(writerWeight, d.writerTimeout) }
func (d *Directory) unlock()      { d.sem.Release(writerWeight) }

// Get returns the tunnel registered for tid. Flag bits are ignored.
func (d *Directory) Get(tid packet.TunnelID) (*Tunnel, error) {
	if err := d.rlock(); err != nil {
		return nil, err
	}
	defer d.runlock()

	t, ok := d.tunnels[tid.Masked()]
	if !ok {
		return nil, oops.Wrapf(ErrTunnelUnknown, "tunnel %s", tid.Masked())
	}
	return t, nil
}

// Insert registers t under tid.
func (d *Directory) Insert(tid packet.TunnelID, t *Tunnel) error {
	if err := d.lock(); err != nil {
		return err
	}
	defer d.unlock()

	tid = tid.Masked()
	if _, exists := d.tunnels[tid]; exists {
		log.WithFields(logger.Fields{
			"at":        "(Directory) Insert",
			"reason":    "duplicate_tunnel_id",
			"tunnel_id": tid.String(),
		}).Warn("tunnel already registered, rejecting duplicate")
		return oops.Wrapf(ErrTunnelExists, "tunnel %s", tid)
	}
	d.tunnels[tid] = t
	log.WithFields(logger.Fields{
		"at":           "(Directory) Insert",
		"tunnel_id":    tid.String(),
		"tunnel_count": len(d.tunnels),
	}).Debug("tunnel registered")
	return nil
}

// Remove unregisters tid. It reports whether a tunnel was registered.
func (d *Directory) Remove(tid packet.TunnelID) (bool, error) {
	if err := d.lock(); err != nil {
		return false, err
	}
	defer d.unlock()

	tid = tid.Masked()
	if _, exists := d.tunnels[tid]; !exists {
		return false, nil
	}
	delete(d.tunnels, tid)
	log.WithFields(logger.Fields{
		"at":           "(Directory) Remove",
		"tunnel_id":    tid.String(),
		"tunnel_count": len(d.tunnels),
	}).Debug("tunnel unregistered")
	return true, nil
}

// Len returns the number of registered tunnels.
func (d *Directory) Len() (int, error) {
	if err := d.rlock(); err != nil {
		return 0, err
	}
	defer d.runlock()
	return len(d.tunnels), nil
}

// Tunnels returns a snapshot of the registered tunnels.
func (d *Directory) Tunnels() ([]*Tunnel, error) {
	if err := d.rlock(); err != nil {
		return nil, err
	}
	defer d.runlock()
	out := make([]*Tunnel, 0, len(d.tunnels))
	for _, t := range d.tunnels {
		out = append(out, t)
	}
	return out, nil
}
