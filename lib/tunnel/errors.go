package tunnel

import "errors"

var (
	// ErrInvalidState is returned when an operation is not legal in the
	// tunnel's current state.
	ErrInvalidState = errors.New("operation not valid in current tunnel state")
	// ErrNeedsRekey is returned once the sequence space or nonce space of the
	// current key epoch is exhausted.
	ErrNeedsRekey     = errors.New("key epoch exhausted, rekey required")
	ErrNoPendingRekey = errors.New("no rekey has been prepared")
	ErrTunnelClosed   = errors.New("tunnel is closed")
	// ErrDecryptFailed is returned by HandlePacket when no key epoch opens
	// the datagram.
	ErrDecryptFailed = errors.New("datagram did not open under any key epoch")
	ErrNotHello      = errors.New("datagram is not a hello")

	// ErrDirectoryBusy is returned when the directory lock could not be
	// acquired in time. It is transient.
	ErrDirectoryBusy = errors.New("tunnel directory busy")
	ErrTunnelExists  = errors.New("tunnel id already registered")
	ErrTunnelUnknown = errors.New("no tunnel registered for id")
)
