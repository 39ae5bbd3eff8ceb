package congestion

import "errors"

var (
	// ErrUnknownSequence is returned by Acked for a sequence number that is
	// not in flight, including one that was already acked.
	ErrUnknownSequence = errors.New("ack for untracked sequence number")
	ErrStopped         = errors.New("congestion controller stopped")
)
