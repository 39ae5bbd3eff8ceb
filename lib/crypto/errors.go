package crypto

import "errors"

var (
	ErrOpenFailed    = errors.New("sealed box authentication failed")
	ErrInvalidKeyLen = errors.New("invalid curve25519 key length")
	ErrRandomFailure = errors.New("failed to read random bytes")
)
