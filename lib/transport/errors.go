package transport

import "errors"

var (
	ErrSocketClosed = errors.New("socket is closed")
	// ErrRuntimeClosed is returned by GetOrListen after Close.
	ErrRuntimeClosed = errors.New("runtime is closed")
)
