package pipe

import "errors"

var (
	ErrMessageTooLarge     = errors.New("message exceeds 65535 bytes")
	ErrPipeNotConnected    = errors.New("pipe is not connected")
	ErrPipeClosed          = errors.New("pipe is closed")
	ErrPipeExists          = errors.New("pipe id already in use")
	ErrUnsupportedPipeType = errors.New("unsupported pipe type")
	ErrPayloadTooSmall     = errors.New("tunnel payload size cannot carry a frame")
)
