package packet

import "errors"

var (
	ErrTruncated            = errors.New("truncated packet")
	ErrUnknownRPCTag        = errors.New("unknown RPC tag")
	ErrMalformedRPC         = errors.New("malformed RPC body")
	ErrMissingPayloadMarker = errors.New("missing start-of-payload marker")
	ErrDecryptFailed        = errors.New("failed to open sealed packet")
	ErrNotHello             = errors.New("datagram is not a hello")
)
