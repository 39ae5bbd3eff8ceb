package packet

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// RPCTag is the byte that precedes every RPC body on the wire.
type RPCTag byte

const (
	TagRPCStart           RPCTag = 0
	TagNoRPC              RPCTag = 1
	TagAnonymousPipe      RPCTag = 2
	TagAuthenticatedPipe  RPCTag = 3
	TagClosePipe          RPCTag = 4
	TagAckPipe            RPCTag = 5
	TagRefusePipe         RPCTag = 6
	TagRequestCertificate RPCTag = 7
	TagGiveCertificate    RPCTag = 8
	TagOk                 RPCTag = 9
	TagRefuse             RPCTag = 10
	TagNextTID            RPCTag = 11
	TagRekeyNow           RPCTag = 12
	TagPosePuzzle         RPCTag = 13
	TagPuzzleSolution     RPCTag = 14
	TagWindowResize       RPCTag = 15
	TagPrepareRekey       RPCTag = 16
	TagRekeyResponse      RPCTag = 17
	TagRPCEnd             RPCTag = 255
)

var tagNames = map[RPCTag]string{
	TagAnonymousPipe:      "CreateAnonymousPipe",
	TagAuthenticatedPipe:  "CreateAuthenticatedPipe",
	TagClosePipe:          "ClosePipe",
	TagAckPipe:            "AckPipe",
	TagRefusePipe:         "RefusePipe",
	TagRequestCertificate: "RequestCertificate",
	TagGiveCertificate:    "GiveCertificate",
	TagOk:                 "Ok",
	TagRefuse:             "Refuse",
	TagNextTID:            "NextTID",
	TagRekeyNow:           "RekeyNow",
	TagPosePuzzle:         "PosePuzzle",
	TagPuzzleSolution:     "ProvidePuzzleSolution",
	TagWindowResize:       "WindowResize",
	TagPrepareRekey:       "PrepareRekey",
	TagRekeyResponse:      "RekeyResponse",
}

func (t RPCTag) String() string {
	if name, ok := tagNames[t]; ok {
		return name
	}
	return fmt.Sprintf("RPCTag(%d)", byte(t))
}

// RefusalReason explains why a pipe open was refused.
type RefusalReason byte

const (
	ReasonIDAlreadyExists          RefusalReason = 0
	ReasonCannotOpenAnotherControl RefusalReason = 253
	ReasonUnsupportedPipeType      RefusalReason = 254
	ReasonUnknown                  RefusalReason = 255
)

func (r RefusalReason) String() string {
	switch r {
	case ReasonIDAlreadyExists:
		return "ID_ALREADY_EXISTS"
	case ReasonCannotOpenAnotherControl:
		return "CANNOT_OPEN_ANOTHER_CONTROL"
	case ReasonUnsupportedPipeType:
		return "UNSUPPORTED_PIPE_TYPE"
	default:
		return "UNKNOWN"
	}
}

// RPC is a control message carried in the RPC block of a packet body.
type RPC interface {
	Tag() RPCTag
	RequestID() uint32
}

// Request carries the request id shared by all RPCs.
type Request struct {
	ID uint32 `msgpack:"rid"`
}

func (r Request) RequestID() uint32 { return r.ID }

func newRequest() Request {
	return Request{ID: RandomUint32()}
}

type CreateAnonymousPipe struct {
	Request  `msgpack:",inline"`
	PipeType string `msgpack:"type"`
	ID       uint32 `msgpack:"id"`
}

type CreateAuthenticatedPipe struct {
	Request       `msgpack:",inline"`
	ID            uint64 `msgpack:"id"`
	PublicKey     []byte `msgpack:"pk"`
	Authenticator []byte `msgpack:"auth"`
}

type ClosePipe struct {
	Request `msgpack:",inline"`
	ID      uint32 `msgpack:"id"`
}

type AckPipe struct {
	Request `msgpack:",inline"`
	ID      uint32 `msgpack:"id"`
}

type RefusePipe struct {
	Request `msgpack:",inline"`
	ID      uint32        `msgpack:"id"`
	Reason  RefusalReason `msgpack:"reason"`
}

type RequestCertificate struct {
	Request `msgpack:",inline"`
	Want    bool `msgpack:"want"`
}

type GiveCertificate struct {
	Request     `msgpack:",inline"`
	Certificate []byte `msgpack:"cert"`
}

// Ok acknowledges the RPC whose request id is RPCID.
type Ok struct {
	Request `msgpack:",inline"`
	RPCID   uint32 `msgpack:"for"`
}

// Refuse rejects the RPC whose request id is RPCID.
type Refuse struct {
	Request `msgpack:",inline"`
	RPCID   uint32 `msgpack:"for"`
}

type NextTID struct {
	Request `msgpack:",inline"`
	TID     TunnelID `msgpack:"tid"`
}

type RekeyNow struct {
	Request `msgpack:",inline"`
}

type PosePuzzle struct {
	Request `msgpack:",inline"`
	Puzzle  []byte `msgpack:"puzzle"`
}

type ProvidePuzzleSolution struct {
	Request  `msgpack:",inline"`
	Solution []byte `msgpack:"solution"`
}

// WindowResize advertises the largest congestion window the sender will
// accept from its peer.
type WindowResize struct {
	Request `msgpack:",inline"`
	Window  uint16 `msgpack:"window"`
}

type PrepareRekey struct {
	Request       `msgpack:",inline"`
	NextPublicKey []byte `msgpack:"npk"`
}

type RekeyResponse struct {
	Request       `msgpack:",inline"`
	NextPublicKey []byte `msgpack:"npk"`
}

func (*CreateAnonymousPipe) Tag() RPCTag     { return TagAnonymousPipe }
func (*CreateAuthenticatedPipe) Tag() RPCTag { return TagAuthenticatedPipe }
func (*ClosePipe) Tag() RPCTag               { return TagClosePipe }
func (*AckPipe) Tag() RPCTag                 { return TagAckPipe }
func (*RefusePipe) Tag() RPCTag              { return TagRefusePipe }
func (*RequestCertificate) Tag() RPCTag      { return TagRequestCertificate }
func (*GiveCertificate) Tag() RPCTag         { return TagGiveCertificate }
func (*Ok) Tag() RPCTag                      { return TagOk }
func (*Refuse) Tag() RPCTag                  { return TagRefuse }
func (*NextTID) Tag() RPCTag                 { return TagNextTID }
func (*RekeyNow) Tag() RPCTag                { return TagRekeyNow }
func (*PosePuzzle) Tag() RPCTag              { return TagPosePuzzle }
func (*ProvidePuzzleSolution) Tag() RPCTag   { return TagPuzzleSolution }
func (*WindowResize) Tag() RPCTag            { return TagWindowResize }
func (*PrepareRekey) Tag() RPCTag            { return TagPrepareRekey }
func (*RekeyResponse) Tag() RPCTag           { return TagRekeyResponse }

func NewCreateAnonymousPipe(pipeType string, id uint32) *CreateAnonymousPipe {
	return &CreateAnonymousPipe{Request: newRequest(), PipeType: pipeType, ID: id}
}

func NewClosePipe(id uint32) *ClosePipe {
	return &ClosePipe{Request: newRequest(), ID: id}
}

func NewAckPipe(id uint32) *AckPipe {
	return &AckPipe{Request: newRequest(), ID: id}
}

func NewRefusePipe(id uint32, reason RefusalReason) *RefusePipe {
	return &RefusePipe{Request: newRequest(), ID: id, Reason: reason}
}

func NewOk(rpcID uint32) *Ok {
	return &Ok{Request: newRequest(), RPCID: rpcID}
}

func NewRefuse(rpcID uint32) *Refuse {
	return &Refuse{Request: newRequest(), RPCID: rpcID}
}

func NewNextTID(tid TunnelID) *NextTID {
	return &NextTID{Request: newRequest(), TID: tid.Masked()}
}

func NewRekeyNow() *RekeyNow {
	return &RekeyNow{Request: newRequest()}
}

func NewWindowResize(window uint16) *WindowResize {
	return &WindowResize{Request: newRequest(), Window: window}
}

func NewPrepareRekey(next []byte) *PrepareRekey {
	return &PrepareRekey{Request: newRequest(), NextPublicKey: next}
}

func NewRekeyResponse(next []byte) *RekeyResponse {
	return &RekeyResponse{Request: newRequest(), NextPublicKey: next}
}

func NewRequestCertificate() *RequestCertificate {
	return &RequestCertificate{Request: newRequest(), Want: true}
}

// newRPC returns an empty RPC value for tag, or nil if the tag has no body.
func newRPC(tag RPCTag) RPC {
	switch tag {
	case TagAnonymousPipe:
		return &CreateAnonymousPipe{}
	case TagAuthenticatedPipe:
		return &CreateAuthenticatedPipe{}
	case TagClosePipe:
		return &ClosePipe{}
	case TagAckPipe:
		return &AckPipe{}
	case TagRefusePipe:
		return &RefusePipe{}
	case TagRequestCertificate:
		return &RequestCertificate{}
	case TagGiveCertificate:
		return &GiveCertificate{}
	case TagOk:
		return &Ok{}
	case TagRefuse:
		return &Refuse{}
	case TagNextTID:
		return &NextTID{}
	case TagRekeyNow:
		return &RekeyNow{}
	case TagPosePuzzle:
		return &PosePuzzle{}
	case TagPuzzleSolution:
		return &ProvidePuzzleSolution{}
	case TagWindowResize:
		return &WindowResize{}
	case TagPrepareRekey:
		return &PrepareRekey{}
	case TagRekeyResponse:
		return &RekeyResponse{}
	default:
		return nil
	}
}

// decodeRPC reads one RPC body for tag from dec.
func decodeRPC(tag RPCTag, dec *msgpack.Decoder) (RPC, error) {
	rpc := newRPC(tag)
	if rpc == nil {
		return nil, ErrUnknownRPCTag
	}
	if err := dec.Decode(rpc); err != nil {
		return nil, err
	}
	return rpc, nil
}
