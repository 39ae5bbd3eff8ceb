package packet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBodyWithoutRPCs(t *testing.T) {
	b := Body{Seq: 7, Ack: 3, CID: 42, Payload: []byte("payload")}
	encoded, err := b.MarshalBinary()
	require.NoError(t, err)
	assert.Len(t, encoded, bodyFixedSize+1+len(b.Payload))
	assert.Equal(t, startPayloadFlag, encoded[bodyFixedSize])

	decoded, err := DecodeBody(encoded)
	require.NoError(t, err)
	assert.Equal(t, b, decoded)
}

func TestBodyLittleEndianLayout(t *testing.T) {
	b := Body{Seq: 0x01020304, Ack: 0x0a0b0c0d, CID: 1}
	encoded, err := b.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x04, 0x03, 0x02, 0x01}, encoded[0:4])
	assert.Equal(t, []byte{0x0d, 0x0c, 0x0b, 0x0a}, encoded[4:8])
	assert.Equal(t, []byte{0x01, 0x00, 0x00, 0x00}, encoded[8:12])
}

func TestBodyWithRPCs(t *testing.T) {
	open := NewCreateAnonymousPipe("Duplex", 99)
	closeRPC := NewClosePipe(12)
	refuse := NewRefusePipe(5, ReasonIDAlreadyExists)
	ok := NewOk(closeRPC.RequestID())
	prepare := NewPrepareRekey([]byte{1, 2, 3})
	resize := NewWindowResize(8)

	b := Body{Seq: 1, CID: 0, RPCs: []RPC{open, closeRPC, refuse, ok, prepare, resize}}
	encoded, err := b.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, byte(TagRPCStart), encoded[bodyFixedSize])
	assert.Equal(t, startPayloadFlag, encoded[len(encoded)-1])
	assert.Equal(t, byte(TagRPCEnd), encoded[len(encoded)-2])

	decoded, err := DecodeBody(encoded)
	require.NoError(t, err)
	require.Len(t, decoded.RPCs, 6)
	assert.Equal(t, open, decoded.RPCs[0])
	assert.Equal(t, closeRPC, decoded.RPCs[1])
	assert.Equal(t, refuse, decoded.RPCs[2])
	assert.Equal(t, ok, decoded.RPCs[3])
	assert.Equal(t, prepare, decoded.RPCs[4])
	assert.Equal(t, resize, decoded.RPCs[5])
	assert.Nil(t, decoded.Payload)
}

func TestRequestIDSurvivesEncoding(t *testing.T) {
	rekey := NewRekeyNow()
	require.NotZero(t, rekey.RequestID())

	encoded, err := (&Body{RPCs: []RPC{rekey}}).MarshalBinary()
	require.NoError(t, err)
	decoded, err := DecodeBody(encoded)
	require.NoError(t, err)
	require.Len(t, decoded.RPCs, 1)
	assert.Equal(t, rekey.RequestID(), decoded.RPCs[0].RequestID())
}

func TestDecodeBodyRejectsUnknownTag(t *testing.T) {
	encoded := make([]byte, bodyFixedSize)
	encoded = append(encoded, byte(TagRPCStart), 42, byte(TagRPCEnd), startPayloadFlag)
	_, err := DecodeBody(encoded)
	assert.ErrorIs(t, err, ErrUnknownRPCTag)

	encoded = make([]byte, bodyFixedSize)
	encoded = append(encoded, byte(TagRPCStart), byte(TagNoRPC), byte(TagRPCEnd), startPayloadFlag)
	_, err = DecodeBody(encoded)
	assert.ErrorIs(t, err, ErrUnknownRPCTag)
}

func TestDecodeBodyPuzzleSolutionIsDecodable(t *testing.T) {
	solution := &ProvidePuzzleSolution{Request: Request{ID: 9}, Solution: []byte{0xaa}}
	encoded, err := (&Body{RPCs: []RPC{solution}}).MarshalBinary()
	require.NoError(t, err)
	decoded, err := DecodeBody(encoded)
	require.NoError(t, err)
	assert.Equal(t, solution, decoded.RPCs[0])
}

func TestDecodeBodyTruncated(t *testing.T) {
	_, err := DecodeBody(make([]byte, bodyFixedSize))
	assert.ErrorIs(t, err, ErrTruncated)

	encoded, err := (&Body{RPCs: []RPC{NewClosePipe(3)}}).MarshalBinary()
	require.NoError(t, err)

	// cut inside the RPC body
	_, err = DecodeBody(encoded[:bodyFixedSize+4])
	assert.ErrorIs(t, err, ErrTruncated)

	// RPC block never terminated
	_, err = DecodeBody(encoded[:len(encoded)-2])
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeBodyMissingMarker(t *testing.T) {
	encoded := make([]byte, bodyFixedSize)
	encoded = append(encoded, 0x7f)
	_, err := DecodeBody(encoded)
	assert.ErrorIs(t, err, ErrMissingPayloadMarker)
}
