package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/inos-v1-sub001/sab"
)

func TestMessage_EncodeDecode(t *testing.T) {
	msg := &Message{
		CallID:       42,
		SourceModule: 3,
		Opcode:       OpStoreChunk,
		Status:       StatusSuccess,
		Version:      1,
		IsResponse:   true,
		Body:         []byte{1, 2, 3},
	}
	frame, err := msg.Encode()
	require.NoError(t, err)

	got, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestDecode_RejectsBadFrames(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	assert.ErrorIs(t, err, sab.ErrFrameMalformed)

	msg := &Message{CallID: 1, Opcode: OpFetchChunk}
	frame, err := msg.Encode()
	require.NoError(t, err)

	frame[0] ^= 0xFF // corrupt magic
	_, err = Decode(frame)
	assert.ErrorIs(t, err, sab.ErrFrameMalformed)

	frame[0] ^= 0xFF
	_, err = Decode(frame)
	require.NoError(t, err)

	// Declared body length disagreeing with the frame size.
	frame2, err := (&Message{CallID: 2, Opcode: OpFetchChunk, Body: []byte{9, 9}}).Encode()
	require.NoError(t, err)
	_, err = Decode(frame2[:len(frame2)-1])
	assert.ErrorIs(t, err, sab.ErrFrameMalformed)
}

func TestEncode_RefusesOversize(t *testing.T) {
	msg := &Message{CallID: 1, Opcode: OpHostCall, Body: make([]byte, MaxFrame)}
	_, err := msg.Encode()
	assert.ErrorIs(t, err, sab.ErrFrameMalformed)
}

func TestFetchChunk_Body(t *testing.T) {
	req := &FetchChunkRequest{Hash: "deadbeefcafe", DestOffset: 0x170000, DestSize: 4096}
	got, err := DecodeFetchChunk(req.EncodeBody())
	require.NoError(t, err)
	assert.Equal(t, req, got)

	res := &FetchChunkResult{BytesWritten: 4096}
	gotRes, err := DecodeFetchChunkResult(res.EncodeBody())
	require.NoError(t, err)
	assert.Equal(t, res, gotRes)
}

func TestStoreChunk_Body(t *testing.T) {
	req := &StoreChunkRequest{Hash: "deadbeef", SrcOffset: 0x150000, Size: 1024}
	got, err := DecodeStoreChunk(req.EncodeBody())
	require.NoError(t, err)
	assert.Equal(t, req, got)

	res := &StoreChunkResult{Replicas: 3}
	gotRes, err := DecodeStoreChunkResult(res.EncodeBody())
	require.NoError(t, err)
	assert.Equal(t, uint16(3), gotRes.Replicas)
}

func TestSendMessage_Body(t *testing.T) {
	req := &SendMessageRequest{TargetID: "ml", Payload: []byte("weights ready")}
	got, err := DecodeSendMessage(req.EncodeBody())
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestHostCall_Body(t *testing.T) {
	req := &HostCallRequest{
		Service: "clipboard", ArenaRef: true, Offset: 0x160100, Size: 512,
		Metadata: []byte("mime=text/plain"),
	}
	got, err := DecodeHostCall(req.EncodeBody())
	require.NoError(t, err)
	assert.Equal(t, req.Service, got.Service)
	assert.True(t, got.ArenaRef)
	assert.Equal(t, req.Offset, got.Offset)
	assert.Equal(t, req.Metadata, got.Metadata)
}

func TestDecodeBody_Truncated(t *testing.T) {
	req := &StoreChunkRequest{Hash: "deadbeef", SrcOffset: 1, Size: 2}
	body := req.EncodeBody()
	_, err := DecodeStoreChunk(body[:3])
	assert.ErrorIs(t, err, sab.ErrFrameMalformed)
}
