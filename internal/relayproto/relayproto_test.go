package relayproto_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obscuratun/tunnelcore/internal/relayproto"
)

func TestMessageHeader_RoundTrip(t *testing.T) {
	h := relayproto.MessageHeader{ContextID: 0, PayloadLength: 42}
	b := h.Bytes()
	decoded := relayproto.DecodeMessageHeader(b)
	assert.Equal(t, h, decoded)
}

func TestSendOp_EncodesHeaderOpAndArg(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, relayproto.SendOp(&buf, relayproto.OpToken, []byte{1, 2, 3, 4}))

	data := buf.Bytes()
	require.Len(t, data, 8+4+4)

	header := relayproto.DecodeMessageHeader([8]byte(data[:8]))
	assert.Equal(t, relayproto.ContextZero, header.ContextID)
	assert.EqualValues(t, 8, header.PayloadLength) // 4 byte op code + 4 byte arg

	op := binary.BigEndian.Uint32(data[8:12])
	assert.Equal(t, uint32(relayproto.OpToken), op)
	assert.Equal(t, []byte{1, 2, 3, 4}, data[12:16])
}

func TestRecvResponse_OK(t *testing.T) {
	var buf bytes.Buffer
	header := relayproto.MessageHeader{ContextID: relayproto.ContextZero, PayloadLength: 4}
	hb := header.Bytes()
	buf.Write(hb[:])
	var code [4]byte // ResponseOK == 0
	buf.Write(code[:])

	assert.NoError(t, relayproto.RecvResponse(&buf))
}

func TestRecvResponse_ErrorCarriesMessage(t *testing.T) {
	var buf bytes.Buffer
	msg := []byte("relay is full")
	header := relayproto.MessageHeader{ContextID: relayproto.ContextZero, PayloadLength: uint32(4 + len(msg))}
	hb := header.Bytes()
	buf.Write(hb[:])
	var code [4]byte
	binary.BigEndian.PutUint32(code[:], 7)
	buf.Write(code[:])
	buf.Write(msg)

	err := relayproto.RecvResponse(&buf)
	require.Error(t, err)
	var errResp *relayproto.ErrorResponse
	require.ErrorAs(t, err, &errResp)
	assert.EqualValues(t, 7, errResp.Code)
	assert.Equal(t, "relay is full", errResp.Message)
}

func TestRecvResponse_SkipsNonZeroContextMessages(t *testing.T) {
	var buf bytes.Buffer

	// A stray message on a non-zero context id should be ignored.
	strayHeader := relayproto.MessageHeader{ContextID: 99, PayloadLength: 3}
	sh := strayHeader.Bytes()
	buf.Write(sh[:])
	buf.Write([]byte("xyz"))

	// Followed by the real ok response on context zero.
	okHeader := relayproto.MessageHeader{ContextID: relayproto.ContextZero, PayloadLength: 4}
	oh := okHeader.Bytes()
	buf.Write(oh[:])
	var code [4]byte
	buf.Write(code[:])

	assert.NoError(t, relayproto.RecvResponse(&buf))
}

func TestReceiveIdentifier_RejectsMismatch(t *testing.T) {
	var buf bytes.Buffer
	var garbage [16]byte
	copy(garbage[:], "not the identifi")
	buf.Write(garbage[:])

	err := relayproto.ReceiveIdentifier(&buf)
	require.Error(t, err)
	var mismatch *relayproto.UnexpectedProtocolIdentifierError
	require.ErrorAs(t, err, &mismatch)
}

func TestSendReceiveIdentifier_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, relayproto.SendIdentifier(&buf))
	assert.NoError(t, relayproto.ReceiveIdentifier(&buf))
}

func TestPing_SendsOpAndConsumesOKResponse(t *testing.T) {
	var buf bytes.Buffer
	// Pre-seed the ok response Ping will read after writing its request.
	okHeader := relayproto.MessageHeader{ContextID: relayproto.ContextZero, PayloadLength: 4}
	oh := okHeader.Bytes()
	buf.Write(oh[:])
	var code [4]byte
	buf.Write(code[:])

	require.NoError(t, relayproto.Ping(&buf))
}
