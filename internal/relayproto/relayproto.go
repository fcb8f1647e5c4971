// Package relayproto implements the control-stream wire format spoken on
// the bidirectional QUIC stream opened against a relay before the
// WireGuard-over-QUIC datagram tunnel starts: a protocol-identifier
// handshake, an 8-byte message header, and the three handshake
// operations (Ping, Token, Stop). Field widths and op ordering are
// grounded on original_source rustlib/src/quicwg.rs's use of
// obscuravpn_api::relay_protocol.
package relayproto

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ProtocolIdentifier is exchanged as a 16-byte big-endian magic value
// immediately after the control stream opens: the client sends it, then
// reads the same 16 bytes back from the relay.
var ProtocolIdentifier = [16]byte{
	0x6f, 0x62, 0x73, 0x63, 0x75, 0x72, 0x61, 0x2d,
	0x72, 0x65, 0x6c, 0x61, 0x79, 0x2d, 0x76, 0x31,
}

// ContextZero is the only context id the control stream (as opposed to
// the later datagram-multiplexed data plane) ever uses.
const ContextZero uint32 = 0

// MessageHeader is the fixed 8-byte header preceding every control-stream
// message: a 4-byte context id followed by a 4-byte payload length, both
// big-endian.
type MessageHeader struct {
	ContextID     uint32
	PayloadLength uint32
}

// HeaderSize is the encoded size of MessageHeader in bytes.
const HeaderSize = 8

func (h MessageHeader) Bytes() [HeaderSize]byte {
	var b [HeaderSize]byte
	binary.BigEndian.PutUint32(b[0:4], h.ContextID)
	binary.BigEndian.PutUint32(b[4:8], h.PayloadLength)
	return b
}

func DecodeMessageHeader(b [HeaderSize]byte) MessageHeader {
	return MessageHeader{
		ContextID:     binary.BigEndian.Uint32(b[0:4]),
		PayloadLength: binary.BigEndian.Uint32(b[4:8]),
	}
}

// OpCode identifies a control-stream operation. Encoded as 4 big-endian
// bytes ahead of any operation argument.
type OpCode uint32

const (
	OpPing  OpCode = 0
	OpToken OpCode = 1
	OpStop  OpCode = 2
)

func (op OpCode) Bytes() [4]byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(op))
	return b
}

func (op OpCode) String() string {
	switch op {
	case OpPing:
		return "ping"
	case OpToken:
		return "token"
	case OpStop:
		return "stop"
	default:
		return fmt.Sprintf("opcode(%d)", uint32(op))
	}
}

// ResponseCode is the relay's 4-byte reply code preceding any error text.
// Zero means ok; any other value is an error code and the remaining
// response payload is a UTF-8 error message.
type ResponseCode uint32

const ResponseOK ResponseCode = 0

func (r ResponseCode) IsOK() bool { return r == ResponseOK }

// ErrorResponse reports a non-ok response from the relay.
type ErrorResponse struct {
	Code    ResponseCode
	Message string
}

func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("relay responded with error code %d: %s", uint32(e.Code), e.Message)
}

// UnexpectedProtocolIdentifierError is returned when the relay's initial
// handshake reply doesn't match ProtocolIdentifier.
type UnexpectedProtocolIdentifierError struct {
	Got [16]byte
}

func (e *UnexpectedProtocolIdentifierError) Error() string {
	return fmt.Sprintf("unexpected protocol identifier received: %x", e.Got)
}

// Stream is the minimal read/write surface relayproto needs from a QUIC
// bidirectional stream pair. A quic.Stream satisfies it directly.
type Stream interface {
	io.Reader
	io.Writer
}

// SendIdentifier writes ProtocolIdentifier to w.
func SendIdentifier(w io.Writer) error {
	_, err := w.Write(ProtocolIdentifier[:])
	if err != nil {
		return fmt.Errorf("sending protocol identifier: %w", err)
	}
	return nil
}

// ReceiveIdentifier reads and validates the relay's protocol identifier.
func ReceiveIdentifier(r io.Reader) error {
	var got [16]byte
	if _, err := io.ReadFull(r, got[:]); err != nil {
		return fmt.Errorf("receiving protocol identifier: %w", err)
	}
	if got != ProtocolIdentifier {
		return &UnexpectedProtocolIdentifierError{Got: got}
	}
	return nil
}

// SendOp writes a full message: header, op code, argument.
func SendOp(w io.Writer, op OpCode, arg []byte) error {
	header := MessageHeader{ContextID: ContextZero, PayloadLength: 4 + uint32(len(arg))}
	headerBytes := header.Bytes()
	if _, err := w.Write(headerBytes[:]); err != nil {
		return fmt.Errorf("writing message header: %w", err)
	}
	opBytes := op.Bytes()
	if _, err := w.Write(opBytes[:]); err != nil {
		return fmt.Errorf("writing op code: %w", err)
	}
	if len(arg) > 0 {
		if _, err := w.Write(arg); err != nil {
			return fmt.Errorf("writing op argument: %w", err)
		}
	}
	return nil
}

// RecvResponse reads one control-stream message and interprets it as a
// response: messages with a non-zero context id are ignored (reserved for
// a future multiplexed control plane) and the read loop continues.
func RecvResponse(r io.Reader) error {
	for {
		var headerBytes [HeaderSize]byte
		if _, err := io.ReadFull(r, headerBytes[:]); err != nil {
			return fmt.Errorf("reading message header: %w", err)
		}
		header := DecodeMessageHeader(headerBytes)

		payload := make([]byte, header.PayloadLength)
		if _, err := io.ReadFull(r, payload); err != nil {
			return fmt.Errorf("reading message payload: %w", err)
		}

		if header.ContextID != ContextZero {
			continue
		}

		if len(payload) < 4 {
			return fmt.Errorf("payload too small for response code: %d bytes", len(payload))
		}
		code := ResponseCode(binary.BigEndian.Uint32(payload[:4]))
		arg := payload[4:]

		if code.IsOK() {
			return nil
		}
		return &ErrorResponse{Code: code, Message: string(arg)}
	}
}

// Ping sends a zero-argument ping op and waits for the ok response.
func Ping(s Stream) error {
	if err := SendOp(s, OpPing, nil); err != nil {
		return err
	}
	return RecvResponse(s)
}

// Authenticate sends the session token and waits for the relay's ok
// response, completing the control-stream handshake.
func Authenticate(s Stream, token [16]byte) error {
	if err := SendOp(s, OpToken, token[:]); err != nil {
		return err
	}
	return RecvResponse(s)
}

// Stop tells the relay the handshake is being abandoned.
func Stop(s Stream) error {
	if err := SendOp(s, OpStop, nil); err != nil {
		return err
	}
	return RecvResponse(s)
}
