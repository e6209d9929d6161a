// Package muxproto implements the pure encode/decode logic for the binary
// mux WebSocket wire format described in spec.md §6.1. No I/O, no state.
package muxproto

import (
	"encoding/binary"
	"errors"
)

// Type is the one-byte mux frame type tag.
type Type byte

const (
	TypeOutput            Type = 0x01
	TypeInput             Type = 0x02
	TypeResize            Type = 0x03
	TypeSessionState      Type = 0x04
	TypeResync            Type = 0x05
	TypeBufferRequest     Type = 0x06
	TypeCompressedOutput  Type = 0x07
	TypeActiveSessionHint Type = 0x08
	TypeInit              Type = 0xFF
)

// HeaderLen is the fixed header size: 1 type byte + 8 session-id bytes.
const HeaderLen = 9

// SessionIDLen is the fixed width of the zero-padded ASCII session id.
const SessionIDLen = 8

var (
	// ErrTooShort is returned when a message is shorter than HeaderLen.
	ErrTooShort = errors.New("muxproto: frame shorter than header")
	// ErrPayloadTooShort is returned when a typed payload is malformed.
	ErrPayloadTooShort = errors.New("muxproto: payload too short for type")
)

// Frame is a fully decoded mux message.
type Frame struct {
	Type      Type
	SessionID string // zero-padded to SessionIDLen on encode
	Payload   []byte
}

// EncodeSessionID zero-pads or truncates id to the 8-byte wire width.
func EncodeSessionID(id string) [SessionIDLen]byte {
	var out [SessionIDLen]byte
	copy(out[:], id)
	return out
}

// DecodeSessionID trims trailing zero bytes from the wire session id.
func DecodeSessionID(b []byte) string {
	n := len(b)
	for n > 0 && b[n-1] == 0 {
		n--
	}
	return string(b[:n])
}

// Encode serializes a Frame to its wire representation.
func Encode(f Frame) []byte {
	sid := EncodeSessionID(f.SessionID)
	out := make([]byte, HeaderLen+len(f.Payload))
	out[0] = byte(f.Type)
	copy(out[1:1+SessionIDLen], sid[:])
	copy(out[HeaderLen:], f.Payload)
	return out
}

// Decode parses a raw WebSocket binary message into a Frame. Malformed
// frames return ErrTooShort; callers MUST treat that as "ignore, don't
// disconnect" per spec.md §4.G.1.
func Decode(msg []byte) (Frame, error) {
	if len(msg) < HeaderLen {
		return Frame{}, ErrTooShort
	}
	return Frame{
		Type:      Type(msg[0]),
		SessionID: DecodeSessionID(msg[1:HeaderLen]),
		Payload:   msg[HeaderLen:],
	}, nil
}

// OutputPayload is the decoded payload of an Output/CompressedOutput-shaped
// header: cols and rows followed by raw (or gzip) data.
type OutputPayload struct {
	Cols uint16
	Rows uint16
	Data []byte
}

// EncodeOutput builds the payload for type 0x01.
func EncodeOutput(cols, rows uint16, data []byte) []byte {
	out := make([]byte, 4+len(data))
	binary.LittleEndian.PutUint16(out[0:2], cols)
	binary.LittleEndian.PutUint16(out[2:4], rows)
	copy(out[4:], data)
	return out
}

// DecodeOutput parses the payload for type 0x01.
func DecodeOutput(payload []byte) (OutputPayload, error) {
	if len(payload) < 4 {
		return OutputPayload{}, ErrPayloadTooShort
	}
	return OutputPayload{
		Cols: binary.LittleEndian.Uint16(payload[0:2]),
		Rows: binary.LittleEndian.Uint16(payload[2:4]),
		Data: payload[4:],
	}, nil
}

// CompressedOutputPayload is the decoded payload of type 0x07.
type CompressedOutputPayload struct {
	Cols            uint16
	Rows            uint16
	UncompressedLen uint32
	Gzip            []byte
}

// EncodeCompressedOutput builds the payload for type 0x07.
func EncodeCompressedOutput(cols, rows uint16, uncompressedLen uint32, gz []byte) []byte {
	out := make([]byte, 8+len(gz))
	binary.LittleEndian.PutUint16(out[0:2], cols)
	binary.LittleEndian.PutUint16(out[2:4], rows)
	binary.LittleEndian.PutUint32(out[4:8], uncompressedLen)
	copy(out[8:], gz)
	return out
}

// DecodeCompressedOutput parses the payload for type 0x07.
func DecodeCompressedOutput(payload []byte) (CompressedOutputPayload, error) {
	if len(payload) < 8 {
		return CompressedOutputPayload{}, ErrPayloadTooShort
	}
	return CompressedOutputPayload{
		Cols:            binary.LittleEndian.Uint16(payload[0:2]),
		Rows:            binary.LittleEndian.Uint16(payload[2:4]),
		UncompressedLen: binary.LittleEndian.Uint32(payload[4:8]),
		Gzip:            payload[8:],
	}, nil
}

// EncodeResize builds the payload for type 0x03.
func EncodeResize(cols, rows uint16) []byte {
	out := make([]byte, 4)
	binary.LittleEndian.PutUint16(out[0:2], cols)
	binary.LittleEndian.PutUint16(out[2:4], rows)
	return out
}

// ResizePayload is the decoded payload of type 0x03.
type ResizePayload struct {
	Cols uint16
	Rows uint16
}

// DecodeResize parses the payload for type 0x03.
func DecodeResize(payload []byte) (ResizePayload, error) {
	if len(payload) < 4 {
		return ResizePayload{}, ErrPayloadTooShort
	}
	return ResizePayload{
		Cols: binary.LittleEndian.Uint16(payload[0:2]),
		Rows: binary.LittleEndian.Uint16(payload[2:4]),
	}, nil
}

// EncodeSessionState builds the payload for type 0x04. created=true -> 1.
func EncodeSessionState(created bool) []byte {
	if created {
		return []byte{1}
	}
	return []byte{0}
}

// DecodeSessionState parses the payload for type 0x04.
func DecodeSessionState(payload []byte) (bool, error) {
	if len(payload) < 1 {
		return false, ErrPayloadTooShort
	}
	return payload[0] != 0, nil
}

// ZeroSessionID is the all-zero session id used by Init and "no active
// session" ActiveSessionHint frames.
const ZeroSessionID = ""

// InitFrame is the single frame the server MUST emit when a mux WebSocket
// opens (spec.md §4.G.2 "Connection init").
func InitFrame() []byte {
	return Encode(Frame{Type: TypeInit, SessionID: ZeroSessionID})
}
