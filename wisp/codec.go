// File: wisp/codec.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Encode/decode the Wisp packet framing described in packet.go. Decode never
// copies the payload; Encode allocates exactly 5+len(payload) bytes.

package wisp

import (
	"encoding/binary"
	"errors"
)

// ErrShortFrame is returned when raw is too small to hold a common header.
var ErrShortFrame = errors.New("wisp: frame shorter than header")

// ErrShortConnect is returned when a CONNECT payload is too small to hold
// its stream_type/dest_port prefix.
var ErrShortConnect = errors.New("wisp: CONNECT payload too short")

// ErrShortContinue is returned when a CONTINUE payload is shorter than 4
// bytes.
var ErrShortContinue = errors.New("wisp: CONTINUE payload too short")

// ErrShortClose is returned when a CLOSE payload is empty.
var ErrShortClose = errors.New("wisp: CLOSE payload too short")

// Decode parses the common 5-byte header from raw and returns a Packet
// whose Payload aliases raw. It rejects frames shorter than HeaderSize but
// otherwise accepts any type byte and any payload length/shape; per-type
// payload parsing is left to DecodeConnect/DecodeContinue/DecodeClose.
func Decode(raw []byte) (Packet, error) {
	if len(raw) < HeaderSize {
		return Packet{}, ErrShortFrame
	}
	return Packet{
		Type:     PacketType(raw[0]),
		StreamID: binary.LittleEndian.Uint32(raw[1:5]),
		Payload:  raw[HeaderSize:],
	}, nil
}

// Encode serializes a packet type, stream id and payload into a single
// freshly allocated buffer ready for transmission.
func Encode(t PacketType, streamID uint32, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = byte(t)
	binary.LittleEndian.PutUint32(buf[1:5], streamID)
	copy(buf[HeaderSize:], payload)
	return buf
}

// DecodeConnect parses a CONNECT packet's payload: stream_type:u8,
// dest_port:u16, then the hostname filling the remainder of the frame.
func DecodeConnect(payload []byte) (ConnectPayload, error) {
	if len(payload) < 3 {
		return ConnectPayload{}, ErrShortConnect
	}
	return ConnectPayload{
		StreamType: StreamType(payload[0]),
		Port:       binary.LittleEndian.Uint16(payload[1:3]),
		Hostname:   string(payload[3:]),
	}, nil
}

// EncodeConnect serializes a CONNECT payload body (without the common
// header).
func EncodeConnect(c ConnectPayload) []byte {
	buf := make([]byte, 3+len(c.Hostname))
	buf[0] = byte(c.StreamType)
	binary.LittleEndian.PutUint16(buf[1:3], c.Port)
	copy(buf[3:], c.Hostname)
	return buf
}

// DecodeContinue parses a CONTINUE packet's payload: buffer_remaining:u32.
func DecodeContinue(payload []byte) (uint32, error) {
	if len(payload) < 4 {
		return 0, ErrShortContinue
	}
	return binary.LittleEndian.Uint32(payload[:4]), nil
}

// EncodeContinue serializes a CONTINUE payload body.
func EncodeContinue(bufferRemaining uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, bufferRemaining)
	return buf
}

// DecodeClose parses a CLOSE packet's payload: reason:u8.
func DecodeClose(payload []byte) (byte, error) {
	if len(payload) < 1 {
		return 0, ErrShortClose
	}
	return payload[0], nil
}

// EncodeClose serializes a CLOSE payload body.
func EncodeClose(reason byte) []byte {
	return []byte{reason}
}
