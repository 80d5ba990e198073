package protocol

import (
	"encoding/binary"
	"fmt"
)

// Opcode identifies the frame type carried in the low nibble of byte 0.
type Opcode byte

// Frame opcodes from RFC 6455 section 5.2.
const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

// IsControl reports whether o is a close, ping or pong opcode.
func (o Opcode) IsControl() bool {
	return o&0x8 != 0
}

func (o Opcode) valid() bool {
	switch o {
	case OpContinuation, OpText, OpBinary, OpClose, OpPing, OpPong:
		return true
	}
	return false
}

func (o Opcode) String() string {
	switch o {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	}
	return fmt.Sprintf("opcode(%#x)", byte(o))
}

const (
	finBit  = 0x80
	maskBit = 0x80
	lenBits = 0x7F

	len16Marker = 126
	len64Marker = 127

	// MaxSmallPayload is the largest payload that fits the two byte header.
	MaxSmallPayload = 125

	// MaxHeaderSize is the largest header: 2 fixed bytes, a 64-bit length
	// and a mask key.
	MaxHeaderSize = 2 + 8 + 4
)

// Frame is one decoded frame. Payload is already unmasked and owned by the
// caller.
type Frame struct {
	Fin     bool
	Opcode  Opcode
	Masked  bool
	Payload []byte
}

// AppendFrame appends a final, unmasked frame carrying payload to dst.
// Server frames are never masked.
func AppendFrame(dst []byte, op Opcode, payload []byte) []byte {
	dst = append(dst, finBit|byte(op))
	n := len(payload)
	switch {
	case n <= MaxSmallPayload:
		dst = append(dst, byte(n))
	case n <= 0xFFFF:
		dst = append(dst, len16Marker)
		dst = binary.BigEndian.AppendUint16(dst, uint16(n))
	default:
		dst = append(dst, len64Marker)
		dst = binary.BigEndian.AppendUint64(dst, uint64(n))
	}
	return append(dst, payload...)
}

// EncodeFrame returns a fresh unmasked frame for payload.
func EncodeFrame(op Opcode, payload []byte) []byte {
	return AppendFrame(make([]byte, 0, len(payload)+MaxHeaderSize), op, payload)
}

// MaskBytes XORs b in place with key, starting at key position 0.
func MaskBytes(key [4]byte, b []byte) {
	for i := range b {
		b[i] ^= key[i%4]
	}
}

// header is a parsed frame header whose payload may not have arrived yet.
type header struct {
	fin        bool
	opcode     Opcode
	masked     bool
	key        [4]byte
	size       int
	payloadLen int
}

// total is the number of bytes the whole frame occupies on the wire.
func (h header) total() int {
	return h.size + h.payloadLen
}

// parseHeader reads a frame header from the front of buf. ok is false when buf
// is too short to hold the complete header.
func parseHeader(buf []byte, maxPayload int) (h header, ok bool, err error) {
	if len(buf) < 2 {
		return h, false, nil
	}

	h.fin = buf[0]&finBit != 0
	h.opcode = Opcode(buf[0] & 0x0F)
	h.masked = buf[1]&maskBit != 0
	h.size = 2

	length := uint64(buf[1] & lenBits)
	switch length {
	case len16Marker:
		if len(buf) < h.size+2 {
			return h, false, nil
		}
		length = uint64(binary.BigEndian.Uint16(buf[h.size:]))
		h.size += 2
	case len64Marker:
		if len(buf) < h.size+8 {
			return h, false, nil
		}
		length = binary.BigEndian.Uint64(buf[h.size:])
		h.size += 8
		if length>>63 != 0 {
			return h, false, fmt.Errorf("%w: 64-bit frame length has the high bit set", ErrProtocol)
		}
	}

	if !h.opcode.valid() {
		return h, false, fmt.Errorf("%w: reserved opcode %#x", ErrProtocol, byte(h.opcode))
	}
	if h.opcode.IsControl() && (!h.fin || length > MaxSmallPayload) {
		return h, false, fmt.Errorf("%w: malformed %s control frame", ErrProtocol, h.opcode)
	}
	if length > uint64(maxPayload) {
		return h, false, fmt.Errorf("%w: frame payload of %d bytes exceeds limit of %d", ErrProtocol, length, maxPayload)
	}
	h.payloadLen = int(length)

	if h.masked {
		if len(buf) < h.size+4 {
			return h, false, nil
		}
		copy(h.key[:], buf[h.size:h.size+4])
		h.size += 4
	}
	return h, true, nil
}
