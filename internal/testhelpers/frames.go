package testhelpers

import (
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/Tyrowin/signal-relay/internal/protocol"
)

// TestMaskKey is the masking key used by MaskedFrame.
var TestMaskKey = [4]byte{0x12, 0x34, 0x56, 0x78}

// MaskedFrame encodes a client-to-server frame with TestMaskKey.
func MaskedFrame(fin bool, op protocol.Opcode, payload []byte) []byte {
	b0 := byte(op)
	if fin {
		b0 |= 0x80
	}
	out := []byte{b0}

	switch n := len(payload); {
	case n <= protocol.MaxSmallPayload:
		out = append(out, 0x80|byte(n))
	case n <= 0xFFFF:
		out = append(out, 0x80|126)
		out = binary.BigEndian.AppendUint16(out, uint16(n))
	default:
		out = append(out, 0x80|127)
		out = binary.BigEndian.AppendUint64(out, uint64(n))
	}
	out = append(out, TestMaskKey[:]...)

	masked := append([]byte(nil), payload...)
	protocol.MaskBytes(TestMaskKey, masked)
	return append(out, masked...)
}

// ReadFrame reads one server frame from c, failing the test if it is masked
// or does not arrive within ReadTimeout.
func (c *RawConn) ReadFrame(t *testing.T) (protocol.Opcode, []byte) {
	t.Helper()

	_ = c.SetReadDeadline(time.Now().Add(ReadTimeout))

	var head [2]byte
	if _, err := io.ReadFull(c.Reader, head[:]); err != nil {
		t.Fatalf("Failed to read frame header: %v", err)
	}
	if head[1]&0x80 != 0 {
		t.Fatalf("Server sent a masked frame")
	}
	if head[0]&0x80 == 0 {
		t.Fatalf("Server sent a fragmented frame")
	}

	length := uint64(head[1] & 0x7F)
	switch length {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(c.Reader, ext[:]); err != nil {
			t.Fatalf("Failed to read extended length: %v", err)
		}
		length = uint64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(c.Reader, ext[:]); err != nil {
			t.Fatalf("Failed to read extended length: %v", err)
		}
		length = binary.BigEndian.Uint64(ext[:])
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(c.Reader, payload); err != nil {
		t.Fatalf("Failed to read payload: %v", err)
	}
	return protocol.Opcode(head[0] & 0x0F), payload
}

// WriteSlowly writes b one byte at a time so the relay sees every possible
// split point.
func (c *RawConn) WriteSlowly(t *testing.T, b []byte) {
	t.Helper()

	for i := range b {
		if _, err := c.Write(b[i : i+1]); err != nil {
			t.Fatalf("Failed to write byte %d: %v", i, err)
		}
		if i%16 == 0 {
			time.Sleep(time.Millisecond)
		}
	}
}
