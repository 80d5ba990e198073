package protocol

import "errors"

// Error kinds reported by the codec. Specific causes wrap one of these and
// are matched with errors.Is.
var (
	// ErrProtocol marks a malformed handshake or frame. It is fatal for the
	// connection.
	ErrProtocol = errors.New("protocol error")

	// ErrIncomplete means the buffer does not yet hold a full handshake.
	// Callers retry once more bytes arrive. It does not wrap ErrProtocol.
	ErrIncomplete = errors.New("incomplete handshake")

	// ErrBufferFull is returned when feeding the decoder would exceed its
	// capacity bound.
	ErrBufferFull = errors.New("receive buffer full")
)
