// Package server defines the connection error taxonomy and helpers shared by
// the connection pumps and the accept loop.
package server

import (
	"errors"
	"io"
	"net"
	"strings"

	"github.com/Tyrowin/signal-relay/internal/protocol"
)

// Error kinds a connection can end with. They are matched with errors.Is.
var (
	// ErrProtocol is a malformed handshake or frame, or a handshake that
	// did not finish in time.
	ErrProtocol = protocol.ErrProtocol
	// ErrTransport is a read or write failure, including EOF and resets.
	ErrTransport = errors.New("transport error")
	// ErrPayload is a message whose content could not be interpreted. It
	// only drops that message.
	ErrPayload = errors.New("payload error")
	// ErrCapacity is a connection, buffer or send queue limit being hit.
	ErrCapacity = errors.New("capacity error")
)

var (
	errPeerClosed = errors.New("peer sent close frame")
	errShutdown   = errors.New("server shutting down")
)

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "connection reset by peer") ||
		strings.Contains(errStr, "broken pipe")
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
