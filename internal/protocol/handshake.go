package protocol

import (
	"bufio"
	"bytes"
	"crypto/sha1" //nolint:gosec // SHA-1 is mandated by RFC 6455 for the accept token.
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
)

// acceptGUID is the fixed GUID from RFC 6455 section 1.3.
const acceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// DefaultMaxRoomIDLength bounds room identifiers carried in the request target.
const DefaultMaxRoomIDLength = 31

// RoomParam is the query parameter naming the room to join.
const RoomParam = "room"

var headerTerminator = []byte("\r\n\r\n")

// Handshake holds the fields of an opening request the relay cares about.
type Handshake struct {
	// Key is the client's Sec-WebSocket-Key token.
	Key string
	// Room is the requested room. It is empty when the parameter is absent.
	Room string
	// HasRoom reports whether the room parameter was present at all.
	HasRoom bool
	// Origin is the Origin header, if any.
	Origin string
	// Target is the raw request target, kept for logging.
	Target string
}

// ParseHandshake extracts the opening handshake from buf.
//
// It returns ErrIncomplete until buf contains the blank line terminating the
// request headers. On success it also returns the number of bytes the request
// occupied; anything after that belongs to the frame stream. A room identifier
// longer than maxRoomLen is rejected rather than truncated. A maxRoomLen of
// zero or less disables the check.
func ParseHandshake(buf []byte, maxRoomLen int) (*Handshake, int, error) {
	end := bytes.Index(buf, headerTerminator)
	if end < 0 {
		return nil, 0, ErrIncomplete
	}
	n := end + len(headerTerminator)

	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(buf[:n])))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: malformed upgrade request: %v", ErrProtocol, err)
	}

	if req.Method != http.MethodGet {
		return nil, 0, fmt.Errorf("%w: upgrade request method %s", ErrProtocol, req.Method)
	}
	if !headerHasToken(req.Header, "Upgrade", "websocket") {
		return nil, 0, fmt.Errorf("%w: missing Upgrade: websocket header", ErrProtocol)
	}

	key := strings.TrimSpace(req.Header.Get("Sec-WebSocket-Key"))
	if key == "" {
		return nil, 0, fmt.Errorf("%w: missing Sec-WebSocket-Key header", ErrProtocol)
	}

	query := req.URL.Query()
	_, hasRoom := query[RoomParam]
	room := query.Get(RoomParam)
	if maxRoomLen > 0 && len(room) > maxRoomLen {
		return nil, 0, fmt.Errorf("%w: room identifier is %d bytes, limit is %d", ErrProtocol, len(room), maxRoomLen)
	}

	return &Handshake{
		Key:     key,
		Room:    room,
		HasRoom: hasRoom,
		Origin:  req.Header.Get("Origin"),
		Target:  req.RequestURI,
	}, n, nil
}

// AcceptKey computes the Sec-WebSocket-Accept value for a client key.
func AcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(acceptGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// Response renders the 101 Switching Protocols reply for h.
func (h *Handshake) Response() []byte {
	return []byte("HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + AcceptKey(h.Key) + "\r\n" +
		"Access-Control-Allow-Origin: *\r\n" +
		"\r\n")
}

// RejectResponse renders a bodiless HTTP error reply written before closing a
// connection whose handshake failed.
func RejectResponse(status int) []byte {
	return []byte(fmt.Sprintf("HTTP/1.1 %d %s\r\nConnection: close\r\nContent-Length: 0\r\n\r\n",
		status, http.StatusText(status)))
}

func headerHasToken(header http.Header, name, token string) bool {
	for _, value := range header.Values(name) {
		for _, part := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}
