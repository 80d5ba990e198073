// Package testhelpers provides common utilities for testing the signaling relay.
//
// It starts relays on loopback listeners, connects WebSocket clients to them
// and reads the JSON notifications the relay injects, so tests do not repeat
// that plumbing.
package testhelpers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/signal-relay/internal/protocol"
	"github.com/Tyrowin/signal-relay/internal/relay"
	"github.com/Tyrowin/signal-relay/internal/server"
)

// TestOrigin is the Origin header sent by ConnectWebSocket.
const TestOrigin = "http://localhost:8080"

// ReadTimeout bounds every read made through these helpers.
const ReadTimeout = 5 * time.Second

// Relay is a relay server listening on a loopback port for one test.
type Relay struct {
	Server *server.Server
	Addr   string
}

// StartRelay runs a relay on 127.0.0.1 with default settings, adjusted by
// customize when it is not nil. The relay is shut down when the test ends.
func StartRelay(t *testing.T, customize func(*server.Config)) *Relay {
	t.Helper()

	cfg := server.NewConfig()
	cfg.Addr = "127.0.0.1:0"
	if customize != nil {
		customize(cfg)
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	return ServeOn(t, ln, *cfg)
}

// ServeOn runs a relay with cfg on an existing listener, such as a TLS one.
func ServeOn(t *testing.T, ln net.Listener, cfg server.Config) *Relay {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := server.New(cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ctx, ln)
	}()

	t.Cleanup(func() {
		cancel()
		_ = srv.Shutdown(5 * time.Second)
		if err := <-done; err != nil {
			t.Errorf("Serve returned error: %v", err)
		}
	})

	return &Relay{Server: srv, Addr: ln.Addr().String()}
}

// RoomURL returns the WebSocket URL joining room on r.
func (r *Relay) RoomURL(room string) string {
	return r.QueryURL(url.Values{protocol.RoomParam: {room}})
}

// BaseURL returns a WebSocket URL without a room parameter.
func (r *Relay) BaseURL() string {
	return "ws://" + r.Addr + "/"
}

// Dial opens a WebSocket connection with the gorilla client. The response is
// returned even when the handshake fails so tests can inspect the status.
func Dial(rawURL string, header http.Header) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}
	conn, resp, err := dialer.Dial(rawURL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// ConnectWebSocket connects to rawURL with a test Origin header and fails
// the test on error. The connection is closed when the test ends.
func ConnectWebSocket(t *testing.T, rawURL string) *websocket.Conn {
	t.Helper()

	headers := http.Header{}
	headers.Set("Origin", TestOrigin)

	conn, _, err := Dial(rawURL, headers)
	if err != nil {
		t.Fatalf("Failed to connect to %s: %v", rawURL, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// JoinRoom connects to room and consumes the peers notification, returning
// the member count it carried.
func JoinRoom(t *testing.T, r *Relay, room string) (*websocket.Conn, int) {
	t.Helper()

	conn := ConnectWebSocket(t, r.RoomURL(room))
	env := ExpectEnvelope(t, conn, relay.TypePeers)
	return conn, env.Count
}

// ReadMessage reads one message, failing the test after ReadTimeout.
func ReadMessage(t *testing.T, conn *websocket.Conn) (int, []byte) {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(ReadTimeout))
	messageType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	return messageType, data
}

// ReadEnvelope reads one text message and decodes its envelope.
func ReadEnvelope(t *testing.T, conn *websocket.Conn) relay.Envelope {
	t.Helper()

	messageType, data := ReadMessage(t, conn)
	if messageType != websocket.TextMessage {
		t.Fatalf("Expected text message, got type %d", messageType)
	}
	var env relay.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("Failed to decode %q: %v", data, err)
	}
	return env
}

// ExpectEnvelope reads one message and fails unless its type is wantType.
func ExpectEnvelope(t *testing.T, conn *websocket.Conn, wantType string) relay.Envelope {
	t.Helper()

	env := ReadEnvelope(t, conn)
	if env.Type != wantType {
		t.Fatalf("Expected %q notification, got %+v", wantType, env)
	}
	return env
}

// ExpectNoMessage fails if a message arrives within wait.
func ExpectNoMessage(t *testing.T, conn *websocket.Conn, wait time.Duration) {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(wait))
	_, data, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("Expected no message, got %q", data)
	}
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("Expected read timeout, got %v", err)
	}
}

// ExpectClosed fails unless the relay closes conn within ReadTimeout.
func ExpectClosed(t *testing.T, conn *websocket.Conn) {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(ReadTimeout))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			t.Fatalf("Connection still open after %s", ReadTimeout)
		}
		return
	}
}

// CloseWebSocket sends a normal close frame and closes the connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}

// RawConn is a plain TCP connection for driving the relay byte by byte.
type RawConn struct {
	net.Conn
	Reader *bufio.Reader
}

// DialRaw opens a TCP connection to r without performing a handshake.
func DialRaw(t *testing.T, r *Relay) *RawConn {
	t.Helper()

	conn, err := net.DialTimeout("tcp", r.Addr, 5*time.Second)
	if err != nil {
		t.Fatalf("Failed to dial %s: %v", r.Addr, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &RawConn{Conn: conn, Reader: bufio.NewReader(conn)}
}

// UpgradeRequest renders a minimal opening handshake for target.
func UpgradeRequest(target, key string) string {
	return "GET " + target + " HTTP/1.1\r\n" +
		"Host: localhost\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: " + key + "\r\n" +
		"Sec-WebSocket-Version: 13\r\n" +
		"\r\n"
}

// ReadResponse reads the relay's HTTP reply to a handshake.
func (c *RawConn) ReadResponse(t *testing.T) *http.Response {
	t.Helper()

	_ = c.SetReadDeadline(time.Now().Add(ReadTimeout))
	resp, err := http.ReadResponse(c.Reader, nil)
	if err != nil {
		t.Fatalf("Failed to read handshake response: %v", err)
	}
	return resp
}

// WaitFor polls cond until it holds or timeout passes.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Condition not met within %s", timeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// QueryURL builds a relay URL with arbitrary query values, for tests that
// need a malformed or missing room.
func (r *Relay) QueryURL(values url.Values) string {
	return "ws://" + r.Addr + "/?" + values.Encode()
}
