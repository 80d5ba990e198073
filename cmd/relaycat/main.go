// Command relaycat joins a relay room from the terminal. Each line read from
// stdin is sent to the room as a text message, and everything the relay
// delivers is printed to stdout.
package main

import (
	"bufio"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/signal-relay/internal/protocol"
)

func main() {
	addr := flag.String("url", "ws://localhost:8443/", "relay URL (ws:// or wss://)")
	room := flag.String("room", "", "room to join")
	insecure := flag.Bool("insecure", false, "skip TLS certificate verification")
	flag.Parse()

	target, err := roomURL(*addr, *room)
	if err != nil {
		slog.Error("invalid relay URL", "url", *addr, "error", err)
		os.Exit(2)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: *insecure}, //nolint:gosec // opt-in for self-signed test certificates
	}
	conn, resp, err := dialer.Dial(target, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			slog.Error("handshake rejected", "url", target, "status", resp.Status)
		} else {
			slog.Error("dial failed", "url", target, "error", err)
		}
		os.Exit(1)
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		readLoop(conn)
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				closeGracefully(conn, done)
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
				slog.Error("send failed", "error", err)
				return
			}
		case <-interrupt:
			closeGracefully(conn, done)
			return
		case <-done:
			return
		}
	}
}

func roomURL(base, room string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if room != "" {
		q := u.Query()
		q.Set(protocol.RoomParam, room)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func readLoop(conn *websocket.Conn) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("connection lost", "error", err)
			}
			return
		}
		if messageType == websocket.BinaryMessage {
			fmt.Printf("<binary %d bytes>\n", len(data))
			continue
		}
		fmt.Println(string(data))
	}
}

// closeGracefully sends a close frame and waits briefly for the relay to
// answer it.
func closeGracefully(conn *websocket.Conn, done <-chan struct{}) {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return
	}
	select {
	case <-done:
	case <-time.After(time.Second):
	}
}
