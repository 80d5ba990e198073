package server_test

import (
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/signal-relay/internal/protocol"
	"github.com/Tyrowin/signal-relay/internal/relay"
	"github.com/Tyrowin/signal-relay/internal/server"
	"github.com/Tyrowin/signal-relay/internal/testhelpers"
)

const testKey = "dGhlIHNhbXBsZSBub25jZQ=="

func TestRoomIDLength(t *testing.T) {
	r := testhelpers.StartRelay(t, nil)

	tests := []struct {
		name       string
		room       string
		wantStatus int
	}{
		{"at limit", strings.Repeat("r", protocol.DefaultMaxRoomIDLength), http.StatusSwitchingProtocols},
		{"over limit", strings.Repeat("r", protocol.DefaultMaxRoomIDLength+1), http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, resp, err := testhelpers.Dial(r.RoomURL(tt.room), nil)
			require.NotNil(t, resp)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)

			if tt.wantStatus == http.StatusSwitchingProtocols {
				require.NoError(t, err)
				testhelpers.ExpectEnvelope(t, conn, relay.TypePeers)
				require.NoError(t, testhelpers.CloseWebSocket(conn))
				return
			}
			assert.ErrorIs(t, err, websocket.ErrBadHandshake)
			assert.False(t, r.Server.Registry().Exists(tt.room))
		})
	}
}

func TestHandshakeAcrossArbitrarySplits(t *testing.T) {
	r := testhelpers.StartRelay(t, nil)

	peer, _ := testhelpers.JoinRoom(t, r, "split")

	raw := testhelpers.DialRaw(t, r)
	raw.WriteSlowly(t, []byte(testhelpers.UpgradeRequest("/?room=split", testKey)))

	resp := raw.ReadResponse(t)
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	assert.Equal(t, protocol.AcceptKey(testKey), resp.Header.Get("Sec-WebSocket-Accept"))
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", resp.Header.Get("Sec-WebSocket-Accept"))

	op, payload := raw.ReadFrame(t)
	assert.Equal(t, protocol.OpText, op)
	assert.JSONEq(t, `{"type":"peers","count":2}`, string(payload))
	testhelpers.ExpectEnvelope(t, peer, relay.TypeJoin)

	// A frame trickling in byte by byte is still relayed whole.
	msg := []byte(`{"type":"answer","sdp":"` + strings.Repeat("x", 300) + `"}`)
	raw.WriteSlowly(t, testhelpers.MaskedFrame(true, protocol.OpText, msg))

	_, data := testhelpers.ReadMessage(t, peer)
	assert.Equal(t, msg, data)
}

func TestFramePipelinedWithHandshake(t *testing.T) {
	r := testhelpers.StartRelay(t, nil)

	peer, _ := testhelpers.JoinRoom(t, r, "pipe")

	msg := []byte(`{"type":"offer"}`)
	raw := testhelpers.DialRaw(t, r)
	request := []byte(testhelpers.UpgradeRequest("/?room=pipe", testKey))
	_, err := raw.Write(append(request, testhelpers.MaskedFrame(true, protocol.OpText, msg)...))
	require.NoError(t, err)

	resp := raw.ReadResponse(t)
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	testhelpers.ExpectEnvelope(t, peer, relay.TypeJoin)
	_, data := testhelpers.ReadMessage(t, peer)
	assert.Equal(t, msg, data)
}

func TestFragmentedMessageWithInterleavedPing(t *testing.T) {
	r := testhelpers.StartRelay(t, nil)

	peer, _ := testhelpers.JoinRoom(t, r, "frag")

	raw := testhelpers.DialRaw(t, r)
	_, err := raw.Write([]byte(testhelpers.UpgradeRequest("/?room=frag", testKey)))
	require.NoError(t, err)
	raw.ReadResponse(t)
	raw.ReadFrame(t) // peers
	testhelpers.ExpectEnvelope(t, peer, relay.TypeJoin)

	var frames []byte
	frames = append(frames, testhelpers.MaskedFrame(false, protocol.OpText, []byte("hel"))...)
	frames = append(frames, testhelpers.MaskedFrame(true, protocol.OpPing, []byte("p"))...)
	frames = append(frames, testhelpers.MaskedFrame(false, protocol.OpContinuation, []byte("lo "))...)
	frames = append(frames, testhelpers.MaskedFrame(true, protocol.OpContinuation, []byte("world"))...)
	_, err = raw.Write(frames)
	require.NoError(t, err)

	op, payload := raw.ReadFrame(t)
	assert.Equal(t, protocol.OpPong, op)
	assert.Equal(t, []byte("p"), payload)

	messageType, data := testhelpers.ReadMessage(t, peer)
	assert.Equal(t, websocket.TextMessage, messageType)
	assert.Equal(t, "hello world", string(data))
}

func TestMalformedHandshakeRejected(t *testing.T) {
	r := testhelpers.StartRelay(t, nil)

	tests := []struct {
		name    string
		request string
	}{
		{"not websocket", "GET /?room=x HTTP/1.1\r\nHost: localhost\r\n\r\n"},
		{"missing key", "GET /?room=x HTTP/1.1\r\nHost: localhost\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n"},
		{"wrong method", strings.Replace(testhelpers.UpgradeRequest("/?room=x", testKey), "GET", "POST", 1)},
		{"garbage", "\x16\x03\x01 not http at all\r\n\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := testhelpers.DialRaw(t, r)
			_, err := raw.Write([]byte(tt.request))
			require.NoError(t, err)

			resp := raw.ReadResponse(t)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

			_, err = io.ReadAll(raw.Reader)
			assert.NoError(t, err, "connection should be closed after rejection")
		})
	}

	testhelpers.WaitFor(t, 2*time.Second, func() bool {
		return r.Server.Connections() == 0
	})
}

func TestHandshakeTimeout(t *testing.T) {
	r := testhelpers.StartRelay(t, func(cfg *server.Config) {
		cfg.HandshakeTimeout = 100 * time.Millisecond
	})

	raw := testhelpers.DialRaw(t, r)
	_, err := raw.Write([]byte("GET /?room=late HTTP/1.1\r\n"))
	require.NoError(t, err)

	start := time.Now()
	_ = raw.SetReadDeadline(time.Now().Add(testhelpers.ReadTimeout))
	_, err = io.ReadAll(raw.Reader)
	assert.NoError(t, err, "relay should close the stalled connection")
	assert.Less(t, time.Since(start), testhelpers.ReadTimeout)

	testhelpers.WaitFor(t, 2*time.Second, func() bool {
		return r.Server.Connections() == 0
	})
	assert.False(t, r.Server.Registry().Exists("late"))
}

func TestConnectionLimit(t *testing.T) {
	r := testhelpers.StartRelay(t, func(cfg *server.Config) {
		cfg.MaxConnections = 2
	})

	a, _ := testhelpers.JoinRoom(t, r, "full")
	testhelpers.JoinRoom(t, r, "full")
	testhelpers.ExpectEnvelope(t, a, relay.TypeJoin)

	_, _, err := testhelpers.Dial(r.RoomURL("full"), nil)
	require.Error(t, err, "third connection must be refused")
	assert.Equal(t, 2, r.Server.Registry().Members("full"))

	require.NoError(t, testhelpers.CloseWebSocket(a))
	testhelpers.WaitFor(t, 2*time.Second, func() bool {
		return r.Server.Connections() == 1
	})

	_, count := testhelpers.JoinRoom(t, r, "full")
	assert.Equal(t, 2, count, "a freed slot can be reused")
}

func TestOversizedFrameClosesConnection(t *testing.T) {
	r := testhelpers.StartRelay(t, func(cfg *server.Config) {
		cfg.MaxMessageSize = 1024
	})

	a, _ := testhelpers.JoinRoom(t, r, "limit")
	b, _ := testhelpers.JoinRoom(t, r, "limit")
	testhelpers.ExpectEnvelope(t, a, relay.TypeJoin)

	require.NoError(t, b.WriteMessage(websocket.TextMessage, make([]byte, 2000)))
	testhelpers.ExpectClosed(t, b)

	testhelpers.ExpectEnvelope(t, a, relay.TypeLeave)
	assert.Equal(t, 1, r.Server.Registry().Members("limit"))
}

func TestOriginPolicyDuringHandshake(t *testing.T) {
	r := testhelpers.StartRelay(t, func(cfg *server.Config) {
		cfg.AllowedOrigins = []string{"https://app.example"}
	})

	tests := []struct {
		name       string
		origin     string
		wantStatus int
	}{
		{"allowed origin", "https://app.example", http.StatusSwitchingProtocols},
		{"no origin", "", http.StatusSwitchingProtocols},
		{"foreign origin", testhelpers.TestOrigin, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.origin != "" {
				header.Set("Origin", tt.origin)
			}

			conn, resp, err := testhelpers.Dial(r.RoomURL("origins"), header)
			require.NotNil(t, resp)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			if err == nil {
				require.NoError(t, conn.Close())
			}
		})
	}
}

func TestRequireRoom(t *testing.T) {
	r := testhelpers.StartRelay(t, func(cfg *server.Config) {
		cfg.RequireRoom = true
	})

	_, resp, err := testhelpers.Dial(r.BaseURL(), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// An explicitly empty room is still a room.
	conn, _, err := testhelpers.Dial(r.QueryURL(url.Values{protocol.RoomParam: {""}}), nil)
	require.NoError(t, err)
	env := testhelpers.ExpectEnvelope(t, conn, relay.TypePeers)
	assert.Equal(t, 1, env.Count)
	require.NoError(t, conn.Close())
}

func TestValidateJSON(t *testing.T) {
	r := testhelpers.StartRelay(t, func(cfg *server.Config) {
		cfg.ValidateJSON = true
	})

	a, _ := testhelpers.JoinRoom(t, r, "json")
	b, _ := testhelpers.JoinRoom(t, r, "json")
	testhelpers.ExpectEnvelope(t, a, relay.TypeJoin)

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte("plain text")))
	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte("null")))
	require.NoError(t, a.WriteMessage(websocket.BinaryMessage, []byte{0x01}))
	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{"type":1}`)))
	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{"type":"offer"}`)))

	messageType, data := testhelpers.ReadMessage(t, b)
	assert.Equal(t, websocket.BinaryMessage, messageType, "binary frames are not validated")
	assert.Equal(t, []byte{0x01}, data)

	_, data = testhelpers.ReadMessage(t, b)
	assert.Equal(t, `{"type":1}`, string(data), "peer field types are not checked")

	_, data = testhelpers.ReadMessage(t, b)
	assert.Equal(t, `{"type":"offer"}`, string(data))
}
