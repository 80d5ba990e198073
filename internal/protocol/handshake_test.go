package protocol

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleKey = "dGhlIHNhbXBsZSBub25jZQ=="

func upgradeRequest(target string, extra ...string) string {
	lines := []string{
		"GET " + target + " HTTP/1.1",
		"Host: relay.example",
		"Upgrade: websocket",
		"Connection: Upgrade",
		"Sec-WebSocket-Version: 13",
	}
	lines = append(lines, extra...)
	return strings.Join(lines, "\r\n") + "\r\n\r\n"
}

func TestAcceptKey(t *testing.T) {
	// Example from RFC 6455 section 1.3.
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", AcceptKey(sampleKey))
}

func TestParseHandshake(t *testing.T) {
	tests := []struct {
		name     string
		request  string
		wantRoom string
		hasRoom  bool
		wantErr  error
	}{
		{
			name:     "room from query",
			request:  upgradeRequest("/?room=abc", "Sec-WebSocket-Key: "+sampleKey),
			wantRoom: "abc",
			hasRoom:  true,
		},
		{
			name:     "room is case sensitive and path is ignored",
			request:  upgradeRequest("/signal?room=AbC&x=1", "Sec-WebSocket-Key: "+sampleKey),
			wantRoom: "AbC",
			hasRoom:  true,
		},
		{
			name:     "missing room defaults to empty",
			request:  upgradeRequest("/", "Sec-WebSocket-Key: "+sampleKey),
			wantRoom: "",
		},
		{
			name:     "room of exactly the limit",
			request:  upgradeRequest("/?room="+strings.Repeat("r", DefaultMaxRoomIDLength), "Sec-WebSocket-Key: "+sampleKey),
			wantRoom: strings.Repeat("r", DefaultMaxRoomIDLength),
			hasRoom:  true,
		},
		{
			name:    "room over the limit is rejected",
			request: upgradeRequest("/?room="+strings.Repeat("r", DefaultMaxRoomIDLength+1), "Sec-WebSocket-Key: "+sampleKey),
			wantErr: ErrProtocol,
		},
		{
			name:    "missing key",
			request: upgradeRequest("/?room=abc"),
			wantErr: ErrProtocol,
		},
		{
			name:    "not an upgrade",
			request: "GET /?room=abc HTTP/1.1\r\nHost: x\r\nSec-WebSocket-Key: " + sampleKey + "\r\n\r\n",
			wantErr: ErrProtocol,
		},
		{
			name:    "wrong method",
			request: strings.Replace(upgradeRequest("/", "Sec-WebSocket-Key: "+sampleKey), "GET", "POST", 1),
			wantErr: ErrProtocol,
		},
		{
			name:    "garbage request line",
			request: "\x16\x03\x01 hello\r\n\r\n",
			wantErr: ErrProtocol,
		},
		{
			name:    "terminator not yet received",
			request: "GET /?room=abc HTTP/1.1\r\nSec-WebSocket-Key: " + sampleKey + "\r\n",
			wantErr: ErrIncomplete,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hs, n, err := ParseHandshake([]byte(tt.request), DefaultMaxRoomIDLength)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, len(tt.request), n)
			assert.Equal(t, sampleKey, hs.Key)
			assert.Equal(t, tt.wantRoom, hs.Room)
			assert.Equal(t, tt.hasRoom, hs.HasRoom)
		})
	}
}

func TestIncompleteIsNotFatal(t *testing.T) {
	_, _, err := ParseHandshake([]byte("GET / HTTP/1.1\r\n"), DefaultMaxRoomIDLength)
	require.ErrorIs(t, err, ErrIncomplete)
	assert.False(t, errors.Is(err, ErrProtocol))
}

func TestParseHandshakeKeepsPipelinedBytes(t *testing.T) {
	req := upgradeRequest("/?room=abc", "Sec-WebSocket-Key: "+sampleKey, "Origin: https://app.example")
	buf := append([]byte(req), 0x81, 0x80, 1, 2, 3, 4)

	hs, n, err := ParseHandshake(buf, DefaultMaxRoomIDLength)
	require.NoError(t, err)
	assert.Equal(t, len(req), n)
	assert.Equal(t, "https://app.example", hs.Origin)
	assert.Equal(t, []byte{0x81, 0x80, 1, 2, 3, 4}, buf[n:])
}

func TestParseHandshakeWithoutRoomLimit(t *testing.T) {
	long := strings.Repeat("x", 200)
	hs, _, err := ParseHandshake([]byte(upgradeRequest("/?room="+long, "Sec-WebSocket-Key: "+sampleKey)), 0)
	require.NoError(t, err)
	assert.Equal(t, long, hs.Room)
}

func TestHandshakeResponse(t *testing.T) {
	hs := &Handshake{Key: sampleKey}
	resp := string(hs.Response())

	assert.True(t, strings.HasPrefix(resp, "HTTP/1.1 101 Switching Protocols\r\n"))
	assert.Contains(t, resp, "Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=\r\n")
	assert.Contains(t, resp, "Upgrade: websocket\r\n")
	assert.True(t, strings.HasSuffix(resp, "\r\n\r\n"))
}

func TestRejectResponse(t *testing.T) {
	assert.Equal(t, "HTTP/1.1 400 Bad Request\r\nConnection: close\r\nContent-Length: 0\r\n\r\n",
		string(RejectResponse(400)))
}
