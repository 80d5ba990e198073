// Package server provides configuration helpers that define runtime defaults,
// validation, and resource bounds for the signaling relay.
package server

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Tyrowin/signal-relay/internal/protocol"
)

// Config holds the relay's runtime settings.
type Config struct {
	// Addr is the TCP listen address.
	Addr string
	// TLSCertFile and TLSKeyFile enable TLS when both are set.
	TLSCertFile string
	TLSKeyFile  string
	// AllowedOrigins lists browser origins allowed to connect. "*" allows
	// any origin. Requests without an Origin header are always accepted.
	AllowedOrigins []string

	// MaxConnections bounds concurrently open connections. Extra accepts are
	// closed immediately.
	MaxConnections int
	// MaxBufferSize bounds a connection's receive buffer. It is raised so
	// that one frame of MaxMessageSize always fits.
	MaxBufferSize int
	// MaxMessageSize bounds a single frame payload and a reassembled
	// fragmented message.
	MaxMessageSize int
	// MaxRoomIDLength bounds room identifiers. Longer ones are rejected.
	MaxRoomIDLength int
	// SendQueueSize bounds the outbound frames queued per connection. A peer
	// whose queue overflows is disconnected.
	SendQueueSize int

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// PingInterval is how often open connections are pinged; PongWait is
	// how long a connection may stay silent before it is dropped.
	PingInterval time.Duration
	PongWait     time.Duration

	// RequireRoom rejects handshakes that carry no room parameter instead of
	// placing them in the empty-string room.
	RequireRoom bool
	// ValidateJSON drops text messages that are not JSON objects.
	ValidateJSON bool
}

func defaultConfig() Config {
	return Config{
		Addr:             ":8443",
		AllowedOrigins:   []string{"*"},
		MaxConnections:   256,
		MaxBufferSize:    4096,
		MaxMessageSize:   64 * 1024,
		MaxRoomIDLength:  protocol.DefaultMaxRoomIDLength,
		SendQueueSize:    256,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		PingInterval:     54 * time.Second,
		PongWait:         60 * time.Second,
	}
}

// sanitize replaces unusable values with defaults.
func sanitize(cfg Config) Config {
	def := defaultConfig()

	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.MaxBufferSize <= 0 {
		cfg.MaxBufferSize = def.MaxBufferSize
	}
	if cfg.MaxBufferSize < cfg.MaxMessageSize+protocol.MaxHeaderSize {
		cfg.MaxBufferSize = cfg.MaxMessageSize + protocol.MaxHeaderSize
	}
	if cfg.MaxRoomIDLength <= 0 {
		cfg.MaxRoomIDLength = def.MaxRoomIDLength
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = def.SendQueueSize
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.PongWait {
		cfg.PingInterval = cfg.PongWait * 9 / 10
	}
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// TLSEnabled reports whether both TLS files are configured.
func (c Config) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set or
// cannot be parsed.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()

	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Addr = port
	}
	cfg.TLSCertFile = os.Getenv("TLS_CERT_FILE")
	cfg.TLSKeyFile = os.Getenv("TLS_KEY_FILE")

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}

	cfg.MaxConnections = parseIntValue(os.Getenv("MAX_CONNECTIONS"), cfg.MaxConnections)
	cfg.MaxBufferSize = parseIntValue(os.Getenv("MAX_BUFFER_SIZE"), cfg.MaxBufferSize)
	cfg.MaxMessageSize = parseIntValue(os.Getenv("MAX_MESSAGE_SIZE"), cfg.MaxMessageSize)
	cfg.MaxRoomIDLength = parseIntValue(os.Getenv("MAX_ROOM_ID_LENGTH"), cfg.MaxRoomIDLength)
	cfg.SendQueueSize = parseIntValue(os.Getenv("SEND_QUEUE_SIZE"), cfg.SendQueueSize)

	cfg.HandshakeTimeout = parseSeconds(os.Getenv("HANDSHAKE_TIMEOUT"), cfg.HandshakeTimeout)
	cfg.WriteTimeout = parseSeconds(os.Getenv("WRITE_TIMEOUT"), cfg.WriteTimeout)

	cfg.RequireRoom = parseBool(os.Getenv("REQUIRE_ROOM"), cfg.RequireRoom)
	cfg.ValidateJSON = parseBool(os.Getenv("VALIDATE_JSON"), cfg.ValidateJSON)

	return &cfg
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func parseSeconds(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}

func parseBool(value string, defaultValue bool) bool {
	if parsed, err := strconv.ParseBool(value); err == nil {
		return parsed
	}
	return defaultValue
}
