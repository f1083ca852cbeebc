package lobby

import (
	"os"
	"strconv"
	"time"
)

// Default server settings. All state is in-memory; there is nothing to
// configure beyond the listen address and per-connection limits.
const (
	// DefaultAddr is the default listen address.
	DefaultAddr = "0.0.0.0:5555"
	// DefaultSendBuffer is the default per-connection outbound queue size.
	DefaultSendBuffer = 32
)

// Config holds the server settings.
type Config struct {
	// Addr is the TCP listen address, host:port.
	Addr string
	// IdleTimeout is the per-connection idle window; read and write
	// deadlines are set to twice this value.
	IdleTimeout time.Duration
	// MaxMessageSize bounds a single protocol message in bytes.
	MaxMessageSize int
	// SendBuffer is the per-connection outbound queue size.
	SendBuffer int
	// Logger receives all server logging. Defaults to slog.Default().
	Logger Logger
}

// DefaultConfig returns a Config populated with default values.
func DefaultConfig() Config {
	return Config{
		Addr:           DefaultAddr,
		IdleTimeout:    defaultIdleTimeout,
		MaxMessageSize: defaultMaxPackageLength,
		SendBuffer:     DefaultSendBuffer,
	}
}

// ConfigFromEnv builds a Config from environment variables, falling back to
// defaults for anything unset or unparsable:
//
//	LOBBY_ADDR              listen address, host:port
//	LOBBY_IDLE_TIMEOUT      idle window, Go duration string
//	LOBBY_MAX_MESSAGE_SIZE  message size limit in bytes
//	LOBBY_SEND_BUFFER       outbound queue size per connection
func ConfigFromEnv() Config {
	cfg := DefaultConfig()

	if addr := os.Getenv("LOBBY_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if v := os.Getenv("LOBBY_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.IdleTimeout = d
		}
	}
	if v := os.Getenv("LOBBY_MAX_MESSAGE_SIZE"); v != "" {
		cfg.MaxMessageSize = parsePositiveInt(v, cfg.MaxMessageSize)
	}
	if v := os.Getenv("LOBBY_SEND_BUFFER"); v != "" {
		cfg.SendBuffer = parsePositiveInt(v, cfg.SendBuffer)
	}

	return cfg
}

// withDefaults fills zero values so a partially populated Config is usable.
func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxPackageLength
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = DefaultSendBuffer
	}
	return c
}

func parsePositiveInt(value string, fallback int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return fallback
}
