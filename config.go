package stcp

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultCongestionWindow is the static send ceiling in bytes.
	DefaultCongestionWindow = 3072

	// DefaultIdleTimeout ends a connection when no event arrives for this long.
	DefaultIdleTimeout = 90 * time.Second

	// DefaultHandshakeTimeout bounds each handshake attempt.
	DefaultHandshakeTimeout = 5 * time.Second

	// DefaultHandshakeRetries is the number of extra SYN or SYN-ACK transmissions.
	DefaultHandshakeRetries = 3

	// DefaultBufferSize is the default capacity of the send and receive buffers.
	DefaultBufferSize = 64 * 1024

	// DefaultInboundQueue is the number of datagrams queued ahead of the event loop.
	DefaultInboundQueue = 64
)

// Config holds the tunables of a connection or listener.
type Config struct {
	// MSS is the largest payload per segment, at most MaxSegmentSize.
	MSS int `yaml:"mss"`

	// CongestionWindow caps the peer's advertised window and is the window
	// value stamped on every outgoing segment. Must exceed MSS.
	CongestionWindow uint16 `yaml:"congestion_window"`

	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	HandshakeRetries int           `yaml:"handshake_retries"`

	// FixedISN makes every initial sequence number 1. For tests and captures.
	FixedISN bool `yaml:"fixed_isn"`
	// ISNSeed seeds the ISN generator; 0 draws a seed from crypto/rand.
	ISNSeed uint64 `yaml:"isn_seed"`

	SendBufferSize int `yaml:"send_buffer_size"`
	RecvBufferSize int `yaml:"recv_buffer_size"`
	InboundQueue   int `yaml:"inbound_queue"`

	// LogLevel is a zerolog level name. Applied by callers via ZerologLevel.
	LogLevel string `yaml:"log_level"`

	Limits     *ConnectionLimitsConfig `yaml:"limits"`
	AccessList *AccessListConfig       `yaml:"access_list"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		MSS:              MaxSegmentSize,
		CongestionWindow: DefaultCongestionWindow,
		IdleTimeout:      DefaultIdleTimeout,
		HandshakeTimeout: DefaultHandshakeTimeout,
		HandshakeRetries: DefaultHandshakeRetries,
		SendBufferSize:   DefaultBufferSize,
		RecvBufferSize:   DefaultBufferSize,
		InboundQueue:     DefaultInboundQueue,
		LogLevel:         zerolog.InfoLevel.String(),
		Limits:           DefaultConnectionLimitsConfig(),
		AccessList:       DefaultAccessListConfig(),
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.MSS <= 0 || c.MSS > MaxSegmentSize:
		return fmt.Errorf("mss must be in [1, %d], got %d", MaxSegmentSize, c.MSS)
	case int(c.CongestionWindow) <= c.MSS:
		return fmt.Errorf("congestion_window %d must exceed mss %d", c.CongestionWindow, c.MSS)
	case c.IdleTimeout <= 0:
		return errors.New("idle_timeout must be positive")
	case c.HandshakeTimeout <= 0:
		return errors.New("handshake_timeout must be positive")
	case c.HandshakeRetries < 0:
		return errors.New("handshake_retries must not be negative")
	case c.SendBufferSize < c.MSS:
		return fmt.Errorf("send_buffer_size %d must hold at least one segment", c.SendBufferSize)
	case c.RecvBufferSize < c.MSS:
		return fmt.Errorf("recv_buffer_size %d must hold at least one segment", c.RecvBufferSize)
	case c.InboundQueue <= 0:
		return errors.New("inbound_queue must be positive")
	}
	if _, err := c.ZerologLevel(); err != nil {
		return err
	}
	return nil
}

// ZerologLevel parses LogLevel. An empty level means info.
func (c *Config) ZerologLevel() (zerolog.Level, error) {
	if c.LogLevel == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// ParseConfig decodes YAML over DefaultConfig and validates the result.
// Durations use Go syntax ("30s", "1m30s").
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Limits == nil {
		cfg.Limits = DefaultConnectionLimitsConfig()
	}
	if cfg.AccessList == nil {
		cfg.AccessList = DefaultAccessListConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads and parses a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

// UnmarshalYAML accepts "disabled", "allowlist" or "denylist".
func (m *AccessListMode) UnmarshalYAML(value *yaml.Node) error {
	var name string
	if err := value.Decode(&name); err != nil {
		return err
	}
	for _, mode := range []AccessListMode{AccessListModeDisabled, AccessListModeAllowlist, AccessListModeDenylist} {
		if strings.EqualFold(name, mode.String()) {
			*m = mode
			return nil
		}
	}
	return fmt.Errorf("unknown access list mode %q", name)
}

// MarshalYAML writes the mode by name.
func (m AccessListMode) MarshalYAML() (interface{}, error) {
	return m.String(), nil
}

// UnmarshalYAML accepts "reset" or "drop".
func (a *LimitAction) UnmarshalYAML(value *yaml.Node) error {
	var name string
	if err := value.Decode(&name); err != nil {
		return err
	}
	for _, action := range []LimitAction{LimitActionReset, LimitActionDrop} {
		if strings.EqualFold(name, action.String()) {
			*a = action
			return nil
		}
	}
	return fmt.Errorf("unknown limit action %q", name)
}

// MarshalYAML writes the action by name.
func (a LimitAction) MarshalYAML() (interface{}, error) {
	return a.String(), nil
}
