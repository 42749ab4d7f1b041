package wasession

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/opd-ai/wasession/clock"
	"github.com/opd-ai/wasession/crypto"
	"github.com/opd-ai/wasession/devices"
	"github.com/opd-ai/wasession/events"
	wanoise "github.com/opd-ai/wasession/noise"
	"github.com/opd-ai/wasession/reconnect"
	"github.com/opd-ai/wasession/signal"
	"github.com/opd-ai/wasession/transport"
)

// Defaults used by DefaultConfig.
const (
	DefaultServerURL       = "wss://web.whatsapp.com/ws/chat"
	DefaultOrigin          = "https://web.whatsapp.com"
	DefaultHeader          = "57410603"
	DefaultPreKeyThreshold = 10
)

// ReconnectConfig is the backoff policy of the reconnection controller.
type ReconnectConfig struct {
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	Multiplier float64       `yaml:"multiplier"`
	// StableAfter is how long a connection must hold before the attempt
	// counter resets.
	StableAfter time.Duration `yaml:"stable_after"`
}

// Config configures a Client. Durations are written as strings ("30s") in
// YAML.
type Config struct {
	// ServerURL selects a WebSocket connection. It takes precedence over
	// ServerAddress.
	ServerURL string `yaml:"server_url"`
	// ServerAddress selects a plain TCP connection ("host:port").
	ServerAddress string `yaml:"server_address"`
	// Origin is sent with the WebSocket upgrade request.
	Origin string `yaml:"origin"`
	// Header is the hex-encoded connection header written before the first
	// frame. It is also the Noise prologue.
	Header string `yaml:"header"`

	NoisePattern string `yaml:"noise_pattern"`
	NoiseSuite   string `yaml:"noise_suite"`
	// ServerStaticKey is the hex-encoded static key of the server. It is
	// required for IK and pins the server key for XX when set.
	ServerStaticKey string `yaml:"server_static_key"`

	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	QueryTimeout      time.Duration `yaml:"query_timeout"`
	KeepAliveInterval time.Duration `yaml:"keepalive_interval"`
	KeepAliveTimeout  time.Duration `yaml:"keepalive_timeout"`
	Compress          bool          `yaml:"compress"`

	DeviceCacheSize     int           `yaml:"device_cache_size"`
	DeviceTTL           time.Duration `yaml:"device_ttl"`
	DeviceLookupTimeout time.Duration `yaml:"device_lookup_timeout"`

	SyncCeiling       time.Duration `yaml:"sync_ceiling"`
	MaxBufferedEvents int           `yaml:"max_buffered_events"`
	EventQueueSize    int           `yaml:"event_queue_size"`

	MaxSkip          int `yaml:"max_skip"`
	MaxStoredSkipped int `yaml:"max_stored_skipped"`
	// PreKeyThreshold triggers a pre-key upload when the server holds
	// fewer one-time pre-keys.
	PreKeyThreshold int `yaml:"prekey_threshold"`

	Reconnect ReconnectConfig `yaml:"reconnect"`

	PushName string `yaml:"push_name"`
	// LogLevel applies when Logger is nil.
	LogLevel string `yaml:"log_level"`

	// Dialer overrides ServerURL and ServerAddress.
	Dialer transport.Dialer   `yaml:"-"`
	Clock  clock.Clock        `yaml:"-"`
	Logger logrus.FieldLogger `yaml:"-"`
}

// DefaultConfig returns a Config with every field set to its default.
func DefaultConfig() Config {
	policy := reconnect.DefaultPolicy()
	return Config{
		ServerURL:           DefaultServerURL,
		Origin:              DefaultOrigin,
		Header:              DefaultHeader,
		NoisePattern:        string(wanoise.PatternXX),
		NoiseSuite:          wanoise.DefaultSuite,
		HandshakeTimeout:    transport.DefaultHandshakeTimeout,
		QueryTimeout:        transport.DefaultQueryTimeout,
		KeepAliveInterval:   transport.DefaultKeepAliveInterval,
		KeepAliveTimeout:    transport.DefaultKeepAliveTimeout,
		DeviceCacheSize:     devices.DefaultCacheSize,
		DeviceTTL:           devices.DefaultTTL,
		DeviceLookupTimeout: devices.DefaultLookupTimeout,
		SyncCeiling:         events.DefaultSyncCeiling,
		MaxBufferedEvents:   events.DefaultMaxBuffered,
		EventQueueSize:      events.DefaultQueueSize,
		MaxSkip:             signal.DefaultMaxSkip,
		MaxStoredSkipped:    signal.DefaultMaxStoredSkipped,
		PreKeyThreshold:     DefaultPreKeyThreshold,
		Reconnect: ReconnectConfig{
			BaseDelay:   policy.BaseDelay,
			MaxDelay:    policy.MaxDelay,
			Multiplier:  policy.Multiplier,
			StableAfter: policy.StableAfter,
		},
		LogLevel: "info",
	}
}

// LoadConfig reads a YAML file over DefaultConfig and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Dialer == nil && c.ServerURL == "" && c.ServerAddress == "" {
		return errors.New("server_url or server_address is required")
	}
	if _, err := c.header(); err != nil {
		return err
	}
	if _, err := wanoise.ParseSuite(c.NoiseSuite); err != nil {
		return err
	}
	peer, err := c.serverStaticKey()
	if err != nil {
		return err
	}
	switch wanoise.Pattern(c.NoisePattern) {
	case "", wanoise.PatternXX:
	case wanoise.PatternIK:
		if peer == nil {
			return errors.New("server_static_key is required for the IK pattern")
		}
	default:
		return fmt.Errorf("%w: %q", wanoise.ErrUnsupportedPattern, c.NoisePattern)
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"handshake_timeout", c.HandshakeTimeout},
		{"query_timeout", c.QueryTimeout},
		{"keepalive_timeout", c.KeepAliveTimeout},
		{"device_ttl", c.DeviceTTL},
		{"device_lookup_timeout", c.DeviceLookupTimeout},
		{"sync_ceiling", c.SyncCeiling},
		{"reconnect.base_delay", c.Reconnect.BaseDelay},
		{"reconnect.max_delay", c.Reconnect.MaxDelay},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.value)
		}
	}
	if c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return fmt.Errorf("reconnect.max_delay %s is below reconnect.base_delay %s", c.Reconnect.MaxDelay, c.Reconnect.BaseDelay)
	}
	if c.Reconnect.Multiplier < 1 {
		return fmt.Errorf("reconnect.multiplier must be at least 1, got %v", c.Reconnect.Multiplier)
	}
	if c.PreKeyThreshold < 0 {
		return fmt.Errorf("prekey_threshold must not be negative, got %d", c.PreKeyThreshold)
	}
	if c.LogLevel != "" {
		if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
			return fmt.Errorf("invalid log_level: %w", err)
		}
	}
	return nil
}

func (c *Config) header() ([]byte, error) {
	hdr, err := hex.DecodeString(c.Header)
	if err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}
	return hdr, nil
}

func (c *Config) serverStaticKey() ([]byte, error) {
	if c.ServerStaticKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.ServerStaticKey)
	if err != nil {
		return nil, fmt.Errorf("invalid server_static_key: %w", err)
	}
	if len(key) != crypto.KeySize {
		return nil, fmt.Errorf("invalid server_static_key: %w", crypto.ErrInvalidKey)
	}
	return key, nil
}

func (c *Config) dialer() transport.Dialer {
	if c.Dialer != nil {
		return c.Dialer
	}
	hdr, _ := c.header()
	if c.ServerURL != "" {
		httpHeader := http.Header{}
		if c.Origin != "" {
			httpHeader.Set("Origin", c.Origin)
		}
		return transport.WebSocketDialer{URL: c.ServerURL, Header: hdr, HTTPHeader: httpHeader}
	}
	return transport.TCPDialer{Address: c.ServerAddress, Header: hdr, Timeout: c.HandshakeTimeout}
}

func (c *Config) logger() logrus.FieldLogger {
	if c.Logger != nil {
		return c.Logger
	}
	if c.LogLevel == "" {
		return logrus.StandardLogger()
	}
	l := logrus.New()
	if level, err := logrus.ParseLevel(c.LogLevel); err == nil {
		l.SetLevel(level)
	}
	return l
}

func (c *Config) policy() reconnect.Policy {
	return reconnect.Policy{
		BaseDelay:   c.Reconnect.BaseDelay,
		MaxDelay:    c.Reconnect.MaxDelay,
		Multiplier:  c.Reconnect.Multiplier,
		StableAfter: c.Reconnect.StableAfter,
	}
}
