package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/baaaht/gadget/pkg/types"
)

// Config represents the complete configuration for a gadget instance and the gadget CLI
type Config struct {
	Logging   LoggingConfig   `json:"logging" yaml:"logging" toml:"logging"`
	Gadget    GadgetConfig    `json:"gadget" yaml:"gadget" toml:"gadget"`
	Messaging MessagingConfig `json:"messaging" yaml:"messaging" toml:"messaging"`
	Transport TransportConfig `json:"transport" yaml:"transport" toml:"transport"`
	Sync      SyncConfig      `json:"sync" yaml:"sync" toml:"sync"`
	Host      HostConfig      `json:"host" yaml:"host" toml:"host"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" toml:"level"`    // debug, info, warn, error
	Format string `json:"format" yaml:"format" toml:"format"` // json, text
	Output string `json:"output" yaml:"output" toml:"output"` // stdout, stderr, file path
}

// GadgetConfig describes how the instance is launched
type GadgetConfig struct {
	// Location is the launch URL of the instance, query string included
	Location string `json:"location" yaml:"location" toml:"location"`
	// MsgHost overrides the trusted peer origin when the launch URL does not carry one
	MsgHost string `json:"msghost,omitempty" yaml:"msghost,omitempty" toml:"msghost,omitempty"`
}

// MessagingConfig contains correlation and dispatch settings
type MessagingConfig struct {
	RequestTimeout   time.Duration `json:"request_timeout" yaml:"request_timeout" toml:"request_timeout"`
	WaitIndefinitely bool          `json:"wait_indefinitely" yaml:"wait_indefinitely" toml:"wait_indefinitely"`
	Codec            string        `json:"codec" yaml:"codec" toml:"codec"` // json, msgpack
	QueueSize        int           `json:"queue_size" yaml:"queue_size" toml:"queue_size"`
}

// TransportConfig selects the channel used to reach the host
type TransportConfig struct {
	Kind               string        `json:"kind" yaml:"kind" toml:"kind"` // memory, websocket, socketio
	PeerURL            string        `json:"peer_url,omitempty" yaml:"peer_url,omitempty" toml:"peer_url,omitempty"`
	Namespace          string        `json:"namespace,omitempty" yaml:"namespace,omitempty" toml:"namespace,omitempty"`
	HandshakeTimeout   time.Duration `json:"handshake_timeout" yaml:"handshake_timeout" toml:"handshake_timeout"`
	InsecureSkipVerify bool          `json:"insecure_skip_verify" yaml:"insecure_skip_verify" toml:"insecure_skip_verify"`
}

// SyncConfig contains remote configuration endpoint settings
type SyncConfig struct {
	ViewPath           string        `json:"view_path" yaml:"view_path" toml:"view_path"`
	ConfigurePath      string        `json:"configure_path" yaml:"configure_path" toml:"configure_path"`
	Timeout            time.Duration `json:"timeout" yaml:"timeout" toml:"timeout"`
	BreakerEnabled     bool          `json:"breaker_enabled" yaml:"breaker_enabled" toml:"breaker_enabled"`
	BreakerMaxFailures uint32        `json:"breaker_max_failures" yaml:"breaker_max_failures" toml:"breaker_max_failures"`
	BreakerOpenTimeout time.Duration `json:"breaker_open_timeout" yaml:"breaker_open_timeout" toml:"breaker_open_timeout"`
}

// HostConfig contains settings for the development host stub
type HostConfig struct {
	Address      string        `json:"address" yaml:"address" toml:"address"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout" toml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout" toml:"write_timeout"`
}

// Defaults returns a configuration populated with default values
func Defaults() *Config {
	return &Config{
		Logging:   DefaultLoggingConfig(),
		Gadget:    DefaultGadgetConfig(),
		Messaging: DefaultMessagingConfig(),
		Transport: DefaultTransportConfig(),
		Sync:      DefaultSyncConfig(),
		Host:      DefaultHostConfig(),
	}
}

// applyDefaults fills in zero-valued config fields with their defaults
// This is called after loading from a file so partial configs get sensible defaults
func applyDefaults(cfg *Config) {
	defaultLogging := DefaultLoggingConfig()
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaultLogging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaultLogging.Format
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = defaultLogging.Output
	}

	defaultMessaging := DefaultMessagingConfig()
	if cfg.Messaging.RequestTimeout == 0 {
		cfg.Messaging.RequestTimeout = defaultMessaging.RequestTimeout
	}
	if cfg.Messaging.Codec == "" {
		cfg.Messaging.Codec = defaultMessaging.Codec
	}
	if cfg.Messaging.QueueSize == 0 {
		cfg.Messaging.QueueSize = defaultMessaging.QueueSize
	}

	defaultTransport := DefaultTransportConfig()
	if cfg.Transport.Kind == "" {
		cfg.Transport.Kind = defaultTransport.Kind
	}
	if cfg.Transport.HandshakeTimeout == 0 {
		cfg.Transport.HandshakeTimeout = defaultTransport.HandshakeTimeout
	}

	defaultSync := DefaultSyncConfig()
	if cfg.Sync.ViewPath == "" {
		cfg.Sync.ViewPath = defaultSync.ViewPath
	}
	if cfg.Sync.ConfigurePath == "" {
		cfg.Sync.ConfigurePath = defaultSync.ConfigurePath
	}
	if cfg.Sync.Timeout == 0 {
		cfg.Sync.Timeout = defaultSync.Timeout
	}
	if cfg.Sync.BreakerMaxFailures == 0 {
		cfg.Sync.BreakerMaxFailures = defaultSync.BreakerMaxFailures
	}
	if cfg.Sync.BreakerOpenTimeout == 0 {
		cfg.Sync.BreakerOpenTimeout = defaultSync.BreakerOpenTimeout
	}

	defaultHost := DefaultHostConfig()
	if cfg.Host.Address == "" {
		cfg.Host.Address = defaultHost.Address
	}
	if cfg.Host.ReadTimeout == 0 {
		cfg.Host.ReadTimeout = defaultHost.ReadTimeout
	}
	if cfg.Host.WriteTimeout == 0 {
		cfg.Host.WriteTimeout = defaultHost.WriteTimeout
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv(EnvLogOutput); v != "" {
		cfg.Logging.Output = v
	}

	if v := os.Getenv(EnvLocation); v != "" {
		cfg.Gadget.Location = v
	}
	if v := os.Getenv(EnvMsgHost); v != "" {
		cfg.Gadget.MsgHost = v
	}

	if v := os.Getenv(EnvRequestTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvRequestTimeout, err)
		}
		cfg.Messaging.RequestTimeout = d
	}
	if v := os.Getenv(EnvWaitIndefinitely); v != "" {
		cfg.Messaging.WaitIndefinitely = parseBool(v)
	}
	if v := os.Getenv(EnvCodec); v != "" {
		cfg.Messaging.Codec = v
	}

	if v := os.Getenv(EnvTransportKind); v != "" {
		cfg.Transport.Kind = v
	}
	if v := os.Getenv(EnvPeerURL); v != "" {
		cfg.Transport.PeerURL = v
	}

	if v := os.Getenv(EnvSyncTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvSyncTimeout, err)
		}
		cfg.Sync.Timeout = d
	}
	if v := os.Getenv(EnvBreakerEnabled); v != "" {
		cfg.Sync.BreakerEnabled = parseBool(v)
	}
	if v := os.Getenv(EnvBreakerMaxFailures); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvBreakerMaxFailures, err)
		}
		cfg.Sync.BreakerMaxFailures = uint32(n)
	}

	if v := os.Getenv(EnvHostAddress); v != "" {
		cfg.Host.Address = v
	}

	return nil
}

func parseBool(v string) bool {
	return strings.ToLower(v) == "true" || v == "1"
}

// Load creates a new Config by loading the default config file (if any),
// then overriding with environment variables
func Load() (*Config, error) {
	var cfg *Config

	configPath, err := GetDefaultConfigPath()
	if err == nil {
		if _, err := os.Stat(configPath); err == nil {
			cfg, err = LoadFromFile(configPath)
			if err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to check config file: %w", err)
		}
	}

	if cfg == nil {
		cfg = Defaults()
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for validity
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level))
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid log format: %s (must be json or text)", c.Logging.Format))
	}

	if c.Messaging.RequestTimeout < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "request timeout cannot be negative")
	}
	if c.Messaging.Codec != CodecJSON && c.Messaging.Codec != CodecMsgpack {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid codec: %s (must be %s or %s)", c.Messaging.Codec, CodecJSON, CodecMsgpack))
	}
	if c.Messaging.QueueSize <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "messaging queue size must be positive")
	}

	switch c.Transport.Kind {
	case TransportMemory, TransportWebSocket, TransportSocketIO:
	default:
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid transport kind: %s (must be memory, websocket, or socketio)", c.Transport.Kind))
	}
	if c.Transport.HandshakeTimeout <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "transport handshake timeout must be positive")
	}

	if !strings.HasPrefix(c.Sync.ViewPath, "/") || !strings.HasPrefix(c.Sync.ConfigurePath, "/") {
		return types.NewError(types.ErrCodeInvalidArgument, "sync endpoint paths must start with /")
	}
	if c.Sync.Timeout <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "sync timeout must be positive")
	}
	if c.Sync.BreakerEnabled && c.Sync.BreakerOpenTimeout <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "breaker open timeout must be positive")
	}

	if c.Host.Address == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "host address cannot be empty")
	}

	return nil
}

// EffectiveRequestTimeout returns the per-request deadline, zero meaning none
func (c *Config) EffectiveRequestTimeout() time.Duration {
	if c.Messaging.WaitIndefinitely {
		return 0
	}
	return c.Messaging.RequestTimeout
}

// String returns a string representation of the configuration
func (c *Config) String() string {
	return fmt.Sprintf("Config{Logging: %s, Messaging: %s, Transport: %s, Sync: %s, Host: %s}",
		c.Logging.String(),
		c.Messaging.String(),
		c.Transport.String(),
		c.Sync.String(),
		c.Host.String(),
	)
}

// ApplyOverrides applies CLI flag-style overrides to the configuration
func (c *Config) ApplyOverrides(opts OverrideOptions) {
	if opts.LogLevel != "" {
		c.Logging.Level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		c.Logging.Format = opts.LogFormat
	}
	if opts.LogOutput != "" {
		c.Logging.Output = opts.LogOutput
	}
	if opts.Location != "" {
		c.Gadget.Location = opts.Location
	}
	if opts.MsgHost != "" {
		c.Gadget.MsgHost = opts.MsgHost
	}
	if opts.TransportKind != "" {
		c.Transport.Kind = opts.TransportKind
	}
	if opts.PeerURL != "" {
		c.Transport.PeerURL = opts.PeerURL
	}
	if opts.Namespace != "" {
		c.Transport.Namespace = opts.Namespace
	}
	if opts.Codec != "" {
		c.Messaging.Codec = opts.Codec
	}
	if opts.RequestTimeout != "" {
		if d, err := time.ParseDuration(opts.RequestTimeout); err == nil {
			c.Messaging.RequestTimeout = d
		}
	}
	if opts.HostAddress != "" {
		c.Host.Address = opts.HostAddress
	}
}

// OverrideOptions contains override options typically set via CLI flags
type OverrideOptions struct {
	LogLevel  string
	LogFormat string
	LogOutput string

	Location string
	MsgHost  string

	TransportKind  string
	PeerURL        string
	Namespace      string
	Codec          string
	RequestTimeout string

	HostAddress string
}

func (c LoggingConfig) String() string {
	return fmt.Sprintf("LoggingConfig{Level: %s, Format: %s, Output: %s}", c.Level, c.Format, c.Output)
}

func (c MessagingConfig) String() string {
	return fmt.Sprintf("MessagingConfig{RequestTimeout: %s, WaitIndefinitely: %v, Codec: %s, QueueSize: %d}",
		c.RequestTimeout, c.WaitIndefinitely, c.Codec, c.QueueSize)
}

func (c TransportConfig) String() string {
	return fmt.Sprintf("TransportConfig{Kind: %s, PeerURL: %s, Namespace: %s}", c.Kind, c.PeerURL, c.Namespace)
}

func (c SyncConfig) String() string {
	return fmt.Sprintf("SyncConfig{ViewPath: %s, ConfigurePath: %s, Timeout: %s, BreakerEnabled: %v}",
		c.ViewPath, c.ConfigurePath, c.Timeout, c.BreakerEnabled)
}

func (c HostConfig) String() string {
	return fmt.Sprintf("HostConfig{Address: %s}", c.Address)
}
