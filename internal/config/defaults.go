package config

import (
	"os"
	"path/filepath"
	"time"
)

// testConfigPath is an override for the default config path used in testing
var testConfigPath string

// SetTestConfigPath sets a custom config path for testing purposes
// This should only be called from tests
func SetTestConfigPath(path string) {
	testConfigPath = path
}

// GetConfigDir returns the gadget configuration directory
// Uses ~/.config/gadget/ on Unix systems
func GetConfigDir() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "gadget"), nil
}

// GetDefaultConfigPath returns the default config file path
func GetDefaultConfigPath() (string, error) {
	if testConfigPath != "" {
		return testConfigPath, nil
	}

	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.yaml"), nil
}

const (
	// Environment variable names
	EnvLogLevel           = "GADGET_LOG_LEVEL"
	EnvLogFormat          = "GADGET_LOG_FORMAT"
	EnvLogOutput          = "GADGET_LOG_OUTPUT"
	EnvLocation           = "GADGET_LOCATION"
	EnvMsgHost            = "GADGET_MSGHOST"
	EnvRequestTimeout     = "GADGET_REQUEST_TIMEOUT"
	EnvWaitIndefinitely   = "GADGET_WAIT_INDEFINITELY"
	EnvCodec              = "GADGET_CODEC"
	EnvTransportKind      = "GADGET_TRANSPORT"
	EnvPeerURL            = "GADGET_PEER_URL"
	EnvSyncTimeout        = "GADGET_SYNC_TIMEOUT"
	EnvBreakerEnabled     = "GADGET_BREAKER_ENABLED"
	EnvBreakerMaxFailures = "GADGET_BREAKER_MAX_FAILURES"
	EnvHostAddress        = "GADGET_HOST_ADDRESS"
)

const (
	CodecJSON    = "json"
	CodecMsgpack = "msgpack"

	TransportMemory    = "memory"
	TransportWebSocket = "websocket"
	TransportSocketIO  = "socketio"
)

const (
	// Default Logging settings
	DefaultLogLevel  = "info"
	DefaultLogFormat = "text"

	// Default Messaging settings
	DefaultRequestTimeout = 30 * time.Second
	DefaultQueueSize      = 256

	// Default Sync settings
	DefaultViewPath      = "/gadgets/view"
	DefaultConfigurePath = "/gadgets/configure"
	DefaultSyncTimeout   = 15 * time.Second

	// Default Host stub settings
	DefaultHostAddress = "127.0.0.1:8086"
)

// DefaultLoggingConfig returns the default logging configuration
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  DefaultLogLevel,
		Format: DefaultLogFormat,
		Output: "stderr",
	}
}

// DefaultGadgetConfig returns the default launch configuration
func DefaultGadgetConfig() GadgetConfig {
	return GadgetConfig{}
}

// DefaultMessagingConfig returns the default messaging configuration
func DefaultMessagingConfig() MessagingConfig {
	return MessagingConfig{
		RequestTimeout:   DefaultRequestTimeout,
		WaitIndefinitely: false,
		Codec:            CodecJSON,
		QueueSize:        DefaultQueueSize,
	}
}

// DefaultTransportConfig returns the default transport configuration
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		Kind:             TransportWebSocket,
		HandshakeTimeout: 10 * time.Second,
	}
}

// DefaultSyncConfig returns the default remote configuration endpoint settings
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		ViewPath:           DefaultViewPath,
		ConfigurePath:      DefaultConfigurePath,
		Timeout:            DefaultSyncTimeout,
		BreakerEnabled:     false,
		BreakerMaxFailures: 5,
		BreakerOpenTimeout: 30 * time.Second,
	}
}

// DefaultHostConfig returns the default host stub configuration
func DefaultHostConfig() HostConfig {
	return HostConfig{
		Address:      DefaultHostAddress,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}
