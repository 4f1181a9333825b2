package config

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/baaaht/gadget/pkg/types"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR_NAME} and ${VAR_NAME:-default}
var envVarPattern = regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_]*)(:-([^}]*))?\}`)

// interpolateEnvVars replaces environment variable placeholders with their values
// Supports ${VAR_NAME} and ${VAR_NAME:-default_value} syntax
func interpolateEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultValue := ""
		if len(parts) >= 4 && parts[3] != "" {
			defaultValue = parts[3]
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})
}

// fileFormat identifies the syntax of a configuration file
type fileFormat int

const (
	formatYAML fileFormat = iota
	formatTOML
)

// validateFilePath checks if the file path is valid and has a supported extension
func validateFilePath(path string) (fileFormat, error) {
	if path == "" {
		return 0, types.NewError(types.ErrCodeInvalidArgument, "configuration file path cannot be empty")
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return formatYAML, nil
	case ".toml":
		return formatTOML, nil
	default:
		return 0, types.NewError(types.ErrCodeInvalidArgument,
			"configuration file must have .yaml, .yml or .toml extension, got: "+ext)
	}
}

// validateContent rejects empty and whitespace-only files
func validateContent(data []byte, path string) error {
	if len(data) == 0 {
		return types.NewError(types.ErrCodeInvalid, "configuration file is empty: "+path)
	}
	if strings.TrimSpace(string(data)) == "" {
		return types.NewError(types.ErrCodeInvalid, "configuration file contains only whitespace: "+path)
	}
	return nil
}

// decodeYAML parses YAML configuration with file context on errors
func decodeYAML(data []byte, path string, cfg *Config) error {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return types.WrapError(types.ErrCodeInvalid, "invalid YAML syntax in "+path, err)
	}
	if node.Kind == 0 && len(node.Content) == 0 {
		return types.NewError(types.ErrCodeInvalid, "configuration file contains no valid YAML content: "+path)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		if yamlErr, ok := err.(*yaml.TypeError); ok {
			return types.WrapError(types.ErrCodeInvalid, "YAML type error in "+path, yamlErr)
		}
		return types.WrapError(types.ErrCodeInvalid, "failed to parse YAML configuration from "+path, err)
	}
	return nil
}

// decodeTOML parses TOML configuration and rejects unknown keys
func decodeTOML(data []byte, path string, cfg *Config) error {
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return types.WrapError(types.ErrCodeInvalid, "failed to parse TOML configuration from "+path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return types.NewError(types.ErrCodeInvalid,
			"unknown key "+undecoded[0].String()+" in "+path)
	}
	return nil
}

// LoadFromFile loads configuration from a YAML or TOML file
func LoadFromFile(path string) (*Config, error) {
	format, err := validateFilePath(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.WrapError(types.ErrCodeNotFound, "configuration file not found: "+path, err)
		}
		return nil, types.WrapError(types.ErrCodeInvalidArgument, "failed to read configuration file: "+path, err)
	}

	if err := validateContent(data, path); err != nil {
		return nil, err
	}

	var cfg Config
	switch format {
	case formatTOML:
		err = decodeTOML(data, path, &cfg)
	default:
		err = decodeYAML(data, path, &cfg)
	}
	if err != nil {
		return nil, err
	}

	interpolateEnvVarsInConfig(&cfg)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, types.WrapError(types.ErrCodeInvalid, "configuration validation failed for "+path, err)
	}

	return &cfg, nil
}

// interpolateEnvVarsInConfig interpolates environment variables in all string fields
func interpolateEnvVarsInConfig(cfg *Config) {
	cfg.Logging.Level = interpolateEnvVars(cfg.Logging.Level)
	cfg.Logging.Format = interpolateEnvVars(cfg.Logging.Format)
	cfg.Logging.Output = interpolateEnvVars(cfg.Logging.Output)

	cfg.Gadget.Location = interpolateEnvVars(cfg.Gadget.Location)
	cfg.Gadget.MsgHost = interpolateEnvVars(cfg.Gadget.MsgHost)

	cfg.Messaging.Codec = interpolateEnvVars(cfg.Messaging.Codec)

	cfg.Transport.Kind = interpolateEnvVars(cfg.Transport.Kind)
	cfg.Transport.PeerURL = interpolateEnvVars(cfg.Transport.PeerURL)
	cfg.Transport.Namespace = interpolateEnvVars(cfg.Transport.Namespace)

	cfg.Sync.ViewPath = interpolateEnvVars(cfg.Sync.ViewPath)
	cfg.Sync.ConfigurePath = interpolateEnvVars(cfg.Sync.ConfigurePath)

	cfg.Host.Address = interpolateEnvVars(cfg.Host.Address)
}
