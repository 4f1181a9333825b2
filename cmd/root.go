package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/baaaht/gadget/internal/config"
	"github.com/baaaht/gadget/internal/logger"
	"github.com/baaaht/gadget/pkg/gadget"
	"github.com/baaaht/gadget/pkg/types"
	"github.com/spf13/cobra"
)

// Version is the gadget CLI version
const Version = "0.1.0"

var (
	// CLI flags
	cfgFile   string
	logLevel  string
	logFormat string
	logOutput string
	location  string
	msgHost   string
	codecName string
	timeout   string

	// Global variables
	rootLog *logger.Logger
	rootCfg *config.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "gadget",
	Short: "Gadget - messaging and configuration toolkit for embedded gadgets",
	Long: `Gadget resolves a gadget instance's identity from its launch location,
exchanges correlated requests with the host page over a websocket or
Socket.IO channel, and reads and writes the instance configuration held by
the remote configuration service.

The host subcommand runs a development host that serves the configuration
endpoints and answers the reserved host requests.`,
	Version:           Version,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if rootLog != nil {
			_ = rootLog.Close()
		}
	},
}

// setup loads the configuration and initializes the global logger
func setup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	rootCfg = cfg

	if err := initLogger(cfg.Logging); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	rootLog.Debug("Configuration loaded", "config", cfg.String())
	return nil
}

// initLogger initializes the global logger based on CLI flags and config
func initLogger(cfg config.LoggingConfig) error {
	log, err := logger.New(cfg)
	if err != nil {
		return err
	}

	rootLog = log
	logger.SetGlobal(log)
	return nil
}

// loadConfig loads the configuration from a file or the environment, then applies CLI overrides
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if cfgFile != "" {
		cfg, err = config.LoadFromFile(cfgFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	cfg.ApplyOverrides(config.OverrideOptions{
		LogLevel:       logLevel,
		LogFormat:      logFormat,
		LogOutput:      logOutput,
		Location:       location,
		MsgHost:        msgHost,
		TransportKind:  transportKind,
		PeerURL:        peerURL,
		Namespace:      namespace,
		Codec:          codecName,
		RequestTimeout: timeout,
		HostAddress:    hostAddress,
	})

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newGadget builds a gadget for the configured launch location
func newGadget(opts gadget.Options) (*gadget.Gadget, error) {
	if rootCfg.Gadget.Location == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument,
			"a launch location is required (--location or "+config.EnvLocation+")")
	}
	opts.Location = rootCfg.Gadget.Location
	opts.Config = rootCfg
	opts.Logger = rootLog
	return gadget.New(opts)
}

// printJSON writes v as indented JSON
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SilenceErrors = true

	// Config file flag
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"Config file path, .yaml or .toml (default: ~/.config/gadget/config.yaml)")

	// Logging flags
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn, error (default: from config or env)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format: json, text (default: from config or env)")
	rootCmd.PersistentFlags().StringVar(&logOutput, "log-output", "",
		"Log output: stdout, stderr, or file path (default: from config or env)")

	// Instance flags
	rootCmd.PersistentFlags().StringVar(&location, "location", "",
		"Launch location of the gadget instance, query string included")
	rootCmd.PersistentFlags().StringVar(&msgHost, "msghost", "",
		"Trusted host origin when the location does not carry one")
	rootCmd.PersistentFlags().StringVar(&codecName, "codec", "",
		"Envelope codec: json, msgpack (default: json)")
	rootCmd.PersistentFlags().StringVar(&timeout, "timeout", "",
		"Request timeout, e.g. 5s (default: 30s)")

	rootCmd.AddCommand(identityCmd, fetchCmd, saveCmd, requestCmd, hostCmd)
}
