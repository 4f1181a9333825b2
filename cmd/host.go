package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/baaaht/gadget/internal/hoststub"
	"github.com/baaaht/gadget/pkg/transport"
	"github.com/spf13/cobra"
)

var (
	// Host flags
	hostAddress string
	peerAddress string
	hostRoute   string
	hostTokens  []string
)

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Run a development host for gadgets",
	Long: `Host serves the configuration endpoints on --address. With --peer-address
it also accepts gadget connections over websocket, answers the reserved host
requests and pushes a configuration notification to a gadget whenever its
configuration is saved.`,
	Args: cobra.NoArgs,
	RunE: runHost,
}

func runHost(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	server := hoststub.New(rootCfg.Host, rootCfg.Sync, hoststub.NewStore(), rootLog, hostTokens...)

	if peerAddress != "" {
		codec, err := transport.CodecByName(rootCfg.Messaging.Codec)
		if err != nil {
			return err
		}
		hub := hoststub.NewPeerHub(hoststub.NewHostState(hostRoute, nil), codec, rootLog)
		server.AttachPeers(hub)

		peerServer := &http.Server{
			Addr:              peerAddress,
			Handler:           hub,
			ReadHeaderTimeout: rootCfg.Host.ReadTimeout,
		}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = peerServer.Shutdown(shutdownCtx)
		}()
		go func() {
			rootLog.Info("Accepting gadget connections", "address", peerAddress)
			if err := peerServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				rootLog.Error("Peer listener failed", "error", err)
				stop()
			}
		}()
	}

	rootLog.Info("Host running. Press Ctrl+C to stop.")
	return server.Run(ctx)
}

func init() {
	hostCmd.Flags().StringVar(&hostAddress, "address", "",
		"Configuration endpoint listen address (default: 127.0.0.1:8086)")
	hostCmd.Flags().StringVar(&peerAddress, "peer-address", "",
		"Websocket listen address for gadget connections (disabled when empty)")
	hostCmd.Flags().StringVar(&hostRoute, "route", "/",
		"Initial route reported to get-location")
	hostCmd.Flags().StringSliceVar(&hostTokens, "token", nil,
		"Accepted authorization tokens (default: any non-empty token)")
}
