package cmd

import (
	"context"

	"github.com/baaaht/gadget/internal/config"
	"github.com/baaaht/gadget/pkg/gadget"
	"github.com/baaaht/gadget/pkg/transport"
	"github.com/baaaht/gadget/pkg/types"
	"github.com/spf13/cobra"
)

var (
	// Request flags
	peerURL       string
	transportKind string
	namespace     string
)

var requestCmd = &cobra.Command{
	Use:   "request <name> [payload]",
	Short: "Send a request to the host and print the reply",
	Long: `Request connects to the host at --peer, sends one correlated request and
prints the reply payload as JSON. The payload is parsed as JSON when possible
and sent as a string otherwise.

When neither the location nor --msghost names the trusted host origin, the
origin of the peer URL is trusted.`,
	Example: `  gadget request --location 'https://g.example/g?gid=g1&token=t' \
    --peer ws://127.0.0.1:8087/gadget get-location`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runRequest,
}

func runRequest(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	name := args[0]
	var payload any
	if len(args) == 2 {
		payload = parseValue(args[1])
	}

	if rootCfg.Transport.PeerURL == "" {
		return types.NewError(types.ErrCodeInvalidArgument,
			"a peer url is required (--peer or "+config.EnvPeerURL+")")
	}
	if rootCfg.Gadget.MsgHost == "" {
		origin, err := transport.OriginOf(rootCfg.Transport.PeerURL)
		if err != nil {
			return err
		}
		rootCfg.Gadget.MsgHost = origin
	}

	channel, err := dialPeer(ctx, rootCfg)
	if err != nil {
		return err
	}

	g, err := newGadget(gadget.Options{Channel: channel})
	if err != nil {
		_ = channel.Close()
		return err
	}
	defer g.Close()

	if err := g.Start(ctx); err != nil {
		return err
	}

	rootLog.Debug("Sending request", "name", name, "peer", rootCfg.Transport.PeerURL)
	reply, err := g.Request(ctx, name, payload)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), reply)
}

// dialPeer opens the channel selected by the transport configuration
func dialPeer(ctx context.Context, cfg *config.Config) (transport.Channel, error) {
	switch cfg.Transport.Kind {
	case config.TransportWebSocket:
		ch, err := transport.DialWebSocket(ctx, cfg.Transport.PeerURL, transport.WebSocketOptions{
			HandshakeTimeout:   cfg.Transport.HandshakeTimeout,
			InsecureSkipVerify: cfg.Transport.InsecureSkipVerify,
			Binary:             cfg.Messaging.Codec == config.CodecMsgpack,
			QueueSize:          cfg.Messaging.QueueSize,
		})
		if err != nil {
			return nil, err
		}
		return ch, nil
	case config.TransportSocketIO:
		ch, err := transport.DialSocketIO(ctx, cfg.Transport.PeerURL, transport.SocketIOOptions{
			Namespace:          cfg.Transport.Namespace,
			InsecureSkipVerify: cfg.Transport.InsecureSkipVerify,
			ConnectTimeout:     cfg.Transport.HandshakeTimeout,
			QueueSize:          cfg.Messaging.QueueSize,
		})
		if err != nil {
			return nil, err
		}
		return ch, nil
	default:
		return nil, types.NewError(types.ErrCodeFailedPrecondition,
			"transport "+cfg.Transport.Kind+" cannot reach a remote host")
	}
}

func init() {
	requestCmd.Flags().StringVar(&peerURL, "peer", "",
		"Host URL: ws(s):// for websocket, http(s):// for socket.io")
	requestCmd.Flags().StringVar(&transportKind, "transport", "",
		"Channel kind: websocket, socketio (default: websocket)")
	requestCmd.Flags().StringVar(&namespace, "namespace", "",
		"Socket.IO namespace (default: /)")
}
