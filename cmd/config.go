package cmd

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/baaaht/gadget/pkg/configsync"
	"github.com/baaaht/gadget/pkg/gadget"
	"github.com/baaaht/gadget/pkg/types"
	"github.com/spf13/cobra"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Fetch and print the instance configuration",
	Long: `Fetch reads the configuration map of the instance identified by the launch
location from the configuration service at its apihost.`,
	Args: cobra.NoArgs,
	RunE: runFetch,
}

var saveCmd = &cobra.Command{
	Use:   "save [key value]...",
	Short: "Update and store the instance configuration",
	Long: `Save fetches the current configuration map, applies each key/value pair and
stores the whole map back on the configuration service. Values that parse as
JSON are stored as such; anything else is stored as a string.`,
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args)%2 != 0 {
			return types.NewError(types.ErrCodeInvalidArgument, "save takes key value pairs")
		}
		return nil
	},
	RunE: runSave,
}

func runFetch(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	g, err := newGadget(gadget.Options{})
	if err != nil {
		return err
	}
	if err := g.Fetch(ctx); err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), g.Config())
}

func runSave(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	g, err := newGadget(gadget.Options{})
	if err != nil {
		return err
	}
	if err := g.Fetch(ctx); err != nil {
		return err
	}

	updates := make([]configsync.Update, 0, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		updates = append(updates, configsync.Update{Key: args[i], Value: parseValue(args[i+1])})
	}
	if err := g.Save(ctx, updates...); err != nil {
		return err
	}

	rootLog.Info("Configuration saved", "gid", g.Identity().GID(), "updates", len(updates))
	return printJSON(cmd.OutOrStdout(), g.Config())
}

// parseValue decodes raw as JSON, falling back to the raw string
func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

// signalContext is canceled on interrupt or termination
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
