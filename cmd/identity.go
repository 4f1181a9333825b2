package cmd

import (
	"github.com/baaaht/gadget/pkg/gadget"
	"github.com/spf13/cobra"
)

var identityCmd = &cobra.Command{
	Use:   "identity [location]",
	Short: "Print the identity resolved from a launch location",
	Long: `Identity resolves a launch location the way a gadget instance does at
startup and prints every defined field and launch parameter as JSON.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runIdentity,
}

func runIdentity(cmd *cobra.Command, args []string) error {
	if len(args) == 1 {
		rootCfg.Gadget.Location = args[0]
	}

	g, err := newGadget(gadget.Options{})
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), g.Identity().Snapshot())
}
