package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/luma/beacon/cmd/gen"
)

var RootCmd = &cobra.Command{
	Use:   "beacon",
	Short: "A Redis protocol (RESP) client",
	Long: `Beacon speaks the Redis wire protocol over a single persistent
TCP connection: commands, pipelining and pub/sub.
`,
	SilenceUsage: true,
}

func init() {
	RootCmd.AddCommand(SendCmd)
	RootCmd.AddCommand(SubscribeCmd)
	RootCmd.AddCommand(BridgeCmd)
	RootCmd.AddCommand(gen.RootCmd)
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
