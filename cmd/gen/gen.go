package gen

import (
	"github.com/spf13/cobra"
)

// RootCmd groups the asset generators (currently just man pages)
// under `beacon gen`.
var RootCmd = &cobra.Command{
	Use:   "gen",
	Short: "Generate supporting assets for the beacon CLI",
	Long:  `Generate supporting assets for the beacon CLI`,
}

func init() {
	RootCmd.AddCommand(ManPagesCmd)
}
