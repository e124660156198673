package cmd

import (
	"fmt"

	"github.com/jmylchreest/av1arr/internal/version"
	"github.com/spf13/cobra"
)

var versionFull bool

// versionCmd represents the version command.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		if versionFull {
			fmt.Println(version.Full())
			return
		}
		fmt.Println(version.Short())
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionFull, "full", false, "include commit and build date")
	rootCmd.AddCommand(versionCmd)
}
