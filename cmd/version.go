package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of substack2md",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("substack2md v0.3.0")
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
