package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"deckhand/pkg/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the deckhand build",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("deckhand " + version.String())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
