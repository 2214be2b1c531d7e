// Command server runs the Claude relay.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set through -ldflags at build time.
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "claude-relay",
	Short: "Messages API relay over a pool of upstream accounts",
	Long:  "Claude relay: forwards Messages API traffic to pooled Claude and Responses accounts with sticky sessions and managed OAuth tokens.",
}

func init() {
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	rootCmd.SilenceUsage = true

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "claude-relay %s (commit %s, built %s)\n", Version, Commit, BuildDate)
		},
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
