// Command dispatchd runs the chat dispatcher gateway: a long-running
// process that ingresses messages through a configured transport, routes
// them through the agent runner, and serves the slash-command CLI surface
// over that same transport.
//
// Grounded on vanducng-goclaw/cmd/root.go's cobra root-command shape
// (persistent --config/--verbose flags, subcommands registered in init).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goclaw-dispatch/internal/config"
)

var (
	configDir string
	verbose   bool
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0".
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "dispatchd",
	Short: "Chat dispatcher: routes messages to pluggable CLI agent subprocesses",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGateway()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config", "", "config directory (default: $GOCLAW_DISPATCH_HOME or ~/.config/goclaw-dispatch)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(gatewayCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(versionCmd())
}

func resolveConfigDir() string {
	if configDir != "" {
		return config.ExpandHome(configDir)
	}
	return config.Dir()
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dispatchd %s\n", Version)
		},
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
