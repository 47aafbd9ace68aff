// hypo: cross-device clipboard synchronization over LAN and relay.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"hypo/internal/logging"
)

// Version is set at build time via -ldflags "-X main.Version=x.y.z".
var Version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "hypo",
		Short: "Cross-device clipboard synchronization",
		Long: `hypo synchronises the system clipboard across paired devices over
the LAN when possible, falling back to a cloud relay otherwise.

Run "hypo run" on each device you want kept in sync, then pair devices
with "hypo pair" before they'll exchange clipboard content.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		newRunCmd(),
		newPairCmd(),
		newStatusCmd(),
		newVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("hypo %s\n", Version)
		},
	}
}

// resolveLogging sets up the global slog logger after flags are parsed.
func resolveLogging(interactive bool, formatStr, levelStr string) {
	format := logging.ParseFormat(formatStr)
	level := logging.ParseLevel(levelStr)
	if levelStr == "" {
		if interactive {
			level = logging.ParseLevel("debug")
		} else {
			level = logging.ParseLevel("info")
		}
	}
	logging.Setup(format, level)
}
