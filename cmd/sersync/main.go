// Command sersync is the CLI entry point for the real-time directory
// replicator: it loads a YAML configuration, then starts the engine, runs a
// one-shot full sync, or drives the failure ledger, depending on the
// subcommand. Grounded on the teacher's cmd/mutagen/main.go root-command
// wiring (cobra.Command tree with a shared PersistentPreRun) and on
// cmd.Mainify/cmd.Fatal for error-to-exit-code translation.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/sersync-go/sersync/cmd"
	"github.com/sersync-go/sersync/pkg/logging"
	"github.com/sersync-go/sersync/pkg/sersync"
)

var (
	configPath string
	debug      bool
)

var rootCommand = &cobra.Command{
	Use:          "sersync",
	Short:        "Real-time directory replicator",
	Version:      sersync.Version,
	SilenceUsage: true,
	PersistentPreRun: func(*cobra.Command, []string) {
		if debug {
			logging.SetRootLevel(logging.LevelDebug)
		}
	},
}

func init() {
	rootCommand.PersistentFlags().StringVarP(&configPath, "config", "c", "sersync.yaml", "path to the YAML configuration file")
	rootCommand.PersistentFlags().BoolVar(&debug, "debug", false, "enable verbose debug logging")

	rootCommand.AddCommand(startCommand)
	rootCommand.AddCommand(syncCommand)
	rootCommand.AddCommand(ledgerCommand)
}

func main() {
	// Shell completion invocations shouldn't pay for (or risk) a terminal
	// relaunch; only handle terminal compatibility for real command runs.
	if !cmd.PerformingShellCompletion {
		cmd.HandleTerminalCompatibility()
	}

	if err := rootCommand.Execute(); err != nil {
		os.Exit(1)
	}
}
