// Package cmd is the CLI surface for the PBFT replica node: a rootCmd with
// subcommands registered via init() and flags bound with Flags().StringVar.
//
//	<binary>          runs as a backup replica on an ephemeral port
//	<binary> primary   runs as the primary replica on a fixed port (default 8000)
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"pbftnode/perr"
)

var (
	configPath    string
	broadcastAddr string
	listenAddr    string
	backupPort    uint64
)

var rootCmd = &cobra.Command{
	Use:   "pbftnode",
	Short: "A PBFT-replicated consensus node",
	Long: `pbftnode runs one replica in a Practical Byzantine Fault Tolerant
three-phase agreement group. With no subcommand it joins as a backup on an
ephemeral port; "primary" runs it as the replica group's primary on a fixed
port.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReplica(false, backupPort)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "network.json",
		"path to the static replica-set config (optional; falls back to solo mode if absent)")
	rootCmd.PersistentFlags().StringVar(&broadcastAddr, "broadcast", "255.255.255.255:9999",
		"UDP broadcast address used for peer discovery when a config is loaded")
	rootCmd.PersistentFlags().StringVar(&listenAddr, "discovery-listen", ":9999",
		"UDP address this replica listens on for discovery announcements")
	rootCmd.Flags().Uint64Var(&backupPort, "port", 0,
		"this backup's configured peer-listen port when network.json is present (0 = ephemeral solo mode)")
}

// Execute runs the CLI and returns the process exit code:
// 0 normal shutdown, 1 configuration error, 2 fatal I/O error.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		return exitCodeFor(err)
	}
	return 0
}

func exitCodeFor(err error) int {
	if pe, ok := err.(*perr.Error); ok {
		if pe.Kind == perr.Config {
			return 1
		}
		return 2
	}
	// cobra usage errors (bad flags, unknown subcommand) aren't a recognized
	// error kind at all, so they fall on the same side as a fatal I/O error.
	return 2
}
