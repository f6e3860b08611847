package cmd

import "github.com/spf13/cobra"

var primaryPort uint64

var primaryCmd = &cobra.Command{
	Use:   "primary",
	Short: "Run as the primary replica on a fixed port",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReplica(true, primaryPort)
	},
}

func init() {
	rootCmd.AddCommand(primaryCmd)
	primaryCmd.Flags().Uint64Var(&primaryPort, "port", 8000, "fixed peer-listen port for the primary replica")
}
