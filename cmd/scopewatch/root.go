package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/scopewatch/scopewatch/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:           "scopewatch",
	Short:         "Scopewatch discovers the third-party apps a workforce has granted directory access to.",
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := logging.BootstrapFromEnv(logging.BootstrapOptions{
			Command: cmd.CommandPath(),
			Writer:  os.Stderr,
		})
		return err
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(serveCmd, workerCmd, syncCmd, cleanupCmd, migrateCmd)
}
