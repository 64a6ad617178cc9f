// Command citadel-install drives a disk provisioning run and, once
// installed, the installer-backend D-Bus service the desktop UI talks
// to. It corresponds to `original_source/citadel-tool/src/install/cli.rs`
// and `install_backend/dbus.rs`.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/subgraph/citadel-core/internal/logger"
)

var logLevel = logLevelFlag("info")

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "citadel-install",
		Short:         "Provision a disk with a Citadel install, or serve the installer D-Bus backend",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := logger.Configure(logLevel.String(), nil); err != nil {
				return fmt.Errorf("configure logger: %w", err)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logger.Sync()
		},
	}
	root.PersistentFlags().VarP(&logLevel, "log-level", "l", "log level: debug, info, warn, error")

	root.AddCommand(newListDisksCommand())
	root.AddCommand(newInstallCommand())
	root.AddCommand(newLiveSetupCommand())
	root.AddCommand(newServeCommand())
	root.AddCommand(newRealmsServeCommand())
	return root
}
