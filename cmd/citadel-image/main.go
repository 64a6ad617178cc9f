// Command citadel-image compresses, decompresses, checksums, and
// inspects the signed image artifacts the provisioner installs and
// RealmFS activates. It corresponds to the original `citadel-image`
// tool referenced by `original_source/citadel-tool/src/install/installer.rs`.
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
		Use:          "citadel-image",
		Short:        "Compress, decompress, checksum, and inspect signed Citadel image artifacts",
		SilenceUsage: true,
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

	root.AddCommand(createCompressCommand())
	root.AddCommand(createDecompressCommand())
	root.AddCommand(createChecksumCommand())
	root.AddCommand(createInspectCommand())
	return root
}
