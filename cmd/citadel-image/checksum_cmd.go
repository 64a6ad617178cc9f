package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/subgraph/citadel-core/internal/imagecodec"
)

// createChecksumCommand creates the checksum subcommand
func createChecksumCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "checksum IMAGE_FILE",
		Short: "Print a staging fingerprint for an image artifact",
		Long: `Checksum prints the CRC-32 of IMAGE_FILE's contents run through a
fast zstd encoding, the same non-cryptographic fingerprint a staging
step uses to catch a truncated or corrupted transfer before spending
time on the real decompress and verity steps.`,
		Args: cobra.ExactArgs(1),
		RunE: executeChecksum,
	}
}

func executeChecksum(cmd *cobra.Command, args []string) error {
	sum, err := imagecodec.StagingChecksum(args[0])
	if err != nil {
		return fmt.Errorf("checksum failed: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%08x\n", sum)
	return nil
}
