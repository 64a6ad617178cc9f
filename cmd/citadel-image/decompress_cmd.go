package main

import (
	"fmt"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/subgraph/citadel-core/internal/imagecodec"
	"github.com/subgraph/citadel-core/internal/logger"
)

// createDecompressCommand creates the decompress subcommand
func createDecompressCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "decompress IMAGE_FILE",
		Short: "Decompress an xz-compressed image artifact in place",
		Long: `Decompress replaces IMAGE_FILE's xz-compressed bytes with its
decompressed contents, leaving the filename unchanged — the same
unconditional, idempotent operation the provisioner runs on staged
artifacts before verity setup.`,
		Args: cobra.ExactArgs(1),
		RunE: executeDecompress,
	}
}

func executeDecompress(cmd *cobra.Command, args []string) error {
	log := logger.Logger()
	path := args[0]
	log.Infof("decompressing %s in place", path)

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(cmd.ErrOrStderr()),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetDescription("decompressing"),
		progressbar.OptionClearOnFinish(),
	)
	defer bar.Close()

	done := make(chan error, 1)
	go func() { done <- imagecodec.DecompressInPlace(path) }()

	if err := spin(bar, done); err != nil {
		return fmt.Errorf("decompress failed: %w", err)
	}
	log.Infof("✓ decompressed %s", path)
	return nil
}
