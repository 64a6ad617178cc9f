package main

import (
	"fmt"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/subgraph/citadel-core/internal/imagecodec"
	"github.com/subgraph/citadel-core/internal/logger"
)

// createCompressCommand creates the compress subcommand
func createCompressCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compress SRC_FILE DST_FILE",
		Short: "xz-compress an image artifact",
		Long: `Compress writes an xz-compressed copy of SRC_FILE to DST_FILE, the
artifact layout the provisioner later decompresses in place during install.`,
		Args: cobra.ExactArgs(2),
		RunE: executeCompress,
	}
	return cmd
}

func executeCompress(cmd *cobra.Command, args []string) error {
	log := logger.Logger()
	src, dst := args[0], args[1]
	log.Infof("compressing %s to %s", src, dst)

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(cmd.ErrOrStderr()),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetDescription("compressing"),
		progressbar.OptionClearOnFinish(),
	)
	defer bar.Close()

	done := make(chan error, 1)
	go func() { done <- imagecodec.CompressToXZ(src, dst) }()

	if err := spin(bar, done); err != nil {
		return fmt.Errorf("compress failed: %w", err)
	}
	log.Infof("✓ wrote %s", dst)
	return nil
}

// spin ticks an indeterminate spinner bar until done delivers its one
// result, then returns that result.
func spin(bar *progressbar.ProgressBar, done <-chan error) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			return err
		case <-ticker.C:
			_ = bar.Add(1)
		}
	}
}
