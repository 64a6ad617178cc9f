package main

import (
	"fmt"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/subgraph/citadel-core/internal/provisioner"
)

// newLiveSetupCommand runs the LiveSetup pipeline, which never touches a
// disk and so never emits progressbus stage events the way a full
// install does — an indeterminate spinner stands in instead of the
// stage-fraction bar `install` renders.
func newLiveSetupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "live-setup",
		Short: "Populate an in-RAM storage tree for a citadel.live boot",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := provisioner.NewLiveSetup(nil, nil)

			bar := progressbar.NewOptions(-1,
				progressbar.OptionSetWriter(cmd.ErrOrStderr()),
				progressbar.OptionSpinnerType(14),
				progressbar.OptionSetDescription("live setup"),
				progressbar.OptionClearOnFinish(),
			)
			defer bar.Close()

			done := make(chan error, 1)
			go func() { done <- p.RunLiveSetup() }()

			if err := spin(bar, done); err != nil {
				return fmt.Errorf("live setup failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "live setup complete")
			return nil
		},
	}
}
