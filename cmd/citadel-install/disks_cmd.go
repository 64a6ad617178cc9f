package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/subgraph/citadel-core/internal/blockio"
)

func newListDisksCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list-disks",
		Short: "List candidate install target disks",
		RunE: func(cmd *cobra.Command, args []string) error {
			disks, err := blockio.ProbeAll()
			if err != nil {
				return fmt.Errorf("probe disks: %w", err)
			}
			if len(disks) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no disks found")
				return nil
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Available disks:")
			fmt.Fprintln(out)
			for _, d := range disks {
				fmt.Fprintf(out, "  %-12s Size: %-6s Model: %s\n", d.Path(), d.SizeString(), d.Model)
			}
			return nil
		},
	}
}
