package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"casd/internal/api"
	"casd/internal/config"
	"casd/internal/models"
)

func newSweepCmd(cfg *config.Config) *cobra.Command {
	var (
		dryRun    bool
		batchSize int
		yes       bool
	)

	cmd := &cobra.Command{
		Use:   "sweep <cleanup-type>",
		Short: "Run one cleanup pass (unreferenced_blobs, orphan_files, log_rotation)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := models.ParseCleanupType(args[0]); err != nil {
				return err
			}
			if !dryRun && !yes {
				return fmt.Errorf("non-dry-run sweep deletes data; pass --yes to confirm")
			}

			return withClient(cfg, func(client *api.Client) error {
				resp, err := client.Sweep(cmd.Context(), api.SweepRequest{
					CleanupType: args[0],
					BatchSize:   batchSize,
					DryRun:      dryRun,
				}, yes)
				if err != nil {
					return err
				}
				return writeFormatted(resp)
			})
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be reclaimed without deleting")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "candidates per batch (0 = server default)")
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm a destructive sweep")

	return cmd
}
