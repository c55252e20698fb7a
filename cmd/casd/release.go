package main

import (
	"github.com/spf13/cobra"

	"casd/internal/api"
	"casd/internal/config"
)

func newReleaseCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "release <digest>...",
		Short: "Drop a reference; blobs at zero references become sweep candidates",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cfg, func(client *api.Client) error {
				for _, digest := range args {
					resp, err := client.Release(cmd.Context(), digest)
					if err != nil {
						return err
					}
					if err := writeFormatted(resp); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}
