package main

import (
	"github.com/spf13/cobra"

	"casd/internal/api"
	"casd/internal/config"
)

func newRetainCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "retain <digest>...",
		Short: "Add a reference to existing blobs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cfg, func(client *api.Client) error {
				for _, digest := range args {
					resp, err := client.Retain(cmd.Context(), digest)
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
