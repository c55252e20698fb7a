package main

import (
	"github.com/spf13/cobra"

	"casd/internal/api"
	"casd/internal/config"
)

func newDuplicatesCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "duplicates",
		Short: "Report digests with more than one record (integrity check)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cfg, func(client *api.Client) error {
				groups, err := client.Duplicates(cmd.Context())
				if err != nil {
					return err
				}
				return writeFormatted(groups)
			})
		},
	}
}
