package main

import (
	"github.com/spf13/cobra"

	"casd/internal/api"
	"casd/internal/config"
)

func newUsageCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "usage <owner-id>",
		Short: "Show storage attributed to one owner of record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cfg, func(client *api.Client) error {
				usage, err := client.Usage(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return writeFormatted(usage)
			})
		},
	}
}
