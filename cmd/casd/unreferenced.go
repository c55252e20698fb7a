package main

import (
	"github.com/spf13/cobra"

	"casd/internal/api"
	"casd/internal/config"
)

func newUnreferencedCmd(cfg *config.Config) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "unreferenced",
		Short: "List blobs with zero references (sweep candidates)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cfg, func(client *api.Client) error {
				records, err := client.Unreferenced(cmd.Context(), limit)
				if err != nil {
					return err
				}
				return writeFormatted(records)
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "maximum records to return (0 = all)")

	return cmd
}
