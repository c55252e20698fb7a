package main

import (
	"os"

	"github.com/spf13/cobra"

	"casd/internal/api"
	"casd/internal/config"
)

func newCatCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "cat <digest>",
		Short: "Stream blob content to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cfg, func(client *api.Client) error {
				_, err := client.Download(cmd.Context(), args[0], os.Stdout)
				return err
			})
		},
	}
}
