package main

import (
	"github.com/spf13/cobra"

	"casd/internal/api"
	"casd/internal/config"
)

func newHistoryCmd(cfg *config.Config) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history <digest>",
		Short: "List ingest events for a digest, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cfg, func(client *api.Client) error {
				events, err := client.History(cmd.Context(), args[0], limit)
				if err != nil {
					return err
				}
				return writeFormatted(events)
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 100, "maximum events to return")

	return cmd
}
