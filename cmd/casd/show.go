package main

import (
	"github.com/spf13/cobra"

	"casd/internal/api"
	"casd/internal/config"
)

func newShowCmd(cfg *config.Config) *cobra.Command {
	var plain bool

	cmd := &cobra.Command{
		Use:   "show <digest>...",
		Short: "Show blob record details",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cfg, func(client *api.Client) error {
				for _, digest := range args {
					resp, err := client.GetBlob(cmd.Context(), digest)
					if err != nil {
						return err
					}
					if plain {
						if err := writeBlobDetail(resp.BlobRecord); err != nil {
							return err
						}
						continue
					}
					if err := writeFormatted(resp); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&plain, "plain", false, "print key: value lines instead of structured output")

	return cmd
}
