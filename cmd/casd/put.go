package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"casd/internal/api"
	"casd/internal/config"
)

func newPutCmd(cfg *config.Config) *cobra.Command {
	var (
		owner     string
		mediaType string
		filename  string
	)

	cmd := &cobra.Command{
		Use:   "put <file>...",
		Short: "Ingest files; identical content is stored once and referenced",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 1 && filename != "" {
				return fmt.Errorf("--filename requires a single file")
			}
			return withClient(cfg, func(client *api.Client) error {
				for _, path := range args {
					resp, err := uploadOne(cmd, client, path, owner, mediaType, filename)
					if err != nil {
						return fmt.Errorf("%s: %w", path, err)
					}
					if err := writeFormatted(resp); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "owner id recorded on first ingest")
	cmd.Flags().StringVar(&mediaType, "media-type", "", "declared media type")
	cmd.Flags().StringVar(&filename, "filename", "", "filename to record (defaults to the file's base name)")

	return cmd
}

func uploadOne(cmd *cobra.Command, client *api.Client, path, owner, mediaType, filename string) (api.IngestResponse, error) {
	var content io.ReadCloser
	name := filename

	if path == "-" {
		content = io.NopCloser(cmd.InOrStdin())
		if name == "" {
			name = "stdin"
		}
	} else {
		file, err := os.Open(path)
		if err != nil {
			return api.IngestResponse{}, err
		}
		content = file
		if name == "" {
			name = filepath.Base(path)
		}
	}
	defer content.Close()

	return client.Upload(cmd.Context(), api.UploadInput{
		OwnerID:   owner,
		Filename:  name,
		MediaType: mediaType,
	}, content)
}
