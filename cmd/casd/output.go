package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"casd/internal/format"
	"casd/internal/models"
)

var outputFormatter format.Formatter = format.JSONFormatter{}

func selectFormatter(name string) error {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		outputFormatter = format.JSONFormatter{}
	case "yaml", "yml":
		outputFormatter = format.YAMLFormatter{}
	default:
		return fmt.Errorf("invalid --output %q (want json or yaml)", name)
	}
	return nil
}

func writeFormatted(payload any) error {
	return outputFormatter.Write(os.Stdout, payload)
}

func writePlain(format string, args ...any) error {
	_, err := fmt.Fprintf(os.Stdout, format, args...)
	return err
}

func writeBlobDetail(record models.BlobRecord) error {
	lines := []string{
		fmt.Sprintf("digest: %s", record.Digest),
		fmt.Sprintf("blob_key: %s", record.BlobKey),
		fmt.Sprintf("size_bytes: %d", record.SizeBytes),
		fmt.Sprintf("reference_count: %d", record.ReferenceCount),
		fmt.Sprintf("owner_of_record: %s", record.OwnerOfRecord),
		fmt.Sprintf("storage_backend: %s", record.StorageBackend),
		fmt.Sprintf("created_at: %s", formatTime(record.CreatedAt)),
		fmt.Sprintf("updated_at: %s", formatTime(record.UpdatedAt)),
	}
	if record.MediaType != "" {
		lines = append(lines, fmt.Sprintf("media_type: %s", record.MediaType))
	}
	return writePlain("%s\n", strings.Join(lines, "\n"))
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
