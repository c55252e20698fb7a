package api

import "casd/internal/models"

// ErrorResponse is a generic JSON error wrapper.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	ErrorCode int    `json:"error_code,omitempty"`
}

// InfoResponse reports server identity and store totals.
type InfoResponse struct {
	DBPath          string `json:"db_path"`
	BlobRoot        string `json:"blob_root"`
	DigestAlgorithm string `json:"digest_algorithm"`
	SchemaVersion   int    `json:"schema_version"`
	BlobCount       int64  `json:"blob_count"`
	TotalSizeBytes  int64  `json:"total_size_bytes"`
}

// BlobResponse is the wire form of one blob record.
type BlobResponse struct {
	models.BlobRecord
}

// IngestResponse is the result of an upload: the canonical record plus
// whether the content already existed.
type IngestResponse struct {
	models.BlobRecord
	Deduplicated bool `json:"deduplicated"`
}

// ReleaseResponse is the result of a release; Clamped reports a decrement
// attempted against a zero reference count.
type ReleaseResponse struct {
	models.BlobRecord
	Clamped bool `json:"clamped"`
}

// SweepRequest asks for one cleanup pass.
type SweepRequest struct {
	CleanupType string `json:"cleanup_type"`
	BatchSize   int    `json:"batch_size,omitempty"`
	DryRun      bool   `json:"dry_run,omitempty"`
}

// SweepResponse is the cleanup-log entry produced by the pass.
type SweepResponse struct {
	models.CleanupLogEntry
}

// PurgeRequest asks to drop cleanup-log rows older than a day cutoff.
type PurgeRequest struct {
	OlderThanDays int `json:"older_than_days"`
}

// PurgeResponse reports how many rows were dropped.
type PurgeResponse struct {
	PurgedRows int64 `json:"purged_rows"`
}
