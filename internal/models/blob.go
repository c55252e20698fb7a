package models

import "time"

// StorageBackendLocalCAS is the only byte-store backend currently shipped.
const StorageBackendLocalCAS = "local_cas"

// BlobRecord is the durable index entry for one distinct content digest.
// Content is immutable per digest; only ReferenceCount changes after creation.
type BlobRecord struct {
	Digest         string    `json:"digest"`
	BlobKey        string    `json:"blob_key"`
	SizeBytes      int64     `json:"size_bytes"`
	MediaType      string    `json:"media_type,omitempty"`
	OwnerOfRecord  string    `json:"owner_of_record"`
	ReferenceCount int64     `json:"reference_count"`
	StorageBackend string    `json:"storage_backend"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Unreferenced reports whether the record is eligible for sweep deletion.
func (b BlobRecord) Unreferenced() bool {
	return b.ReferenceCount == 0
}

// IngestEvent is one row of per-digest ingest history, recorded for first
// writes and dedup hits alike.
type IngestEvent struct {
	ID           int64     `json:"id"`
	Digest       string    `json:"digest"`
	OwnerID      string    `json:"owner_id"`
	SizeBytes    int64     `json:"size_bytes"`
	Deduplicated bool      `json:"deduplicated"`
	IngestedAt   time.Time `json:"ingested_at"`
}

// DuplicateGroup describes digests that appear on more than one record.
// With digest as the primary key this is structurally impossible; a non-empty
// result is a data-integrity alarm, not a condition to handle.
type DuplicateGroup struct {
	Digest         string `json:"digest"`
	Count          int64  `json:"count"`
	TotalSizeBytes int64  `json:"total_size_bytes"`
}

// OwnerUsage summarizes storage attributed to one owner of record.
type OwnerUsage struct {
	OwnerID    string `json:"owner_id"`
	TotalBytes int64  `json:"total_bytes"`
	BlobCount  int64  `json:"blob_count"`
}
