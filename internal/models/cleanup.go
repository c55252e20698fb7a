package models

import (
	"fmt"
	"strings"
	"time"
)

// CleanupType categorizes one sweep run.
type CleanupType string

const (
	// CleanupTypeUnreferencedBlobs reclaims blobs whose reference count is zero.
	CleanupTypeUnreferencedBlobs CleanupType = "unreferenced_blobs"
	// CleanupTypeOrphanFiles removes byte-store files that have no record.
	CleanupTypeOrphanFiles CleanupType = "orphan_files"
	// CleanupTypeLogRotation purges aged cleanup-log and ingest-history rows.
	CleanupTypeLogRotation CleanupType = "log_rotation"
)

var validCleanupTypes = map[CleanupType]struct{}{
	CleanupTypeUnreferencedBlobs: {},
	CleanupTypeOrphanFiles:       {},
	CleanupTypeLogRotation:       {},
}

// ParseCleanupType validates a raw cleanup type string.
func ParseCleanupType(raw string) (CleanupType, error) {
	value := CleanupType(strings.ToLower(strings.TrimSpace(raw)))
	if value == "" {
		return "", fmt.Errorf("cleanup type is required")
	}
	if _, ok := validCleanupTypes[value]; !ok {
		return "", fmt.Errorf("invalid cleanup type: %s", value)
	}
	return value, nil
}

// CleanupError records one per-item failure accumulated during a sweep.
type CleanupError struct {
	Digest  string `json:"digest,omitempty"`
	BlobKey string `json:"blob_key,omitempty"`
	Message string `json:"message"`
}

// CleanupDetails is the structured payload of one cleanup-log entry. It is
// strongly typed in memory and serialized to opaque JSON only at the
// persistence boundary.
type CleanupDetails struct {
	Digests       []string       `json:"digests,omitempty"`
	SavedByRetain []string       `json:"saved_by_retain,omitempty"`
	Errors        []CleanupError `json:"errors,omitempty"`
	ScannedFiles  int64          `json:"scanned_files,omitempty"`
	PurgedRows    int64          `json:"purged_rows,omitempty"`
	DryRun        bool           `json:"dry_run,omitempty"`
}

// CleanupLogEntry is one append-only audit row describing a sweep run.
type CleanupLogEntry struct {
	ID              int64           `json:"id"`
	CleanupType     CleanupType     `json:"cleanup_type"`
	FilesDeleted    int64           `json:"files_deleted"`
	SpaceFreedBytes int64           `json:"space_freed_bytes"`
	ExecutionTimeMS int64           `json:"execution_time_ms"`
	Details         *CleanupDetails `json:"details,omitempty"`
	ExecutedAt      time.Time       `json:"executed_at"`
}

// CleanupStats aggregates sweep runs over a retention window.
type CleanupStats struct {
	Runs               int64   `json:"runs"`
	FilesDeleted       int64   `json:"files_deleted"`
	SpaceFreedBytes    int64   `json:"space_freed_bytes"`
	AvgExecutionTimeMS float64 `json:"avg_execution_time_ms"`
	Since              string  `json:"since"`
}
