package store

import (
	"context"
	"time"

	"casd/internal/models"
)

// BlobRecordStore is the persistence surface for the dedup index.
//
// All reference-count mutations are single-statement atomic read-modify-writes
// so that retain/release/sweep interleavings stay linearizable per digest.
type BlobRecordStore interface {
	IngestBlobRecord(ctx context.Context, rec *models.BlobRecord) (*models.BlobRecord, bool, error)
	RetainBlob(ctx context.Context, digest string) error
	ReleaseBlob(ctx context.Context, digest string) (clamped bool, err error)
	GetBlobRecord(ctx context.Context, digest string) (*models.BlobRecord, error)
	ListUnreferencedBlobs(ctx context.Context, limit int) ([]models.BlobRecord, error)
	DeleteBlobRecordIfUnreferenced(ctx context.Context, digest string) (bool, error)
	ListDuplicateDigests(ctx context.Context) ([]models.DuplicateGroup, error)
	OwnerUsage(ctx context.Context, ownerID string) (models.OwnerUsage, error)
	IngestHistory(ctx context.Context, digest string, limit int) ([]models.IngestEvent, error)
	PurgeIngestHistoryOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// CleanupLogStore is the append-only audit surface for sweep runs.
type CleanupLogStore interface {
	AppendCleanupEntry(ctx context.Context, entry *models.CleanupLogEntry) error
	QueryCleanupLog(ctx context.Context, filter CleanupLogFilter) ([]models.CleanupLogEntry, error)
	RecentCleanupEntries(ctx context.Context, n int) ([]models.CleanupLogEntry, error)
	CleanupStatsSince(ctx context.Context, since time.Time) (models.CleanupStats, error)
	PurgeCleanupLogOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

var _ BlobRecordStore = (*Store)(nil)
var _ CleanupLogStore = (*Store)(nil)
