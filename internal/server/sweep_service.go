package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"casd/internal/blobstore"
	"casd/internal/models"
	"casd/internal/store"
)

const (
	defaultSweepBatchSize   = 500
	defaultOrphanGrace      = time.Hour
	defaultLogRetentionDays = 90
)

// SweepService runs the periodic reclamation passes and writes the cleanup
// log. It is the only component that deletes blob bytes.
type SweepService struct {
	records store.BlobRecordStore
	cleanup store.CleanupLogStore
	blobs   blobstore.BlobStore
	locks   *digestLocks
	logger  *slog.Logger

	batchSize            int
	orphanGrace          time.Duration
	logRetentionDays     int
	historyRetentionDays int
}

// SweepOptions tunes one sweep invocation.
type SweepOptions struct {
	BatchSize int
	DryRun    bool
}

// NewSweepService constructs a SweepService.
func NewSweepService(records store.BlobRecordStore, cleanup store.CleanupLogStore, blobs blobstore.BlobStore, locks *digestLocks, logger *slog.Logger) *SweepService {
	if logger == nil {
		logger = slog.Default()
	}
	if locks == nil {
		locks = newDigestLocks()
	}
	return &SweepService{
		records:              records,
		cleanup:              cleanup,
		blobs:                blobs,
		locks:                locks,
		logger:               logger,
		batchSize:            defaultSweepBatchSize,
		orphanGrace:          defaultOrphanGrace,
		logRetentionDays:     defaultLogRetentionDays,
		historyRetentionDays: defaultLogRetentionDays,
	}
}

// ConfigurePolicy overrides sweep tuning.
func (s *SweepService) ConfigurePolicy(batchSize int, orphanGrace time.Duration, logRetentionDays, historyRetentionDays int) {
	if s == nil {
		return
	}
	if batchSize > 0 {
		s.batchSize = batchSize
	}
	if orphanGrace >= 0 {
		s.orphanGrace = orphanGrace
	}
	if logRetentionDays > 0 {
		s.logRetentionDays = logRetentionDays
	}
	if historyRetentionDays > 0 {
		s.historyRetentionDays = historyRetentionDays
	}
}

// Sweep runs one reclamation pass of the given type and appends exactly one
// cleanup-log entry, including for no-op runs. Per-item failures accumulate
// in the entry details instead of aborting the run.
func (s *SweepService) Sweep(ctx context.Context, cleanupType models.CleanupType, opts SweepOptions) (models.CleanupLogEntry, error) {
	var zero models.CleanupLogEntry
	if s == nil || s.records == nil || s.cleanup == nil || s.blobs == nil {
		return zero, internalError(fmt.Errorf("sweep service is not configured"))
	}
	if _, err := models.ParseCleanupType(string(cleanupType)); err != nil {
		return zero, badRequestCode(err, ErrCodeInvalidSweepType)
	}

	start := time.Now()
	entry := models.CleanupLogEntry{
		CleanupType: cleanupType,
		Details:     &models.CleanupDetails{DryRun: opts.DryRun},
		ExecutedAt:  start.UTC(),
	}

	var sweepErr error
	switch cleanupType {
	case models.CleanupTypeUnreferencedBlobs:
		sweepErr = s.sweepUnreferenced(ctx, &entry, opts)
	case models.CleanupTypeOrphanFiles:
		sweepErr = s.sweepOrphanFiles(ctx, &entry, opts)
	case models.CleanupTypeLogRotation:
		sweepErr = s.rotateLogs(ctx, &entry, opts)
	}

	entry.ExecutionTimeMS = time.Since(start).Milliseconds()

	if sweepErr != nil {
		// The pass itself failed (not a per-item error); still audit what
		// happened before the failure.
		entry.Details.Errors = append(entry.Details.Errors, models.CleanupError{Message: sweepErr.Error()})
	}

	if !opts.DryRun {
		if err := s.cleanup.AppendCleanupEntry(ctx, &entry); err != nil {
			return zero, err
		}
	}

	s.logger.Info("sweep complete",
		"cleanup_type", string(cleanupType),
		"files_deleted", entry.FilesDeleted,
		"space_freed_bytes", entry.SpaceFreedBytes,
		"execution_time_ms", entry.ExecutionTimeMS,
		"errors", len(entry.Details.Errors),
		"dry_run", opts.DryRun,
	)

	if sweepErr != nil {
		return entry, makeAPIError(500, "internal", ErrCodeSweepFailed, sweepErr)
	}
	return entry, nil
}

// sweepUnreferenced reclaims blobs whose reference count is zero. Each
// candidate is its own transaction: the conditional record delete commits
// first, then the bytes go. A candidate whose conditional delete affects no
// rows was saved by a late retain and is skipped without error.
func (s *SweepService) sweepUnreferenced(ctx context.Context, entry *models.CleanupLogEntry, opts SweepOptions) error {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = s.batchSize
	}

	if opts.DryRun {
		candidates, err := s.records.ListUnreferencedBlobs(ctx, 0)
		if err != nil {
			return err
		}
		for _, rec := range candidates {
			entry.FilesDeleted++
			entry.SpaceFreedBytes += rec.SizeBytes
			entry.Details.Digests = append(entry.Details.Digests, rec.Digest)
		}
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		candidates, err := s.records.ListUnreferencedBlobs(ctx, batchSize)
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			return nil
		}

		progressed := false
		for _, rec := range candidates {
			if err := ctx.Err(); err != nil {
				return err
			}
			if s.reclaimOne(ctx, rec, entry) {
				progressed = true
			}
		}

		// Every candidate in this batch was either saved by a retain or
		// failed; looping again would spin on the same records.
		if !progressed {
			return nil
		}
	}
}

// reclaimOne deletes one candidate record and its bytes. Returns true when
// the record row was removed.
func (s *SweepService) reclaimOne(ctx context.Context, rec models.BlobRecord, entry *models.CleanupLogEntry) bool {
	unlock := s.locks.lock(rec.Digest)
	defer unlock()

	deleted, err := s.records.DeleteBlobRecordIfUnreferenced(ctx, rec.Digest)
	if err != nil {
		entry.Details.Errors = append(entry.Details.Errors, models.CleanupError{
			Digest:  rec.Digest,
			BlobKey: rec.BlobKey,
			Message: err.Error(),
		})
		return false
	}
	if !deleted {
		// Saved by a late retain between the candidate read and the delete.
		entry.Details.SavedByRetain = append(entry.Details.SavedByRetain, rec.Digest)
		return false
	}

	if err := s.blobs.Delete(ctx, rec.BlobKey); err != nil {
		// The record is gone; the stranded bytes fall to the orphan scan.
		entry.Details.Errors = append(entry.Details.Errors, models.CleanupError{
			Digest:  rec.Digest,
			BlobKey: rec.BlobKey,
			Message: fmt.Sprintf("delete bytes: %v", err),
		})
		return true
	}

	entry.FilesDeleted++
	entry.SpaceFreedBytes += rec.SizeBytes
	entry.Details.Digests = append(entry.Details.Digests, rec.Digest)
	return true
}

// sweepOrphanFiles walks the byte store and removes objects that have no
// record: leftovers from crashed ingests and byte-delete failures. Files
// younger than the grace window are skipped; an in-flight ingest writes
// bytes before its record exists.
func (s *SweepService) sweepOrphanFiles(ctx context.Context, entry *models.CleanupLogEntry, opts SweepOptions) error {
	cutoff := time.Now().Add(-s.orphanGrace)

	walkErr := s.blobs.Walk(ctx, func(info blobstore.ObjectInfo) error {
		entry.Details.ScannedFiles++
		if info.ModTime.After(cutoff) {
			return nil
		}

		objectDigest := blobstore.DigestFromKey(info.BlobKey)
		unlock := s.locks.lock(objectDigest)
		defer unlock()

		record, err := s.records.GetBlobRecord(ctx, objectDigest)
		if err != nil {
			entry.Details.Errors = append(entry.Details.Errors, models.CleanupError{
				BlobKey: info.BlobKey,
				Message: err.Error(),
			})
			return nil
		}
		if record != nil {
			return nil
		}

		if opts.DryRun {
			entry.FilesDeleted++
			entry.SpaceFreedBytes += info.SizeBytes
			return nil
		}
		if err := s.blobs.Delete(ctx, info.BlobKey); err != nil {
			entry.Details.Errors = append(entry.Details.Errors, models.CleanupError{
				BlobKey: info.BlobKey,
				Message: err.Error(),
			})
			return nil
		}
		entry.FilesDeleted++
		entry.SpaceFreedBytes += info.SizeBytes
		return nil
	})
	if walkErr != nil {
		return walkErr
	}

	if !opts.DryRun {
		if _, err := s.blobs.SweepTemp(ctx, s.orphanGrace); err != nil {
			entry.Details.Errors = append(entry.Details.Errors, models.CleanupError{Message: fmt.Sprintf("sweep temp: %v", err)})
		}
	}
	return nil
}

// rotateLogs purges aged cleanup-log and ingest-history rows. Retention is
// independent of blob lifecycle.
func (s *SweepService) rotateLogs(ctx context.Context, entry *models.CleanupLogEntry, opts SweepOptions) error {
	if opts.DryRun {
		return nil
	}

	logCutoff := time.Now().UTC().AddDate(0, 0, -s.logRetentionDays)
	purged, err := s.cleanup.PurgeCleanupLogOlderThan(ctx, logCutoff)
	if err != nil {
		return err
	}
	entry.Details.PurgedRows += purged

	historyCutoff := time.Now().UTC().AddDate(0, 0, -s.historyRetentionDays)
	purgedHistory, err := s.records.PurgeIngestHistoryOlderThan(ctx, historyCutoff)
	if err != nil {
		return err
	}
	entry.Details.PurgedRows += purgedHistory

	return nil
}
