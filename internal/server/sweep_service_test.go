package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"casd/internal/blobstore"
	"casd/internal/models"
	"casd/internal/store"
)

func releaseToZero(t *testing.T, service *BlobService, digest string) {
	t.Helper()
	for {
		record, _, err := service.Release(context.Background(), digest)
		if err != nil {
			t.Fatalf("release %s: %v", digest, err)
		}
		if record.ReferenceCount == 0 {
			return
		}
	}
}

func TestSweepUnreferencedReclaims(t *testing.T) {
	service, sweeper, st, cas := testServices(t)
	ctx := context.Background()

	keep := ingestString(t, service, "o", "keep me")
	drop := ingestString(t, service, "o", "drop me")
	releaseToZero(t, service, drop)

	entry, err := sweeper.Sweep(ctx, models.CleanupTypeUnreferencedBlobs, SweepOptions{})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if entry.FilesDeleted != 1 {
		t.Fatalf("expected 1 file deleted, got %d", entry.FilesDeleted)
	}
	if entry.SpaceFreedBytes != int64(len("drop me")) {
		t.Fatalf("expected %d bytes freed, got %d", len("drop me"), entry.SpaceFreedBytes)
	}
	if len(entry.Details.Digests) != 1 || entry.Details.Digests[0] != drop {
		t.Fatalf("unexpected digests: %v", entry.Details.Digests)
	}
	if len(entry.Details.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", entry.Details.Errors)
	}

	// Record and bytes are gone.
	rec, err := st.GetBlobRecord(ctx, drop)
	if err != nil {
		t.Fatalf("get dropped: %v", err)
	}
	if rec != nil {
		t.Fatal("expected dropped record deleted")
	}
	kept, err := st.GetBlobRecord(ctx, keep)
	if err != nil || kept == nil {
		t.Fatalf("expected kept record to survive: %v", err)
	}
	if _, err := service.OpenContent(ctx, keep); err != nil {
		t.Fatalf("kept content should open: %v", err)
	}

	found := false
	_ = cas.Walk(ctx, func(info blobstore.ObjectInfo) error {
		if blobstore.DigestFromKey(info.BlobKey) == drop {
			found = true
		}
		return nil
	})
	if found {
		t.Fatal("expected dropped bytes removed from the byte store")
	}

	// Exactly one audit entry for the run.
	entries, err := st.QueryCleanupLog(ctx, store.CleanupLogFilter{})
	if err != nil {
		t.Fatalf("query log: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	service, sweeper, st, _ := testServices(t)
	ctx := context.Background()

	d := ingestString(t, service, "o", "once")
	releaseToZero(t, service, d)

	if _, err := sweeper.Sweep(ctx, models.CleanupTypeUnreferencedBlobs, SweepOptions{}); err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	second, err := sweeper.Sweep(ctx, models.CleanupTypeUnreferencedBlobs, SweepOptions{})
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if second.FilesDeleted != 0 || second.SpaceFreedBytes != 0 {
		t.Fatalf("expected no-op second sweep, got %+v", second)
	}

	// No-op runs still append an audit entry.
	entries, err := st.QueryCleanupLog(ctx, store.CleanupLogFilter{})
	if err != nil {
		t.Fatalf("query log: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(entries))
	}
}

func TestSweepDryRunDeletesNothing(t *testing.T) {
	service, sweeper, st, _ := testServices(t)
	ctx := context.Background()

	d := ingestString(t, service, "o", "dry run target")
	releaseToZero(t, service, d)

	entry, err := sweeper.Sweep(ctx, models.CleanupTypeUnreferencedBlobs, SweepOptions{DryRun: true})
	if err != nil {
		t.Fatalf("dry-run sweep: %v", err)
	}
	if entry.FilesDeleted != 1 {
		t.Fatalf("expected dry run to report 1 candidate, got %d", entry.FilesDeleted)
	}
	if !entry.Details.DryRun {
		t.Fatal("expected dry_run flag in details")
	}

	rec, err := st.GetBlobRecord(ctx, d)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec == nil {
		t.Fatal("expected record to survive a dry run")
	}
	entries, err := st.QueryCleanupLog(ctx, store.CleanupLogFilter{})
	if err != nil {
		t.Fatalf("query log: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected dry run to skip the audit log, got %d entries", len(entries))
	}
}

func TestSweepRejectsInvalidType(t *testing.T) {
	_, sweeper, _, _ := testServices(t)

	_, err := sweeper.Sweep(context.Background(), models.CleanupType("defrag"), SweepOptions{})
	if err == nil {
		t.Fatal("expected invalid cleanup type error")
	}
}

// saveByRetainStore reports candidates but refuses the conditional delete,
// simulating a retain landing between the candidate read and the delete.
type saveByRetainStore struct {
	store.BlobRecordStore
	served bool
}

func (s *saveByRetainStore) ListUnreferencedBlobs(ctx context.Context, limit int) ([]models.BlobRecord, error) {
	if s.served {
		return nil, nil
	}
	s.served = true
	return []models.BlobRecord{{Digest: strings.Repeat("ab", 32), BlobKey: "sha256/ab/ab/x", SizeBytes: 9}}, nil
}

func (s *saveByRetainStore) DeleteBlobRecordIfUnreferenced(ctx context.Context, digest string) (bool, error) {
	return false, nil
}

func TestSweepSavedByLateRetain(t *testing.T) {
	_, _, st, cas := testServices(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	records := &saveByRetainStore{BlobRecordStore: st}
	sweeper := NewSweepService(records, st, cas, newDigestLocks(), logger)

	entry, err := sweeper.Sweep(context.Background(), models.CleanupTypeUnreferencedBlobs, SweepOptions{})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if entry.FilesDeleted != 0 {
		t.Fatalf("expected nothing deleted, got %d", entry.FilesDeleted)
	}
	if len(entry.Details.SavedByRetain) != 1 {
		t.Fatalf("expected 1 saved digest, got %v", entry.Details.SavedByRetain)
	}
	if len(entry.Details.Errors) != 0 {
		t.Fatalf("a save is not an error: %v", entry.Details.Errors)
	}
}

func TestSweepAccumulatesPerItemErrors(t *testing.T) {
	service, _, st, cas := testServices(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	bad := ingestString(t, service, "o", "bytes that will not delete")
	good := ingestString(t, service, "o", "bytes that delete fine")
	releaseToZero(t, service, bad)
	releaseToZero(t, service, good)

	// Fail byte deletion for one key only.
	badRec, err := st.GetBlobRecord(context.Background(), bad)
	if err != nil || badRec == nil {
		t.Fatalf("get bad record: %v", err)
	}
	blobs := &selectiveFailStore{BlobStore: cas, failKey: badRec.BlobKey}
	sweeper := NewSweepService(st, st, blobs, newDigestLocks(), logger)

	entry, err := sweeper.Sweep(context.Background(), models.CleanupTypeUnreferencedBlobs, SweepOptions{})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if entry.FilesDeleted != 1 {
		t.Fatalf("expected the healthy candidate reclaimed, got %d", entry.FilesDeleted)
	}
	if len(entry.Details.Errors) != 1 {
		t.Fatalf("expected 1 accumulated error, got %v", entry.Details.Errors)
	}
	if entry.Details.Errors[0].Digest != bad {
		t.Fatalf("expected error attributed to %s, got %+v", bad, entry.Details.Errors[0])
	}

	// Both records are gone either way; the stranded bytes fall to the
	// orphan scan.
	for _, digest := range []string{bad, good} {
		rec, err := st.GetBlobRecord(context.Background(), digest)
		if err != nil {
			t.Fatalf("get %s: %v", digest, err)
		}
		if rec != nil {
			t.Fatalf("expected record %s deleted", digest)
		}
	}
}

type selectiveFailStore struct {
	blobstore.BlobStore
	failKey string
}

func (s *selectiveFailStore) Delete(ctx context.Context, key string) error {
	if key == s.failKey {
		return fmt.Errorf("device busy")
	}
	return s.BlobStore.Delete(ctx, key)
}

func TestSweepOrphanFiles(t *testing.T) {
	service, sweeper, _, cas := testServices(t)
	ctx := context.Background()
	sweeper.ConfigurePolicy(0, time.Minute, 0, 0)

	tracked := ingestString(t, service, "o", "tracked bytes")

	// Plant an orphan object directly in the byte store and age it.
	orphanPut, err := cas.Put(ctx, strings.NewReader("orphan bytes"))
	if err != nil {
		t.Fatalf("put orphan: %v", err)
	}
	orphanPath := orphanObjectPath(t, cas, orphanPut.BlobKey)
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(orphanPath, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	entry, err := sweeper.Sweep(ctx, models.CleanupTypeOrphanFiles, SweepOptions{})
	if err != nil {
		t.Fatalf("orphan sweep: %v", err)
	}
	if entry.FilesDeleted != 1 {
		t.Fatalf("expected 1 orphan removed, got %d", entry.FilesDeleted)
	}
	if entry.Details.ScannedFiles < 2 {
		t.Fatalf("expected at least 2 scanned files, got %d", entry.Details.ScannedFiles)
	}

	// The tracked object survives, the orphan does not.
	if _, err := service.OpenContent(ctx, tracked); err != nil {
		t.Fatalf("tracked content should survive: %v", err)
	}
	if _, err := os.Stat(orphanPath); !os.IsNotExist(err) {
		t.Fatal("expected orphan bytes removed")
	}
}

func TestSweepOrphanFilesRespectsGraceWindow(t *testing.T) {
	_, sweeper, _, cas := testServices(t)
	ctx := context.Background()
	sweeper.ConfigurePolicy(0, time.Hour, 0, 0)

	// Freshly written orphan: could be an ingest whose record write is
	// still in flight.
	put, err := cas.Put(ctx, strings.NewReader("fresh orphan"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	entry, err := sweeper.Sweep(ctx, models.CleanupTypeOrphanFiles, SweepOptions{})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if entry.FilesDeleted != 0 {
		t.Fatalf("expected grace window to protect fresh files, got %d deleted", entry.FilesDeleted)
	}
	if _, err := cas.Open(ctx, put.BlobKey); err != nil {
		t.Fatalf("fresh orphan should survive: %v", err)
	}
}

func TestSweepLogRotation(t *testing.T) {
	_, sweeper, st, _ := testServices(t)
	ctx := context.Background()
	sweeper.ConfigurePolicy(0, 0, 30, 30)

	aged := &models.CleanupLogEntry{
		CleanupType: models.CleanupTypeUnreferencedBlobs,
		ExecutedAt:  time.Now().UTC().AddDate(0, 0, -60),
	}
	if err := st.AppendCleanupEntry(ctx, aged); err != nil {
		t.Fatalf("append aged: %v", err)
	}

	entry, err := sweeper.Sweep(ctx, models.CleanupTypeLogRotation, SweepOptions{})
	if err != nil {
		t.Fatalf("rotation sweep: %v", err)
	}
	if entry.Details.PurgedRows != 1 {
		t.Fatalf("expected 1 purged row, got %d", entry.Details.PurgedRows)
	}

	entries, err := st.QueryCleanupLog(ctx, store.CleanupLogFilter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	// The aged entry is gone; the rotation run itself is logged.
	if len(entries) != 1 {
		t.Fatalf("expected only the rotation entry, got %d", len(entries))
	}
	if entries[0].CleanupType != models.CleanupTypeLogRotation {
		t.Fatalf("expected log_rotation entry, got %q", entries[0].CleanupType)
	}
}

func orphanObjectPath(t *testing.T, cas *blobstore.LocalCAS, key string) string {
	t.Helper()
	return filepath.Join(cas.Root(), filepath.FromSlash(key))
}
