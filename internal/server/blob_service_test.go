package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"casd/internal/blobstore"
	"casd/internal/digest"
	"casd/internal/models"
	"casd/internal/store"
)

func testServices(t *testing.T) (*BlobService, *SweepService, *store.Store, *blobstore.LocalCAS) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cas, err := blobstore.NewLocalCAS(t.TempDir(), digest.AlgorithmSHA256)
	if err != nil {
		t.Fatalf("new cas: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	locks := newDigestLocks()
	service := NewBlobService(st, cas, locks, logger)
	sweeper := NewSweepService(st, st, cas, locks, logger)
	return service, sweeper, st, cas
}

func ingestString(t *testing.T, service *BlobService, owner, content string) string {
	t.Helper()
	record, _, err := service.Ingest(context.Background(), owner, IngestInput{Filename: "file.bin"}, strings.NewReader(content))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	return record.Digest
}

func TestIngestDeduplicatesIdenticalContent(t *testing.T) {
	service, _, _, _ := testServices(t)
	ctx := context.Background()

	first, created, err := service.Ingest(ctx, "owner-1", IngestInput{Filename: "a.txt"}, strings.NewReader("identical bytes"))
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if !created {
		t.Fatal("expected first ingest to create")
	}
	if first.ReferenceCount != 1 {
		t.Fatalf("expected reference_count 1, got %d", first.ReferenceCount)
	}

	second, created, err := service.Ingest(ctx, "owner-2", IngestInput{Filename: "b.txt"}, strings.NewReader("identical bytes"))
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if created {
		t.Fatal("expected dedup, got created")
	}
	if second.Digest != first.Digest {
		t.Fatalf("expected same digest, got %s vs %s", second.Digest, first.Digest)
	}
	if second.ReferenceCount != 2 {
		t.Fatalf("expected reference_count 2, got %d", second.ReferenceCount)
	}
	if second.OwnerOfRecord != "owner-1" {
		t.Fatalf("expected original owner kept, got %q", second.OwnerOfRecord)
	}
}

func TestIngestDistinctContentDistinctRecords(t *testing.T) {
	service, _, _, _ := testServices(t)

	a := ingestString(t, service, "o", "content a")
	b := ingestString(t, service, "o", "content b")
	if a == b {
		t.Fatal("expected distinct digests for distinct content")
	}
}

func TestIngestRequiresOwner(t *testing.T) {
	service, _, _, _ := testServices(t)

	_, _, err := service.Ingest(context.Background(), "  ", IngestInput{}, strings.NewReader("x"))
	if err == nil {
		t.Fatal("expected owner validation error")
	}
	if httpStatusFromError(err) != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", httpStatusFromError(err))
	}
}

func TestIngestMediaTypeMismatchRejected(t *testing.T) {
	service, _, _, _ := testServices(t)

	_, _, err := service.Ingest(context.Background(), "o", IngestInput{
		DeclaredMediaType: "image/png",
		SniffedMediaType:  "text/plain; charset=utf-8",
	}, strings.NewReader("clearly text"))
	if err == nil {
		t.Fatal("expected media type mismatch rejection")
	}
	if httpStatusFromError(err) != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", httpStatusFromError(err))
	}
}

func TestIngestMediaTypeAllowList(t *testing.T) {
	service, _, _, _ := testServices(t)
	service.ConfigurePolicy([]string{"application/pdf"}, false)

	_, _, err := service.Ingest(context.Background(), "o", IngestInput{
		DeclaredMediaType: "application/zip",
	}, strings.NewReader("x"))
	if err == nil {
		t.Fatal("expected allow-list rejection")
	}

	record, _, err := service.Ingest(context.Background(), "o", IngestInput{
		DeclaredMediaType: "application/pdf",
	}, strings.NewReader("x"))
	if err != nil {
		t.Fatalf("allowed type: %v", err)
	}
	if record.MediaType != "application/pdf" {
		t.Fatalf("expected application/pdf, got %q", record.MediaType)
	}
}

func TestConcurrentIngestSameContent(t *testing.T) {
	service, _, _, _ := testServices(t)
	const workers = 8

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := service.Ingest(context.Background(), "o", IngestInput{}, strings.NewReader("racy bytes"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent ingest: %v", err)
		}
	}

	d, _, err := digest.Compute(digest.AlgorithmSHA256, strings.NewReader("racy bytes"))
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	record, err := service.Get(context.Background(), d)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if record.ReferenceCount != workers {
		t.Fatalf("expected reference_count %d, got %d", workers, record.ReferenceCount)
	}
}

func TestRetainAndRelease(t *testing.T) {
	service, _, _, _ := testServices(t)
	ctx := context.Background()
	d := ingestString(t, service, "o", "lifecycle")

	record, err := service.Retain(ctx, d)
	if err != nil {
		t.Fatalf("retain: %v", err)
	}
	if record.ReferenceCount != 2 {
		t.Fatalf("expected reference_count 2, got %d", record.ReferenceCount)
	}

	record, clamped, err := service.Release(ctx, d)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if clamped || record.ReferenceCount != 1 {
		t.Fatalf("expected clean decrement to 1, got clamped=%v count=%d", clamped, record.ReferenceCount)
	}

	if _, _, err := service.Release(ctx, d); err != nil {
		t.Fatalf("release to zero: %v", err)
	}

	record, clamped, err = service.Release(ctx, d)
	if err != nil {
		t.Fatalf("release past zero: %v", err)
	}
	if !clamped {
		t.Fatal("expected clamp past zero")
	}
	if record.ReferenceCount != 0 {
		t.Fatalf("expected floor at 0, got %d", record.ReferenceCount)
	}
}

func TestRetainUnknownDigestMapsTo404(t *testing.T) {
	service, _, _, _ := testServices(t)

	_, err := service.Retain(context.Background(), strings.Repeat("ab", 32))
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, store.ErrUnknownDigest) {
		t.Fatalf("expected ErrUnknownDigest in chain, got %v", err)
	}
	if httpStatusFromError(err) != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", httpStatusFromError(err))
	}
}

func TestRetainRejectsMalformedDigest(t *testing.T) {
	service, _, _, _ := testServices(t)

	_, err := service.Retain(context.Background(), "not-a-digest")
	if err == nil {
		t.Fatal("expected validation error")
	}
	if httpStatusFromError(err) != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", httpStatusFromError(err))
	}
}

func TestOpenContentRoundTrip(t *testing.T) {
	service, _, _, _ := testServices(t)
	d := ingestString(t, service, "o", "stored payload")

	content, err := service.OpenContent(context.Background(), d)
	if err != nil {
		t.Fatalf("open content: %v", err)
	}
	defer content.Reader.Close()

	data, err := io.ReadAll(content.Reader)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "stored payload" {
		t.Fatalf("expected payload, got %q", data)
	}
	if content.SizeBytes != int64(len("stored payload")) {
		t.Fatalf("expected size %d, got %d", len("stored payload"), content.SizeBytes)
	}
	if content.MediaType == "" {
		t.Fatal("expected a media type fallback")
	}
}

func TestHistoryAndUsageThroughService(t *testing.T) {
	service, _, _, _ := testServices(t)
	ctx := context.Background()

	d := ingestString(t, service, "owner-1", "tracked")
	if _, _, err := service.Ingest(ctx, "owner-2", IngestInput{}, strings.NewReader("tracked")); err != nil {
		t.Fatalf("second ingest: %v", err)
	}

	events, err := service.History(ctx, d, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}

	usage, err := service.Usage(ctx, "owner-1")
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if usage.BlobCount != 1 {
		t.Fatalf("expected 1 blob for owner-1, got %d", usage.BlobCount)
	}
}

// stageHookStore runs a callback after staging completes, before the caller
// takes the digest lock. It opens the window between an ingest's stage and
// commit phases to a competing actor.
type stageHookStore struct {
	*blobstore.LocalCAS
	afterStage func()
}

func (s *stageHookStore) Stage(ctx context.Context, r io.Reader) (*blobstore.Staged, error) {
	staged, err := s.LocalCAS.Stage(ctx, r)
	if err == nil && s.afterStage != nil {
		s.afterStage()
	}
	return staged, err
}

type failingIngestRecords struct {
	store.BlobRecordStore
}

func (f *failingIngestRecords) IngestBlobRecord(ctx context.Context, rec *models.BlobRecord) (*models.BlobRecord, bool, error) {
	return nil, false, fmt.Errorf("record store unavailable")
}

func TestIngestRacingSweepKeepsBytes(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	cas, err := blobstore.NewLocalCAS(t.TempDir(), digest.AlgorithmSHA256)
	if err != nil {
		t.Fatalf("new cas: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	locks := newDigestLocks()
	setup := NewBlobService(st, cas, locks, logger)
	sweeper := NewSweepService(st, st, cas, locks, logger)
	ctx := context.Background()

	d := ingestString(t, setup, "owner-1", "raced bytes")
	releaseToZero(t, setup, d)

	// A second ingest of identical content has staged its payload when the
	// sweeper reclaims the zero-reference record and its bytes.
	var swept models.CleanupLogEntry
	hooked := &stageHookStore{LocalCAS: cas, afterStage: func() {
		entry, err := sweeper.Sweep(ctx, models.CleanupTypeUnreferencedBlobs, SweepOptions{})
		if err != nil {
			t.Errorf("sweep: %v", err)
		}
		swept = entry
	}}
	racing := NewBlobService(st, hooked, locks, logger)

	record, created, err := racing.Ingest(ctx, "owner-2", IngestInput{}, strings.NewReader("raced bytes"))
	if err != nil {
		t.Fatalf("ingest racing sweep: %v", err)
	}
	if swept.FilesDeleted != 1 {
		t.Fatalf("expected the sweep to reclaim the old copy, got %d", swept.FilesDeleted)
	}
	if !created {
		t.Fatal("expected a fresh record after the sweep")
	}
	if record.ReferenceCount != 1 {
		t.Fatalf("expected reference_count 1, got %d", record.ReferenceCount)
	}

	// The record must point at live bytes: the commit inside the critical
	// section re-materializes the object the sweep removed.
	content, err := racing.OpenContent(ctx, d)
	if err != nil {
		t.Fatalf("open content after race: %v", err)
	}
	defer content.Reader.Close()
	data, err := io.ReadAll(content.Reader)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "raced bytes" {
		t.Fatalf("expected raced bytes, got %q", data)
	}
}

func TestFailedIngestRollbackSparesSharedObject(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	cas, err := blobstore.NewLocalCAS(t.TempDir(), digest.AlgorithmSHA256)
	if err != nil {
		t.Fatalf("new cas: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	locks := newDigestLocks()
	winner := NewBlobService(st, cas, locks, logger)
	ctx := context.Background()

	// While the losing ingest sits between stage and commit, an identical
	// ingest completes. The loser's record write then fails; its rollback
	// must not remove the object the winner's record references.
	hooked := &stageHookStore{LocalCAS: cas, afterStage: func() {
		if _, _, err := winner.Ingest(ctx, "winner", IngestInput{}, strings.NewReader("contended bytes")); err != nil {
			t.Errorf("winner ingest: %v", err)
		}
	}}
	loser := NewBlobService(&failingIngestRecords{BlobRecordStore: st}, hooked, locks, logger)

	if _, _, err := loser.Ingest(ctx, "loser", IngestInput{}, strings.NewReader("contended bytes")); err == nil {
		t.Fatal("expected the losing ingest to fail")
	}

	d, _, err := digest.Compute(digest.AlgorithmSHA256, strings.NewReader("contended bytes"))
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	record, err := winner.Get(ctx, d)
	if err != nil {
		t.Fatalf("winner record: %v", err)
	}
	if record.ReferenceCount != 1 {
		t.Fatalf("expected reference_count 1, got %d", record.ReferenceCount)
	}

	content, err := winner.OpenContent(ctx, d)
	if err != nil {
		t.Fatalf("winner bytes gone after losing rollback: %v", err)
	}
	content.Reader.Close()
}

func TestDuplicatesEmpty(t *testing.T) {
	service, _, _, _ := testServices(t)
	ingestString(t, service, "o", "x")

	groups, err := service.Duplicates(context.Background())
	if err != nil {
		t.Fatalf("duplicates: %v", err)
	}
	if len(groups) != 0 {
		t.Fatalf("expected no duplicates, got %d", len(groups))
	}
}
