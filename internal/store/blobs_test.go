package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"casd/internal/models"
)

// testStore creates a temporary store for testing.
func testStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	st, err := Open(path)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func testRecord(digest, owner string, size int64) *models.BlobRecord {
	return &models.BlobRecord{
		Digest:        digest,
		BlobKey:       "sha256/" + digest[:2] + "/" + digest[2:4] + "/" + digest,
		SizeBytes:     size,
		OwnerOfRecord: owner,
	}
}

const digestA = "aaaa567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef"
const digestB = "bbbb567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef"

func TestIngestCreatesThenDeduplicates(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	rec, created, err := st.IngestBlobRecord(ctx, testRecord(digestA, "owner-1", 128))
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if !created {
		t.Fatal("expected first ingest to create the record")
	}
	if rec.ReferenceCount != 1 {
		t.Fatalf("expected reference_count 1, got %d", rec.ReferenceCount)
	}

	for i := 2; i <= 3; i++ {
		rec, created, err = st.IngestBlobRecord(ctx, testRecord(digestA, "owner-2", 128))
		if err != nil {
			t.Fatalf("ingest %d: %v", i, err)
		}
		if created {
			t.Fatalf("ingest %d: expected dedup, got created", i)
		}
		if rec.ReferenceCount != int64(i) {
			t.Fatalf("ingest %d: expected reference_count %d, got %d", i, i, rec.ReferenceCount)
		}
	}

	// Owner of record never changes after the first write.
	if rec.OwnerOfRecord != "owner-1" {
		t.Fatalf("expected owner_of_record owner-1, got %q", rec.OwnerOfRecord)
	}
}

func TestIngestNormalizesDigestCase(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if _, _, err := st.IngestBlobRecord(ctx, testRecord(digestA, "o", 1)); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	rec, created, err := st.IngestBlobRecord(ctx, testRecord(strings.ToUpper(digestA), "o", 1))
	if err != nil {
		t.Fatalf("upper-case ingest: %v", err)
	}
	if created {
		t.Fatal("expected upper-case digest to hit the existing record")
	}
	if rec.Digest != digestA {
		t.Fatalf("expected normalized digest, got %q", rec.Digest)
	}
}

func TestIngestValidation(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	cases := []*models.BlobRecord{
		nil,
		{BlobKey: "k", OwnerOfRecord: "o"},
		{Digest: digestA, OwnerOfRecord: "o"},
		{Digest: digestA, BlobKey: "k"},
		{Digest: digestA, BlobKey: "k", OwnerOfRecord: "o", SizeBytes: -1},
	}
	for i, rec := range cases {
		if _, _, err := st.IngestBlobRecord(ctx, rec); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestConcurrentIngestSameDigest(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	const workers = 10

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, _, err := st.IngestBlobRecord(ctx, testRecord(digestA, fmt.Sprintf("owner-%d", n), 64))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent ingest: %v", err)
		}
	}

	rec, err := st.GetBlobRecord(ctx, digestA)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec == nil {
		t.Fatal("expected record")
	}
	if rec.ReferenceCount != workers {
		t.Fatalf("expected reference_count %d, got %d", workers, rec.ReferenceCount)
	}
}

func TestRetainUnknownDigest(t *testing.T) {
	st := testStore(t)

	err := st.RetainBlob(context.Background(), digestA)
	if !errors.Is(err, ErrUnknownDigest) {
		t.Fatalf("expected ErrUnknownDigest, got %v", err)
	}
}

func TestReleaseClampsAtZero(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if _, _, err := st.IngestBlobRecord(ctx, testRecord(digestA, "o", 10)); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	clamped, err := st.ReleaseBlob(ctx, digestA)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if clamped {
		t.Fatal("expected normal decrement, got clamped")
	}

	rec, err := st.GetBlobRecord(ctx, digestA)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.ReferenceCount != 0 {
		t.Fatalf("expected reference_count 0, got %d", rec.ReferenceCount)
	}

	clamped, err = st.ReleaseBlob(ctx, digestA)
	if err != nil {
		t.Fatalf("release at zero: %v", err)
	}
	if !clamped {
		t.Fatal("expected clamp at zero")
	}

	rec, err = st.GetBlobRecord(ctx, digestA)
	if err != nil {
		t.Fatalf("get after clamp: %v", err)
	}
	if rec.ReferenceCount != 0 {
		t.Fatalf("expected reference_count to stay 0, got %d", rec.ReferenceCount)
	}
}

func TestReleaseUnknownDigest(t *testing.T) {
	st := testStore(t)

	_, err := st.ReleaseBlob(context.Background(), digestA)
	if !errors.Is(err, ErrUnknownDigest) {
		t.Fatalf("expected ErrUnknownDigest, got %v", err)
	}
}

func TestConditionalDeleteSkipsReferenced(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if _, _, err := st.IngestBlobRecord(ctx, testRecord(digestA, "o", 10)); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	// Still referenced: the conditional delete must not fire.
	deleted, err := st.DeleteBlobRecordIfUnreferenced(ctx, digestA)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted {
		t.Fatal("expected delete to skip a referenced record")
	}

	if _, err := st.ReleaseBlob(ctx, digestA); err != nil {
		t.Fatalf("release: %v", err)
	}

	deleted, err = st.DeleteBlobRecordIfUnreferenced(ctx, digestA)
	if err != nil {
		t.Fatalf("delete unreferenced: %v", err)
	}
	if !deleted {
		t.Fatal("expected delete of unreferenced record")
	}

	rec, err := st.GetBlobRecord(ctx, digestA)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec != nil {
		t.Fatal("expected record gone")
	}

	// Idempotent: a second delete is a no-op, not an error.
	deleted, err = st.DeleteBlobRecordIfUnreferenced(ctx, digestA)
	if err != nil {
		t.Fatalf("repeat delete: %v", err)
	}
	if deleted {
		t.Fatal("expected repeat delete to affect nothing")
	}
}

func TestListUnreferencedOldestFirst(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	older := testRecord(digestA, "o", 1)
	older.CreatedAt = time.Now().UTC().Add(-2 * time.Hour)
	if _, _, err := st.IngestBlobRecord(ctx, older); err != nil {
		t.Fatalf("ingest older: %v", err)
	}
	if _, _, err := st.IngestBlobRecord(ctx, testRecord(digestB, "o", 2)); err != nil {
		t.Fatalf("ingest newer: %v", err)
	}
	for _, digest := range []string{digestA, digestB} {
		if _, err := st.ReleaseBlob(ctx, digest); err != nil {
			t.Fatalf("release %s: %v", digest, err)
		}
	}

	records, err := st.ListUnreferencedBlobs(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(records))
	}
	if records[0].Digest != digestA {
		t.Fatalf("expected oldest first, got %q", records[0].Digest)
	}

	limited, err := st.ListUnreferencedBlobs(ctx, 1)
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("expected limit 1, got %d", len(limited))
	}
}

func TestListDuplicateDigestsEmpty(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if _, _, err := st.IngestBlobRecord(ctx, testRecord(digestA, "o", 1)); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if _, _, err := st.IngestBlobRecord(ctx, testRecord(digestA, "o", 1)); err != nil {
		t.Fatalf("dedup ingest: %v", err)
	}

	groups, err := st.ListDuplicateDigests(ctx)
	if err != nil {
		t.Fatalf("duplicates: %v", err)
	}
	if len(groups) != 0 {
		t.Fatalf("expected no duplicate groups with digest primary key, got %d", len(groups))
	}
}

func TestOwnerUsage(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if _, _, err := st.IngestBlobRecord(ctx, testRecord(digestA, "owner-1", 100)); err != nil {
		t.Fatalf("ingest a: %v", err)
	}
	if _, _, err := st.IngestBlobRecord(ctx, testRecord(digestB, "owner-1", 50)); err != nil {
		t.Fatalf("ingest b: %v", err)
	}

	usage, err := st.OwnerUsage(ctx, "owner-1")
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if usage.BlobCount != 2 || usage.TotalBytes != 150 {
		t.Fatalf("expected 2 blobs / 150 bytes, got %d / %d", usage.BlobCount, usage.TotalBytes)
	}

	empty, err := st.OwnerUsage(ctx, "owner-9")
	if err != nil {
		t.Fatalf("usage unknown owner: %v", err)
	}
	if empty.BlobCount != 0 || empty.TotalBytes != 0 {
		t.Fatalf("expected zero usage, got %+v", empty)
	}
}

func TestIngestHistoryRecordsDedup(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if _, _, err := st.IngestBlobRecord(ctx, testRecord(digestA, "owner-1", 64)); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if _, _, err := st.IngestBlobRecord(ctx, testRecord(digestA, "owner-2", 64)); err != nil {
		t.Fatalf("second ingest: %v", err)
	}

	events, err := st.IngestHistory(ctx, digestA, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	// Newest first.
	if !events[0].Deduplicated {
		t.Fatal("expected newest event to be a dedup hit")
	}
	if events[1].Deduplicated {
		t.Fatal("expected oldest event to be the first write")
	}
	if events[0].OwnerID != "owner-2" {
		t.Fatalf("expected owner-2 on dedup event, got %q", events[0].OwnerID)
	}
}

func TestPurgeIngestHistory(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if _, _, err := st.IngestBlobRecord(ctx, testRecord(digestA, "o", 1)); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	purged, err := st.PurgeIngestHistoryOlderThan(ctx, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 0 {
		t.Fatalf("expected nothing purged, got %d", purged)
	}

	purged, err = st.PurgeIngestHistoryOlderThan(ctx, time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("purge future cutoff: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 row purged, got %d", purged)
	}
}
