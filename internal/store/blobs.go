package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"casd/internal/models"
)

// ErrUnknownDigest reports an operation against a digest with no record.
// It indicates a caller-side logic error (referencing before ingesting).
var ErrUnknownDigest = errors.New("unknown digest")

const blobColumns = "digest, blob_key, size_bytes, media_type, owner_of_record, reference_count, storage_backend, created_at, updated_at"

// IngestBlobRecord applies the lookup-or-create step of ingestion: an atomic
// reference-count increment when the digest exists, otherwise a fresh record
// with reference_count = 1. Either way one ingest_history row is appended in
// the same transaction. It returns the canonical record and whether it was
// created by this call.
func (s *Store) IngestBlobRecord(ctx context.Context, rec *models.BlobRecord) (_ *models.BlobRecord, created bool, err error) {
	if rec == nil {
		return nil, false, fmt.Errorf("blob record is required")
	}
	rec.Digest = strings.ToLower(strings.TrimSpace(rec.Digest))
	rec.BlobKey = strings.TrimSpace(rec.BlobKey)
	if rec.Digest == "" {
		return nil, false, fmt.Errorf("digest is required")
	}
	if rec.BlobKey == "" {
		return nil, false, fmt.Errorf("blob_key is required")
	}
	if rec.SizeBytes < 0 {
		return nil, false, fmt.Errorf("size_bytes must be >= 0")
	}
	if strings.TrimSpace(rec.OwnerOfRecord) == "" {
		return nil, false, fmt.Errorf("owner_of_record is required")
	}
	if strings.TrimSpace(rec.StorageBackend) == "" {
		rec.StorageBackend = models.StorageBackendLocalCAS
	}

	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	// Atomic read-modify-write; never a separate read-then-write from here.
	res, err := tx.ExecContext(ctx, `
		UPDATE blob_records
		SET reference_count = reference_count + 1, updated_at = ?
		WHERE digest = ?
	`, dbFormatTime(now), rec.Digest)
	if err != nil {
		return nil, false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	if affected == 0 {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO blob_records (digest, blob_key, size_bytes, media_type, owner_of_record, reference_count, storage_backend, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?)
		`,
			rec.Digest,
			rec.BlobKey,
			rec.SizeBytes,
			nullIfEmpty(strings.TrimSpace(rec.MediaType)),
			rec.OwnerOfRecord,
			rec.StorageBackend,
			dbFormatTime(rec.CreatedAt),
			dbFormatTime(rec.UpdatedAt),
		); err != nil {
			return nil, false, err
		}
		created = true
	}

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO ingest_history (digest, owner_id, size_bytes, deduplicated, ingested_at)
		VALUES (?, ?, ?, ?, ?)
	`, rec.Digest, rec.OwnerOfRecord, rec.SizeBytes, boolToInt(!created), dbFormatTime(now)); err != nil {
		return nil, false, err
	}

	canonical, err := scanBlobRecord(tx.QueryRowContext(ctx, `SELECT `+blobColumns+` FROM blob_records WHERE digest = ?`, rec.Digest))
	if err != nil {
		return nil, false, err
	}
	if canonical == nil {
		err = fmt.Errorf("blob record not found after upsert")
		return nil, false, err
	}

	if err = tx.Commit(); err != nil {
		return nil, false, err
	}
	return canonical, created, nil
}

// RetainBlob atomically increments the reference count of an existing record.
func (s *Store) RetainBlob(ctx context.Context, digest string) error {
	digest = strings.ToLower(strings.TrimSpace(digest))
	if digest == "" {
		return fmt.Errorf("digest is required")
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE blob_records
		SET reference_count = reference_count + 1, updated_at = ?
		WHERE digest = ?
	`, dbFormatTime(time.Now().UTC()), digest)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownDigest, digest)
	}
	return nil
}

// ReleaseBlob atomically decrements the reference count, clamped at zero.
// Releasing a record already at zero is reported as clamped, not an error.
func (s *Store) ReleaseBlob(ctx context.Context, digest string) (clamped bool, err error) {
	digest = strings.ToLower(strings.TrimSpace(digest))
	if digest == "" {
		return false, fmt.Errorf("digest is required")
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE blob_records
		SET reference_count = reference_count - 1, updated_at = ?
		WHERE digest = ? AND reference_count > 0
	`, dbFormatTime(time.Now().UTC()), digest)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected > 0 {
		return false, nil
	}

	rec, err := s.GetBlobRecord(ctx, digest)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, fmt.Errorf("%w: %s", ErrUnknownDigest, digest)
	}
	return true, nil
}

// GetBlobRecord returns one record by digest, or nil when absent.
func (s *Store) GetBlobRecord(ctx context.Context, digest string) (*models.BlobRecord, error) {
	digest = strings.ToLower(strings.TrimSpace(digest))
	row := s.db.QueryRowContext(ctx, `SELECT `+blobColumns+` FROM blob_records WHERE digest = ?`, digest)
	return scanBlobRecord(row)
}

// ListUnreferencedBlobs returns records with a zero reference count, oldest
// first, as sweep candidates.
func (s *Store) ListUnreferencedBlobs(ctx context.Context, limit int) ([]models.BlobRecord, error) {
	query := `SELECT ` + blobColumns + ` FROM blob_records WHERE reference_count = 0 ORDER BY created_at ASC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []models.BlobRecord{}
	for rows.Next() {
		rec, err := scanBlobRecord(rows)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			records = append(records, *rec)
		}
	}
	return records, rows.Err()
}

// DeleteBlobRecordIfUnreferenced deletes one record only if its reference
// count is still zero at delete time. A false return with nil error means
// the record was saved by a late retain (or already gone).
func (s *Store) DeleteBlobRecordIfUnreferenced(ctx context.Context, digest string) (bool, error) {
	digest = strings.ToLower(strings.TrimSpace(digest))
	if digest == "" {
		return false, fmt.Errorf("digest is required")
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM blob_records WHERE digest = ? AND reference_count = 0`, digest)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ListDuplicateDigests returns digest groups with more than one record.
// Expected empty while the digest primary key holds.
func (s *Store) ListDuplicateDigests(ctx context.Context) ([]models.DuplicateGroup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT digest, COUNT(*), SUM(size_bytes)
		FROM blob_records
		GROUP BY digest
		HAVING COUNT(*) > 1
		ORDER BY COUNT(*) DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	groups := []models.DuplicateGroup{}
	for rows.Next() {
		var g models.DuplicateGroup
		if err := rows.Scan(&g.Digest, &g.Count, &g.TotalSizeBytes); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// OwnerUsage sums stored bytes and record count attributed to one owner of record.
func (s *Store) OwnerUsage(ctx context.Context, ownerID string) (models.OwnerUsage, error) {
	usage := models.OwnerUsage{OwnerID: strings.TrimSpace(ownerID)}
	if usage.OwnerID == "" {
		return usage, fmt.Errorf("owner id is required")
	}

	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(size_bytes), 0), COUNT(*)
		FROM blob_records
		WHERE owner_of_record = ?
	`, usage.OwnerID).Scan(&usage.TotalBytes, &usage.BlobCount)
	return usage, err
}

// IngestHistory lists ingest events for one digest, newest first.
func (s *Store) IngestHistory(ctx context.Context, digest string, limit int) ([]models.IngestEvent, error) {
	digest = strings.ToLower(strings.TrimSpace(digest))
	if digest == "" {
		return nil, fmt.Errorf("digest is required")
	}

	query := `SELECT id, digest, owner_id, size_bytes, deduplicated, ingested_at FROM ingest_history WHERE digest = ? ORDER BY ingested_at DESC, id DESC`
	args := []any{digest}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []models.IngestEvent{}
	for rows.Next() {
		var event models.IngestEvent
		var dedup int
		var ingestedAt string
		if err := rows.Scan(&event.ID, &event.Digest, &event.OwnerID, &event.SizeBytes, &dedup, &ingestedAt); err != nil {
			return nil, err
		}
		event.Deduplicated = dedup != 0
		parsed, err := dbParseTime(ingestedAt)
		if err != nil {
			return nil, err
		}
		event.IngestedAt = parsed
		events = append(events, event)
	}
	return events, rows.Err()
}

// PurgeIngestHistoryOlderThan bulk-deletes aged history rows.
func (s *Store) PurgeIngestHistoryOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM ingest_history WHERE ingested_at < ?`, dbFormatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanBlobRecord(scanner interface {
	Scan(dest ...any) error
}) (*models.BlobRecord, error) {
	rec := models.BlobRecord{}
	var mediaType sql.NullString
	var createdAt, updatedAt string

	err := scanner.Scan(
		&rec.Digest,
		&rec.BlobKey,
		&rec.SizeBytes,
		&mediaType,
		&rec.OwnerOfRecord,
		&rec.ReferenceCount,
		&rec.StorageBackend,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	rec.MediaType = mediaType.String

	parsedCreated, err := dbParseTime(createdAt)
	if err != nil {
		return nil, err
	}
	parsedUpdated, err := dbParseTime(updatedAt)
	if err != nil {
		return nil, err
	}
	rec.CreatedAt = parsedCreated
	rec.UpdatedAt = parsedUpdated

	return &rec, nil
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
