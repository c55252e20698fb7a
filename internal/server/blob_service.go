package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"casd/internal/blobstore"
	"casd/internal/models"
	"casd/internal/store"
)

const fallbackContentMediaType = "application/octet-stream"

// BlobService implements ingest-or-reference and the retain/release surface
// over the record store and the byte store.
type BlobService struct {
	records store.BlobRecordStore
	blobs   blobstore.BlobStore
	locks   *digestLocks
	logger  *slog.Logger

	allowedMediaTypes map[string]struct{}
	rejectMismatch    bool
}

// IngestInput carries upload metadata alongside the content stream.
type IngestInput struct {
	Filename          string
	DeclaredMediaType string
	SniffedMediaType  string
}

// BlobContent describes an open content stream for one stored blob.
type BlobContent struct {
	Reader    io.ReadCloser
	SizeBytes int64
	MediaType string
	Filename  string
}

// NewBlobService constructs a BlobService.
func NewBlobService(records store.BlobRecordStore, blobs blobstore.BlobStore, locks *digestLocks, logger *slog.Logger) *BlobService {
	if logger == nil {
		logger = slog.Default()
	}
	if locks == nil {
		locks = newDigestLocks()
	}
	return &BlobService{
		records:        records,
		blobs:          blobs,
		locks:          locks,
		logger:         logger,
		rejectMismatch: true,
	}
}

// ConfigurePolicy overrides the media-type policy for ingestion.
func (s *BlobService) ConfigurePolicy(allowedMediaTypes []string, rejectMismatch bool) {
	if s == nil {
		return
	}
	normalized := map[string]struct{}{}
	for _, raw := range allowedMediaTypes {
		mediaType, err := normalizeMediaType(raw)
		if err != nil || mediaType == "" {
			continue
		}
		normalized[mediaType] = struct{}{}
	}
	if len(normalized) == 0 {
		s.allowedMediaTypes = nil
	} else {
		s.allowedMediaTypes = normalized
	}
	s.rejectMismatch = rejectMismatch
}

// Ingest persists content bytes once per distinct digest and returns the
// canonical record. Byte-identical content increments the existing record's
// reference count instead of storing a second copy. The bool result reports
// whether this call created the record.
func (s *BlobService) Ingest(ctx context.Context, ownerID string, in IngestInput, content io.Reader) (models.BlobRecord, bool, error) {
	var zero models.BlobRecord
	if s == nil || s.records == nil || s.blobs == nil {
		return zero, false, internalError(fmt.Errorf("blob service is not configured"))
	}
	if content == nil {
		return zero, false, badRequestCode(fmt.Errorf("content is required"), ErrCodeMissingRequired)
	}

	ownerID = strings.TrimSpace(ownerID)
	if err := validateOwnerID(ownerID); err != nil {
		return zero, false, err
	}
	mediaType, err := s.resolveMediaType(in)
	if err != nil {
		return zero, false, err
	}

	// Staging streams and digests in one pass without touching the object
	// tree, so it runs outside the per-digest critical section.
	staged, err := s.blobs.Stage(ctx, content)
	if err != nil {
		return zero, false, classifyServiceError(err)
	}

	unlock := s.locks.lock(staged.Digest)
	defer unlock()

	// Object placement and the record upsert share the critical section: a
	// sweep holding the same lock cannot reclaim the digest between them, and
	// existed reports exactly whether this call materialized the object.
	existed, err := staged.Commit(ctx)
	if err != nil {
		staged.Discard()
		return zero, false, classifyServiceError(err)
	}

	record, created, err := s.records.IngestBlobRecord(ctx, &models.BlobRecord{
		Digest:         staged.Digest,
		BlobKey:        staged.BlobKey,
		SizeBytes:      staged.SizeBytes,
		MediaType:      mediaType,
		OwnerOfRecord:  ownerID,
		StorageBackend: models.StorageBackendLocalCAS,
	})
	if err != nil {
		// No partial state: an object materialized by this call is removed
		// when the record cannot be created. An object that already existed
		// may back a live record and stays untouched.
		if !existed {
			if delErr := s.blobs.Delete(ctx, staged.BlobKey); delErr != nil {
				s.logger.Error("rollback blob bytes after failed ingest", "digest", staged.Digest, "error", delErr)
			}
		}
		return zero, false, err
	}

	if !created {
		s.logger.Debug("ingest deduplicated", "digest", record.Digest, "reference_count", record.ReferenceCount, "owner", ownerID)
	}
	return *record, created, nil
}

// Retain increments the reference count of an existing record.
func (s *BlobService) Retain(ctx context.Context, rawDigest string) (models.BlobRecord, error) {
	var zero models.BlobRecord
	if s == nil || s.records == nil {
		return zero, internalError(fmt.Errorf("blob service is not configured"))
	}
	normalized, err := normalizeDigestParam(rawDigest)
	if err != nil {
		return zero, err
	}

	if err := s.records.RetainBlob(ctx, normalized); err != nil {
		return zero, classifyServiceError(err)
	}
	return s.mustGet(ctx, normalized)
}

// Release decrements the reference count, clamped at zero. An over-release
// keeps the floor behavior but is logged so reference leaks stay visible.
func (s *BlobService) Release(ctx context.Context, rawDigest string) (models.BlobRecord, bool, error) {
	var zero models.BlobRecord
	if s == nil || s.records == nil {
		return zero, false, internalError(fmt.Errorf("blob service is not configured"))
	}
	normalized, err := normalizeDigestParam(rawDigest)
	if err != nil {
		return zero, false, err
	}

	clamped, err := s.records.ReleaseBlob(ctx, normalized)
	if err != nil {
		return zero, false, classifyServiceError(err)
	}
	if clamped {
		s.logger.Warn("release on zero-reference blob", "digest", normalized)
	}

	record, err := s.mustGet(ctx, normalized)
	if err != nil {
		return zero, false, err
	}
	return record, clamped, nil
}

// Get returns one record by digest.
func (s *BlobService) Get(ctx context.Context, rawDigest string) (models.BlobRecord, error) {
	var zero models.BlobRecord
	if s == nil || s.records == nil {
		return zero, internalError(fmt.Errorf("blob service is not configured"))
	}
	normalized, err := normalizeDigestParam(rawDigest)
	if err != nil {
		return zero, err
	}
	return s.mustGet(ctx, normalized)
}

// OpenContent opens the byte stream for one stored blob.
func (s *BlobService) OpenContent(ctx context.Context, rawDigest string) (*BlobContent, error) {
	if s == nil || s.records == nil || s.blobs == nil {
		return nil, internalError(fmt.Errorf("blob service is not configured"))
	}
	normalized, err := normalizeDigestParam(rawDigest)
	if err != nil {
		return nil, err
	}

	record, err := s.mustGet(ctx, normalized)
	if err != nil {
		return nil, err
	}

	rc, err := s.blobs.Open(ctx, record.BlobKey)
	if err != nil {
		return nil, notFoundCode(fmt.Errorf("blob content not found"), ErrCodeContentNotFound)
	}

	mediaType := strings.TrimSpace(record.MediaType)
	if mediaType == "" {
		mediaType = fallbackContentMediaType
	}

	return &BlobContent{
		Reader:    rc,
		SizeBytes: record.SizeBytes,
		MediaType: mediaType,
		Filename:  record.Digest,
	}, nil
}

// Unreferenced lists sweep-eligible records.
func (s *BlobService) Unreferenced(ctx context.Context, limit int) ([]models.BlobRecord, error) {
	if s == nil || s.records == nil {
		return nil, internalError(fmt.Errorf("blob service is not configured"))
	}
	return s.records.ListUnreferencedBlobs(ctx, limit)
}

// Duplicates lists digest groups with more than one record. Any non-empty
// result is a data-integrity alarm and is logged as such.
func (s *BlobService) Duplicates(ctx context.Context) ([]models.DuplicateGroup, error) {
	if s == nil || s.records == nil {
		return nil, internalError(fmt.Errorf("blob service is not configured"))
	}
	groups, err := s.records.ListDuplicateDigests(ctx)
	if err != nil {
		return nil, err
	}
	if len(groups) > 0 {
		s.logger.Error("digest uniqueness violated", "duplicate_groups", len(groups))
	}
	return groups, nil
}

// Usage reports bytes and record count attributed to one owner.
func (s *BlobService) Usage(ctx context.Context, ownerID string) (models.OwnerUsage, error) {
	var zero models.OwnerUsage
	if s == nil || s.records == nil {
		return zero, internalError(fmt.Errorf("blob service is not configured"))
	}
	if err := validateOwnerID(ownerID); err != nil {
		return zero, err
	}
	return s.records.OwnerUsage(ctx, strings.TrimSpace(ownerID))
}

// History lists per-digest ingest events, newest first.
func (s *BlobService) History(ctx context.Context, rawDigest string, limit int) ([]models.IngestEvent, error) {
	if s == nil || s.records == nil {
		return nil, internalError(fmt.Errorf("blob service is not configured"))
	}
	normalized, err := normalizeDigestParam(rawDigest)
	if err != nil {
		return nil, err
	}
	return s.records.IngestHistory(ctx, normalized, limit)
}

func (s *BlobService) mustGet(ctx context.Context, normalizedDigest string) (models.BlobRecord, error) {
	var zero models.BlobRecord
	record, err := s.records.GetBlobRecord(ctx, normalizedDigest)
	if err != nil {
		return zero, err
	}
	if record == nil {
		return zero, notFoundCode(fmt.Errorf("blob not found"), ErrCodeBlobNotFound)
	}
	return *record, nil
}

func (s *BlobService) resolveMediaType(in IngestInput) (string, error) {
	declared, err := normalizeMediaType(in.DeclaredMediaType)
	if err != nil {
		return "", err
	}
	sniffed, err := normalizeMediaType(in.SniffedMediaType)
	if err != nil {
		return "", err
	}

	if declared != "" && s.rejectMismatch && sniffed != "" && sniffed != fallbackContentMediaType && sniffed != declared {
		return "", badRequestCode(fmt.Errorf("declared media_type does not match content type"), ErrCodeInvalidMediaType)
	}

	final := sniffed
	if declared != "" {
		final = declared
	}

	if final != "" && len(s.allowedMediaTypes) > 0 {
		if _, ok := s.allowedMediaTypes[final]; !ok {
			return "", badRequestCode(fmt.Errorf("media_type is not allowed"), ErrCodeInvalidMediaType)
		}
	}

	return final, nil
}
