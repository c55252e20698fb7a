package blobstore

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrStorageFull reports that the byte store cannot allocate space for new
// content. Callers decide retry policy; ingestion fails cleanly.
var ErrStorageFull = errors.New("blobstore: storage full")

// PutResult describes one persisted blob payload.
type PutResult struct {
	Digest    string
	SizeBytes int64
	BlobKey   string
	// Existed reports whether byte-identical content was already stored.
	Existed bool
}

// ObjectInfo describes one stored object visited by Walk.
type ObjectInfo struct {
	BlobKey   string
	SizeBytes int64
	ModTime   time.Time
}

// Staged is a digested payload parked in the staging area, invisible to Open
// until Commit moves it into the object tree. Commit is single-shot; Discard
// drops a payload that will not be committed.
type Staged struct {
	Digest    string
	SizeBytes int64
	BlobKey   string

	commit  func(ctx context.Context) (existed bool, err error)
	discard func()
}

// Commit publishes the staged bytes at their digest key. It reports whether
// byte-identical content was already stored, in which case the staged copy
// is dropped. After a failed Commit the payload remains discardable.
func (s *Staged) Commit(ctx context.Context) (bool, error) {
	if s == nil || s.commit == nil {
		return false, errors.New("blobstore: nothing staged")
	}
	commit := s.commit
	s.commit = nil
	existed, err := commit(ctx)
	if err == nil {
		s.discard = nil
	}
	return existed, err
}

// Discard removes staged bytes that were not committed.
func (s *Staged) Discard() {
	if s == nil || s.discard == nil {
		return
	}
	discard := s.discard
	s.commit = nil
	s.discard = nil
	discard()
}

// BlobStore is the byte-storage abstraction under the dedup index. Implementations
// must be safe for concurrent use; Delete is idempotent.
type BlobStore interface {
	Put(ctx context.Context, r io.Reader) (PutResult, error)
	// Stage digests the content into the staging area without publishing it.
	// The split lets callers place the object and their index entry inside
	// one critical section.
	Stage(ctx context.Context, r io.Reader) (*Staged, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	// Walk visits every stored object. Returning an error from fn stops the walk.
	Walk(ctx context.Context, fn func(ObjectInfo) error) error
	// SweepTemp removes staging files older than olderThan and returns how many
	// were deleted.
	SweepTemp(ctx context.Context, olderThan time.Duration) (int, error)
}
