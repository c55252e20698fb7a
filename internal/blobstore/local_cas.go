package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"casd/internal/digest"
)

// LocalCAS stores blob bytes in a local content-addressed tree. Objects live
// at <root>/<algo>/<d0d1>/<d2d3>/<digest>; writes stage under <root>/tmp and
// move into place with rename.
type LocalCAS struct {
	root string
	algo digest.Algorithm
}

// NewLocalCAS creates a local CAS rooted at root using the given algorithm.
func NewLocalCAS(root string, algo digest.Algorithm) (*LocalCAS, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("local cas root is required")
	}
	algo, err := digest.ParseAlgorithm(string(algo))
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(abs, "tmp"), 0o755); err != nil {
		return nil, err
	}
	return &LocalCAS{root: abs, algo: algo}, nil
}

// Algorithm returns the content-hash algorithm keying this store.
func (c *LocalCAS) Algorithm() digest.Algorithm {
	return c.algo
}

// Root returns the absolute directory holding the object tree.
func (c *LocalCAS) Root() string {
	return c.root
}

// Stage streams bytes to a staging file and computes the digest in the same
// pass. The content stays invisible to Open until the returned handle is
// committed.
func (c *LocalCAS) Stage(ctx context.Context, r io.Reader) (*Staged, error) {
	if c == nil {
		return nil, fmt.Errorf("blob store is not configured")
	}
	if r == nil {
		return nil, fmt.Errorf("reader is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp(filepath.Join(c.root, "tmp"), "put-*")
	if err != nil {
		return nil, mapWriteError(err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	h, err := digest.New(c.algo)
	if err != nil {
		cleanup()
		return nil, err
	}
	n, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		cleanup()
		return nil, mapWriteError(err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return nil, mapWriteError(err)
	}

	hexDigest := fmt.Sprintf("%x", h.Sum(nil))
	key := c.keyFromDigest(hexDigest)
	return &Staged{
		Digest:    hexDigest,
		SizeBytes: n,
		BlobKey:   key,
		commit: func(ctx context.Context) (bool, error) {
			return c.commitStaged(ctx, tmpPath, key)
		},
		discard: func() {
			_ = os.Remove(tmpPath)
		},
	}, nil
}

// commitStaged renames a staged file into the object tree. Content already
// present under the key wins; the staged copy is dropped and Existed
// reported.
func (c *LocalCAS) commitStaged(ctx context.Context, tmpPath, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dst := filepath.Join(c.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return false, mapWriteError(err)
	}

	if _, err := os.Stat(dst); err == nil {
		_ = os.Remove(tmpPath)
		return true, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, err
	}

	if err := os.Rename(tmpPath, dst); err != nil {
		if _, statErr := os.Stat(dst); statErr == nil {
			_ = os.Remove(tmpPath)
			return true, nil
		}
		return false, mapWriteError(err)
	}
	return false, nil
}

// Put stages and immediately commits, for callers that do not need the
// two-phase flow.
func (c *LocalCAS) Put(ctx context.Context, r io.Reader) (PutResult, error) {
	var zero PutResult
	staged, err := c.Stage(ctx, r)
	if err != nil {
		return zero, err
	}
	existed, err := staged.Commit(ctx)
	if err != nil {
		staged.Discard()
		return zero, err
	}
	return PutResult{
		Digest:    staged.Digest,
		SizeBytes: staged.SizeBytes,
		BlobKey:   staged.BlobKey,
		Existed:   existed,
	}, nil
}

// Open returns a reader for blob key content.
func (c *LocalCAS) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if c == nil {
		return nil, fmt.Errorf("blob store is not configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := c.pathFromKey(key)
	if err != nil {
		return nil, err
	}
	return os.Open(path)
}

// Delete removes a blob object. Missing files are ignored.
func (c *LocalCAS) Delete(ctx context.Context, key string) error {
	if c == nil {
		return fmt.Errorf("blob store is not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := c.pathFromKey(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Walk visits every stored object under the algorithm tree.
func (c *LocalCAS) Walk(ctx context.Context, fn func(ObjectInfo) error) error {
	if c == nil {
		return fmt.Errorf("blob store is not configured")
	}
	base := filepath.Join(c.root, string(c.algo))
	return filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(c.root, path)
		if err != nil {
			return err
		}
		return fn(ObjectInfo{
			BlobKey:   filepath.ToSlash(rel),
			SizeBytes: info.Size(),
			ModTime:   info.ModTime(),
		})
	})
}

// SweepTemp removes staging files older than olderThan, left behind by
// interrupted puts.
func (c *LocalCAS) SweepTemp(ctx context.Context, olderThan time.Duration) (int, error) {
	if c == nil {
		return 0, fmt.Errorf("blob store is not configured")
	}
	entries, err := os.ReadDir(filepath.Join(c.root, "tmp"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, entry := range entries {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return removed, ctxErr
		}
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(c.root, "tmp", entry.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

func (c *LocalCAS) keyFromDigest(hexDigest string) string {
	return fmt.Sprintf("%s/%s/%s/%s", c.algo, hexDigest[0:2], hexDigest[2:4], hexDigest)
}

func (c *LocalCAS) pathFromKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("blob key is required")
	}
	if strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("blob key must be relative")
	}
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") || strings.Contains(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid blob key")
	}
	return filepath.Join(c.root, clean), nil
}

func mapWriteError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EDQUOT) {
		return fmt.Errorf("%w: %v", ErrStorageFull, err)
	}
	return err
}

// DigestFromKey extracts the trailing digest component from a blob key.
func DigestFromKey(key string) string {
	key = strings.TrimSpace(key)
	if i := strings.LastIndex(key, "/"); i >= 0 {
		key = key[i+1:]
	}
	return key
}

var _ BlobStore = (*LocalCAS)(nil)
