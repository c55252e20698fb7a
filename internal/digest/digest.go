// Package digest computes and validates the content digests that key the
// blob store. All supported algorithms produce 256-bit digests rendered as
// 64 lowercase hex characters.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/zeebo/blake3"
)

// Algorithm names a supported content-hash algorithm.
type Algorithm string

const (
	AlgorithmSHA256 Algorithm = "sha256"
	AlgorithmBLAKE3 Algorithm = "blake3"

	// HexLength is the rendered digest length for all supported algorithms.
	HexLength = 64
)

// ErrUnreadableSource wraps read failures while digesting an input stream.
var ErrUnreadableSource = errors.New("digest: source could not be fully read")

// ParseAlgorithm validates a raw algorithm name.
func ParseAlgorithm(raw string) (Algorithm, error) {
	value := Algorithm(strings.ToLower(strings.TrimSpace(raw)))
	switch value {
	case "":
		return AlgorithmSHA256, nil
	case AlgorithmSHA256, AlgorithmBLAKE3:
		return value, nil
	default:
		return "", fmt.Errorf("unsupported hash algorithm: %s", raw)
	}
}

// New returns a fresh hasher for the algorithm.
func New(algo Algorithm) (hash.Hash, error) {
	switch algo {
	case AlgorithmSHA256:
		return sha256.New(), nil
	case AlgorithmBLAKE3:
		return blake3.New(), nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm: %s", algo)
	}
}

// Compute streams r through the algorithm and returns the hex digest and the
// number of bytes read. The input is never buffered in full.
func Compute(algo Algorithm, r io.Reader) (string, int64, error) {
	h, err := New(algo)
	if err != nil {
		return "", 0, err
	}
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, fmt.Errorf("%w: %v", ErrUnreadableSource, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Validate checks that s is a well-formed digest value.
func Validate(s string) error {
	if len(s) != HexLength {
		return fmt.Errorf("digest must be %d hex characters", HexLength)
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') {
			continue
		}
		return fmt.Errorf("digest must be lowercase hex")
	}
	return nil
}

// Normalize lowercases and trims a digest candidate without validating it.
func Normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
