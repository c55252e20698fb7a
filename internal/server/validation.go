package server

import (
	"fmt"
	"mime"
	"strings"

	"casd/internal/digest"
)

const maxOwnerIDLength = 128

func normalizeDigestParam(raw string) (string, error) {
	normalized := digest.Normalize(raw)
	if normalized == "" {
		return "", badRequestCode(fmt.Errorf("digest is required"), ErrCodeMissingRequired)
	}
	if err := digest.Validate(normalized); err != nil {
		return "", badRequestCode(err, ErrCodeInvalidDigest)
	}
	return normalized, nil
}

// validateOwnerID accepts opaque ids from the upstream identity provider but
// bounds length and rejects control characters.
func validateOwnerID(ownerID string) error {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return badRequestCode(fmt.Errorf("owner id is required"), ErrCodeInvalidOwner)
	}
	if len(ownerID) > maxOwnerIDLength {
		return badRequestCode(fmt.Errorf("owner id exceeds %d characters", maxOwnerIDLength), ErrCodeInvalidOwner)
	}
	for _, r := range ownerID {
		if r < 0x20 || r == 0x7f {
			return badRequestCode(fmt.Errorf("owner id contains control characters"), ErrCodeInvalidOwner)
		}
	}
	return nil
}

func normalizeMediaType(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	parsed, _, err := mime.ParseMediaType(raw)
	if err != nil {
		return "", badRequestCode(fmt.Errorf("invalid media_type"), ErrCodeInvalidMediaType)
	}
	return strings.ToLower(strings.TrimSpace(parsed)), nil
}
