// Package auth handles bearer-token material for the HTTP API. Tokens are
// issued out of band; only bcrypt hashes are kept at rest in config.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	tokenBytes     = 24
	minTokenLength = 16
)

// GenerateToken returns a fresh random bearer token as lowercase hex.
func GenerateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// HashToken returns the bcrypt hash of a token for storage in config.
func HashToken(token string) (string, error) {
	token = strings.TrimSpace(token)
	if len(token) < minTokenLength {
		return "", fmt.Errorf("token must be at least %d characters", minTokenLength)
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// VerifyToken checks a presented token against a stored bcrypt hash.
func VerifyToken(tokenHash, candidate string) bool {
	tokenHash = strings.TrimSpace(tokenHash)
	candidate = strings.TrimSpace(candidate)
	if tokenHash == "" || candidate == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(tokenHash), []byte(candidate)) == nil
}
