package utils

import (
	"crypto/rand"
	"encoding/hex"
)

// GenerateToken generates a random one-time token (32 hex chars)
func GenerateToken() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// GenerateAccountCode generates a short collision-resistant account
// identifier (12 hex chars). Uniqueness is enforced by the caller
// against storage, retrying on collision.
func GenerateAccountCode() (string, error) {
	bytes := make([]byte, 6)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
