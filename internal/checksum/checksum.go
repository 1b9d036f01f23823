// Package checksum fingerprints file contents so watchers can skip no-op changes.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
)

// Sum returns the hex-encoded SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// File returns the digest of the file at path, or "" if it does not exist.
func File(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	return Sum(data), nil
}
