package filestore

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
)

// FileStore stores image attachments content-addressed by their hash.
type FileStore interface {
	// Save saves the file content with the given hash.
	// It is idempotent: if a file with the same hash already exists, it returns nil.
	Save(r io.Reader, hash string) error

	// Get retrieves the file content for the given hash.
	Get(hash string) (io.ReadCloser, error)
}

// HashBytes returns the hex sha256 of data, the addressing scheme used for
// uploaded attachments.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
