package contenthash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/spf13/afero"
)

// ChunkSize is the read size used while streaming a file through the hash.
const ChunkSize = 64 * 1024

// File returns the lowercase hex SHA-256 of the file at path.
// A read error (including the file vanishing mid-read) yields no digest.
func File(fs afero.Fs, path string) (string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s for hashing: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat %s for hashing: %w", path, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("hash %s: is a directory", path)
	}

	return Reader(f)
}

// Reader hashes everything read from r.
func Reader(r io.Reader) (string, error) {
	h := sha256.New()
	buf := make([]byte, ChunkSize)
	if _, err := io.CopyBuffer(h, r, buf); err != nil {
		return "", fmt.Errorf("read for hashing: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Bytes hashes an in-memory buffer.
func Bytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Derived returns a secondary identity for content that already has an owner,
// bound to the path the duplicate was first seen at.
func Derived(contentHash, relPath string) string {
	return Bytes([]byte(contentHash + "\x00" + relPath))
}
