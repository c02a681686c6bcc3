package fingerprint

import (
	"crypto/md5" //nolint:gosec // content fingerprint, not a security boundary
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/packforge/packforge/pkg/types"
)

// HashFunc creates a fresh hash for one file
type HashFunc func() hash.Hash

// NewHashFunc returns the hash constructor for alg. An empty algorithm selects SHA-256.
func NewHashFunc(alg types.HashAlgorithm) (HashFunc, error) {
	switch alg {
	case types.HashAlgorithmSHA256, "":
		return sha256.New, nil
	case types.HashAlgorithmMD5:
		return md5.New, nil //nolint:gosec
	case types.HashAlgorithmXXHash:
		return func() hash.Hash { return xxhash.New() }, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownAlgorithm, alg)
	}
}

// hashFile streams path through a new hash and returns the hex digest
// along with the file's size and modification time.
func hashFile(path string, newHash HashFunc) (FileFingerprint, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileFingerprint{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return FileFingerprint{}, err
	}
	if info.IsDir() {
		return FileFingerprint{}, fmt.Errorf("%s is a directory", path)
	}

	h := newHash()
	n, err := io.Copy(h, f)
	if err != nil {
		return FileFingerprint{}, err
	}

	return FileFingerprint{
		Path:        path,
		ContentHash: hex.EncodeToString(h.Sum(nil)),
		SizeBytes:   n,
		ModTime:     info.ModTime(),
	}, nil
}
