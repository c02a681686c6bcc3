package fingerprint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/packforge/packforge/pkg/types"
	"github.com/packforge/packforge/pkg/utils"
)

const snapshotVersion = 1

// FileFingerprint is the recorded state of one tracked file
type FileFingerprint struct {
	Path        string    `json:"path"`
	ContentHash string    `json:"contentHash"`
	SizeBytes   int64     `json:"sizeBytes"`
	ModTime     time.Time `json:"mtime"`
}

// sameContent compares hash and size. Modification time alone never
// marks a file as changed.
func (f FileFingerprint) sameContent(other FileFingerprint) bool {
	return f.ContentHash == other.ContentHash && f.SizeBytes == other.SizeBytes
}

// snapshot is the persisted form of the tracker
type snapshot struct {
	Version       int                        `json:"version"`
	HashAlgorithm types.HashAlgorithm        `json:"hashAlgorithm"`
	BuildCount    int                        `json:"buildCount"`
	LastBuildTime time.Time                  `json:"lastBuildTime,omitempty"`
	Files         map[string]FileFingerprint `json:"files"`
}

// readSnapshot returns (nil, nil) when the file does not exist
func readSnapshot(path string) (*snapshot, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptSnapshot, snap.Version)
	}
	if snap.Files == nil {
		snap.Files = make(map[string]FileFingerprint)
	}
	return &snap, nil
}

func writeSnapshot(path string, snap *snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return utils.WriteFileAtomic(path, data, 0644)
}
