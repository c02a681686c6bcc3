package fingerprint

import "errors"

var (
	// ErrUnknownAlgorithm is returned for an unsupported hash algorithm
	ErrUnknownAlgorithm = errors.New("unknown hash algorithm")
	// ErrCorruptSnapshot is logged when a persisted snapshot cannot be decoded
	ErrCorruptSnapshot = errors.New("corrupt fingerprint snapshot")
	// ErrNoSnapshotPath is returned by Save when the tracker is memory-only
	ErrNoSnapshotPath = errors.New("no snapshot path configured")
)
