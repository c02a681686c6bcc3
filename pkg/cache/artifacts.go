package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/packforge/packforge/pkg/logger"
	"github.com/packforge/packforge/pkg/utils"
)

// ArtifactFile is an output file to embed in an entry
type ArtifactFile struct {
	Path    string
	Mode    os.FileMode
	Content []byte
}

// CaptureArtifacts reads output files so they can be embedded with SetOptions.Artifacts
func CaptureArtifacts(paths []string) ([]ArtifactFile, error) {
	files := make([]ArtifactFile, 0, len(paths))
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("stat artifact %s: %w", p, err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("artifact %s is a directory", p)
		}
		content, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read artifact %s: %w", p, err)
		}
		files = append(files, ArtifactFile{Path: p, Mode: info.Mode().Perm(), Content: content})
	}
	return files, nil
}

func (s *Store) packArtifacts(files []ArtifactFile) ([]Artifact, error) {
	if len(files) == 0 {
		return nil, nil
	}
	packed := make([]Artifact, 0, len(files))
	for _, f := range files {
		content, codec, err := s.compressor.Compress(f.Content)
		if err != nil {
			return nil, fmt.Errorf("compress artifact %s: %w", f.Path, err)
		}
		mode := f.Mode
		if mode == 0 {
			mode = 0644
		}
		packed = append(packed, Artifact{
			Path:    filepath.Clean(f.Path),
			Mode:    mode,
			Codec:   codec,
			Content: append([]byte(nil), content...),
		})
	}
	return packed, nil
}

// ArtifactStatus is the outcome of ValidateArtifacts
type ArtifactStatus string

const (
	// ArtifactsValid means every expected output is present
	ArtifactsValid ArtifactStatus = "valid"
	// ArtifactsRestored means missing outputs were rewritten from embedded bytes
	ArtifactsRestored ArtifactStatus = "restored"
	// ArtifactsInvalidated means outputs were missing and could not be restored;
	// the entry was deleted and the task must be rebuilt
	ArtifactsInvalidated ArtifactStatus = "invalidated"
	// ArtifactsMiss means there is no live entry for the key
	ArtifactsMiss ArtifactStatus = "miss"
)

// ArtifactCheck reports what ValidateArtifacts found and did
type ArtifactCheck struct {
	Status   ArtifactStatus
	Missing  []string
	Restored []string
}

// Usable reports whether the cached result can stand in for a build
func (c ArtifactCheck) Usable() bool {
	return c.Status == ArtifactsValid || c.Status == ArtifactsRestored
}

// ValidateArtifacts checks that the expected output paths of a cached entry
// exist. Missing files are restored from embedded artifact bytes when every
// one of them is embedded; otherwise the entry is invalidated.
func (s *Store) ValidateArtifacts(ctx context.Context, key string, expected []string) (ArtifactCheck, error) {
	if key == "" {
		return ArtifactCheck{}, ErrInvalidKey
	}
	unlock := s.lock(key)
	defer unlock()

	entry := s.lookup(ctx, key)
	if entry == nil {
		return ArtifactCheck{Status: ArtifactsMiss}, nil
	}

	missing := missingPaths(expected)
	if len(missing) == 0 {
		return ArtifactCheck{Status: ArtifactsValid}, nil
	}

	embedded := make(map[string]Artifact, len(entry.Artifacts))
	for _, a := range entry.Artifacts {
		embedded[filepath.Clean(a.Path)] = a
	}

	for _, p := range missing {
		if _, ok := embedded[filepath.Clean(p)]; !ok {
			return s.invalidate(ctx, key, missing, "artifact not embedded"), nil
		}
	}

	restored := make([]string, 0, len(missing))
	for _, p := range missing {
		a := embedded[filepath.Clean(p)]
		content, err := s.compressor.Decompress(a.Content, a.Codec)
		if err == nil {
			err = utils.WriteFileAtomic(p, content, a.Mode)
		}
		if err != nil {
			s.logger.Warn("Artifact restore failed",
				logger.WithField("key", key),
				logger.WithField("path", p),
				logger.WithError(err))
			return s.invalidate(ctx, key, missing, "restore failed"), nil
		}
		restored = append(restored, p)
	}

	if still := missingPaths(expected); len(still) > 0 {
		return s.invalidate(ctx, key, still, "outputs missing after restore"), nil
	}

	s.logger.Info("Restored cached artifacts",
		logger.WithField("key", key),
		logger.WithField("files", len(restored)))
	return ArtifactCheck{Status: ArtifactsRestored, Missing: missing, Restored: restored}, nil
}

func (s *Store) invalidate(ctx context.Context, key string, missing []string, reason string) ArtifactCheck {
	s.logger.Info("Invalidating cache entry",
		logger.WithField("key", key),
		logger.WithField("reason", reason),
		logger.WithField("missing", len(missing)))
	s.remove(ctx, key)
	return ArtifactCheck{Status: ArtifactsInvalidated, Missing: missing}
}

func missingPaths(paths []string) []string {
	var missing []string
	for _, p := range paths {
		if !utils.FileExists(p) {
			missing = append(missing, p)
		}
	}
	return missing
}
