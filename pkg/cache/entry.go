package cache

import (
	"os"
	"time"
)

// Codec identifies how a stored payload was compressed
type Codec string

const (
	CodecNone Codec = "none"
	CodecGzip Codec = "gzip"
	CodecZstd Codec = "zstd"
)

// Metadata describes a stored entry
type Metadata struct {
	CreatedAt      time.Time `json:"createdAt"`
	LastAccessedAt time.Time `json:"lastAccessedAt"`
	// SizeBytes counts the stored (possibly compressed) payload and artifact bytes
	SizeBytes    int64    `json:"sizeBytes"`
	ContentHash  string   `json:"contentHash"`
	Dependencies []string `json:"dependencies,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	Codec        Codec    `json:"codec"`
}

// Artifact is an output file embedded in an entry so it can be restored
type Artifact struct {
	Path    string      `json:"path"`
	Mode    os.FileMode `json:"mode"`
	Codec   Codec       `json:"codec"`
	Content []byte      `json:"content"`
}

// Entry is the unit stored by a Backend. Payload holds the JSON encoding of
// the cached value, compressed with Metadata.Codec.
type Entry struct {
	Key       string     `json:"key"`
	Payload   []byte     `json:"payload"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
	Metadata  Metadata   `json:"metadata"`
}

// HasTag reports whether the entry carries any of tags
func (e *Entry) HasTag(tags ...string) bool {
	for _, have := range e.Metadata.Tags {
		for _, want := range tags {
			if have == want {
				return true
			}
		}
	}
	return false
}

func (e *Entry) clone() *Entry {
	c := *e
	c.Payload = append([]byte(nil), e.Payload...)
	c.Artifacts = make([]Artifact, len(e.Artifacts))
	for i, a := range e.Artifacts {
		a.Content = append([]byte(nil), a.Content...)
		c.Artifacts[i] = a
	}
	c.Metadata.Dependencies = append([]string(nil), e.Metadata.Dependencies...)
	c.Metadata.Tags = append([]string(nil), e.Metadata.Tags...)
	return &c
}

func storedSize(payload []byte, artifacts []Artifact) int64 {
	size := int64(len(payload))
	for _, a := range artifacts {
		size += int64(len(a.Content))
	}
	return size
}

func expired(m Metadata, ttl time.Duration, now time.Time) bool {
	return ttl > 0 && now.Sub(m.CreatedAt) > ttl
}
