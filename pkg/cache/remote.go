package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// RemoteClient is the subset of a key-value service the remote backend needs.
// Get returns (nil, nil) for a missing key and HGet reports a missing field
// with ok false.
type RemoteClient interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	HGet(ctx context.Context, key, field string) (value string, ok bool, err error)
	HSet(ctx context.Context, key, field, value string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	// SetIndexed stores value under key and sets field of the index hash in
	// one transaction; either both writes apply or neither does.
	SetIndexed(ctx context.Context, key string, value []byte, index, field, meta string) error
	// DelIndexed removes key and field of the index hash in one transaction
	DelIndexed(ctx context.Context, key, index, field string) error
}

// DefaultRemotePrefix namespaces keys on a shared service
const DefaultRemotePrefix = "packforge:"

// RemoteBackend stores entries on a network key-value service. Each entry is
// one value; a hash at <prefix>index maps every key to its metadata so that
// listing, sizing and eviction never transfer payloads.
type RemoteBackend struct {
	client RemoteClient
	prefix string
}

// NewRemoteBackend creates a remote backend using client
func NewRemoteBackend(client RemoteClient, prefix string) *RemoteBackend {
	if prefix == "" {
		prefix = DefaultRemotePrefix
	}
	return &RemoteBackend{client: client, prefix: prefix}
}

// Shared implements SharedBackend
func (b *RemoteBackend) Shared() bool { return true }

func (b *RemoteBackend) entryKey(key string) string { return b.prefix + "entry:" + key }

func (b *RemoteBackend) indexKey() string { return b.prefix + "index" }

// Get implements Backend
func (b *RemoteBackend) Get(ctx context.Context, key string) (*Entry, error) {
	data, err := b.client.Get(ctx, b.entryKey(key))
	if err != nil || data == nil {
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptEntry, key, err)
	}

	// The index carries the authoritative last-access time.
	if meta, err := b.Metadata(ctx, key); err == nil && meta != nil {
		entry.Metadata.LastAccessedAt = meta.LastAccessedAt
	}
	return &entry, nil
}

// Metadata implements MetadataReader
func (b *RemoteBackend) Metadata(ctx context.Context, key string) (*Metadata, error) {
	raw, ok, err := b.client.HGet(ctx, b.indexKey(), key)
	if err != nil || !ok {
		return nil, err
	}
	return decodeIndexed(key, raw)
}

// ListMetadata implements MetadataLister with a single index read
func (b *RemoteBackend) ListMetadata(ctx context.Context) (map[string]*Metadata, error) {
	index, err := b.client.HGetAll(ctx, b.indexKey())
	if err != nil {
		return nil, err
	}
	out := make(map[string]*Metadata, len(index))
	for k, raw := range index {
		meta, err := decodeIndexed(k, raw)
		if err != nil {
			continue
		}
		out[k] = meta
	}
	return out, nil
}

func decodeIndexed(key, raw string) (*Metadata, error) {
	var meta Metadata
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, fmt.Errorf("%w: index %s: %v", ErrCorruptEntry, key, err)
	}
	return &meta, nil
}

// Set implements Backend
func (b *RemoteBackend) Set(ctx context.Context, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	meta, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	return b.client.SetIndexed(ctx, b.entryKey(entry.Key), data, b.indexKey(), entry.Key, string(meta))
}

// Touch implements Toucher
func (b *RemoteBackend) Touch(ctx context.Context, key string, at time.Time) error {
	meta, err := b.Metadata(ctx, key)
	if err != nil || meta == nil {
		return err
	}
	meta.LastAccessedAt = at
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return b.client.HSet(ctx, b.indexKey(), key, string(data))
}

// Delete implements Backend
func (b *RemoteBackend) Delete(ctx context.Context, key string) error {
	return b.client.DelIndexed(ctx, b.entryKey(key), b.indexKey(), key)
}

// Has implements Backend
func (b *RemoteBackend) Has(ctx context.Context, key string) (bool, error) {
	return b.client.Exists(ctx, b.entryKey(key))
}

// Clear implements Backend, removing every indexed entry in one round trip
func (b *RemoteBackend) Clear(ctx context.Context) error {
	index, err := b.client.HGetAll(ctx, b.indexKey())
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(index)+1)
	for k := range index {
		keys = append(keys, b.entryKey(k))
	}
	keys = append(keys, b.indexKey())
	return b.client.Del(ctx, keys...)
}

// Keys implements Backend
func (b *RemoteBackend) Keys(ctx context.Context) ([]string, error) {
	index, err := b.client.HGetAll(ctx, b.indexKey())
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(index))
	for k := range index {
		keys = append(keys, k)
	}
	return keys, nil
}

// Size implements Backend
func (b *RemoteBackend) Size(ctx context.Context) (int64, error) {
	index, err := b.client.HGetAll(ctx, b.indexKey())
	if err != nil {
		return 0, err
	}
	var total int64
	for _, raw := range index {
		total += gjson.Get(raw, "sizeBytes").Int()
	}
	return total, nil
}

// Close closes the client when it holds resources
func (b *RemoteBackend) Close() error {
	if c, ok := b.client.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
