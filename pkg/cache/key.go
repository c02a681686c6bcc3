package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// ComputeKey derives the cache key for a bundler adapter and its
// configuration. The configuration is normalized through a JSON round trip so
// map ordering and struct field order do not change the key.
func ComputeKey(adapter string, config interface{}) (string, error) {
	raw, err := json.Marshal(config)
	if err != nil {
		return "", fmt.Errorf("encode config: %w", err)
	}

	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", fmt.Errorf("normalize config: %w", err)
	}
	normalized, err := json.Marshal(generic)
	if err != nil {
		return "", fmt.Errorf("normalize config: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(adapter))
	h.Write([]byte{0})
	h.Write(normalized)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
