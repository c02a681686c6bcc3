package cache

import "errors"

var (
	// ErrEntryTooLarge is returned when a single entry exceeds the cache size limit
	ErrEntryTooLarge = errors.New("cache entry exceeds maximum cache size")

	// ErrInvalidKey is returned for empty keys
	ErrInvalidKey = errors.New("invalid cache key")

	// ErrCorruptEntry is returned by backends for entries that cannot be decoded
	ErrCorruptEntry = errors.New("corrupt cache entry")

	// ErrUnknownCodec is returned when an entry names a codec this build cannot decode
	ErrUnknownCodec = errors.New("unknown compression codec")

	// ErrUnsupported is returned by a FuncBackend operation that was not supplied
	ErrUnsupported = errors.New("operation not supported by backend")
)
