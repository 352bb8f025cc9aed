// Package storage defines the durable blob backends used to persist the local cache.
//
// A backend stores opaque byte payloads under string keys. The cache writes one
// serialized snapshot under a versioned key (see BlobKey); implementations live in
// this package (memory, bbolt, redis) and in the database package (SQLite via gorm).
//
// # Error Types
//
//   - ErrNotFound: the requested key has never been written or was removed.
package storage

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound indicates a requested blob is missing.
var ErrNotFound = errors.New("storage: blob not found")

// ErrInvalidKey indicates an empty blob key.
var ErrInvalidKey = errors.New("storage: blob key is required")

// Backend persists opaque blobs under string keys.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	Close() error
}

// BlobKey joins a storage key prefix and version into the key used for the snapshot blob.
func BlobKey(prefix, version string) string {
	prefix = strings.TrimSpace(prefix)
	version = strings.TrimSpace(version)
	if version == "" {
		return prefix
	}
	return prefix + "-" + version
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}
	return nil
}
