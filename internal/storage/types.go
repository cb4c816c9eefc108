package storage

import (
	"context"
	"errors"
	"time"
)

// ErrObjectNotFound is returned by Get when the path holds no object.
var ErrObjectNotFound = errors.New("object does not exist in object storage")

// ObjectStore is the contract over a bucket-based blob store holding photo derivatives.
type ObjectStore interface {

	// Put writes the bytes at the path with the content type and, if not empty,
	// the cache control header.
	Put(ctx context.Context, path string, data []byte, contentType, cacheControl string) error

	// Remove deletes the objects at the paths. It is idempotent: removing a path
	// that holds no object is not an error.
	Remove(ctx context.Context, paths []string) error

	// Get reads the object at the path. Returns ErrObjectNotFound if absent.
	Get(ctx context.Context, path string) ([]byte, error)

	// SignUrl returns a time-limited, credential-bearing read url for the path.
	SignUrl(ctx context.Context, path string, ttl time.Duration) (string, error)

	// PublicUrl returns the stable url of the path when the bucket is public.
	// The boolean is false when the bucket requires signed urls.
	PublicUrl(path string) (string, bool)

	// Close releases the store's resources. The store is unusable afterwards.
	Close() error
}
