package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tdeslauriers/derma/internal/util"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
)

// OpenBlobStore opens a portable bucket by url, eg "file:///var/derma" or "mem://",
// and wraps it as an ObjectStore. publicBaseUrl follows MinioConfig.PublicBaseUrl.
func OpenBlobStore(ctx context.Context, bucketUrl, publicBaseUrl string) (ObjectStore, error) {

	bucket, err := blob.OpenBucket(ctx, bucketUrl)
	if err != nil {
		return nil, fmt.Errorf("failed to open bucket %s: %v", bucketUrl, err)
	}

	return NewBlobStore(bucket, publicBaseUrl), nil
}

// NewBlobStore wraps an open gocloud bucket as an ObjectStore.
func NewBlobStore(bucket *blob.Bucket, publicBaseUrl string) ObjectStore {
	return &blobStore{
		bucket:     bucket,
		publicBase: strings.TrimSuffix(publicBaseUrl, "/"),

		logger: slog.Default().
			With(slog.String(util.PackageKey, util.PackageStorage)).
			With(slog.String(util.ComponentKey, util.ComponentBlob)),
	}
}

var _ ObjectStore = (*blobStore)(nil)

type blobStore struct {
	bucket     *blob.Bucket
	publicBase string

	logger *slog.Logger
}

// Put is the concrete implementation of the interface method.
func (b *blobStore) Put(ctx context.Context, path string, data []byte, contentType, cacheControl string) error {

	opts := &blob.WriterOptions{
		ContentType:  contentType,
		CacheControl: cacheControl,
	}

	if err := b.bucket.WriteAll(ctx, path, data, opts); err != nil {
		return fmt.Errorf("failed to put object %s: %v", path, err)
	}

	return nil
}

// Remove is the concrete implementation of the interface method.
func (b *blobStore) Remove(ctx context.Context, paths []string) error {

	var errs []error
	for _, p := range paths {
		if err := b.bucket.Delete(ctx, p); err != nil {
			if gcerrors.Code(err) == gcerrors.NotFound {
				b.logger.Debug(fmt.Sprintf("object %s already absent, skipping removal", p))
				continue
			}
			errs = append(errs, fmt.Errorf("failed to remove object %s: %v", p, err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// Get is the concrete implementation of the interface method.
func (b *blobStore) Get(ctx context.Context, path string) ([]byte, error) {

	data, err := b.bucket.ReadAll(ctx, path)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, path)
		}
		return nil, fmt.Errorf("failed to read object %s: %v", path, err)
	}

	return data, nil
}

// SignUrl is the concrete implementation of the interface method.
func (b *blobStore) SignUrl(ctx context.Context, path string, ttl time.Duration) (string, error) {

	signed, err := b.bucket.SignedURL(ctx, path, &blob.SignedURLOptions{Expiry: ttl})
	if err != nil {
		return "", fmt.Errorf("failed to sign url for object %s: %v", path, err)
	}

	return signed, nil
}

// PublicUrl is the concrete implementation of the interface method.
func (b *blobStore) PublicUrl(path string) (string, bool) {
	if b.publicBase == "" {
		return "", false
	}
	return fmt.Sprintf("%s/%s", b.publicBase, path), true
}

// Close is the concrete implementation of the interface method.
func (b *blobStore) Close() error {
	if err := b.bucket.Close(); err != nil {
		return fmt.Errorf("failed to close bucket: %v", err)
	}
	return nil
}
