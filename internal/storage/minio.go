package storage

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/tdeslauriers/derma/internal/util"
)

// MinioConfig is the connection configuration of a minio/s3 bucket.
type MinioConfig struct {
	Endpoint  string // host:port, no scheme
	Bucket    string
	AccessKey string
	SecretKey string
	Secure    bool

	// PublicBaseUrl, when set, marks the bucket as public: objects are served at
	// {PublicBaseUrl}/{path} and never signed.
	PublicBaseUrl string
}

// NewMinioStore creates an ObjectStore backed by a minio/s3 bucket.
// tlsConfig may be nil, in which case the default transport is used.
func NewMinioStore(cfg MinioConfig, tlsConfig *tls.Config) (ObjectStore, error) {

	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}

	if cfg.Bucket == "" {
		return nil, fmt.Errorf("minio bucket is required")
	}

	opts := &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	}

	if tlsConfig != nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = tlsConfig
		opts.Transport = transport
	}

	client, err := minio.New(strings.TrimPrefix(strings.TrimPrefix(cfg.Endpoint, "https://"), "http://"), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client for %s: %v", cfg.Endpoint, err)
	}

	return &minioStore{
		client:     client,
		bucket:     cfg.Bucket,
		publicBase: strings.TrimSuffix(cfg.PublicBaseUrl, "/"),

		logger: slog.Default().
			With(slog.String(util.PackageKey, util.PackageStorage)).
			With(slog.String(util.ComponentKey, util.ComponentMinio)),
	}, nil
}

var _ ObjectStore = (*minioStore)(nil)

type minioStore struct {
	client     *minio.Client
	bucket     string
	publicBase string

	logger *slog.Logger
}

// Put is the concrete implementation of the interface method.
func (m *minioStore) Put(ctx context.Context, path string, data []byte, contentType, cacheControl string) error {

	opts := minio.PutObjectOptions{
		ContentType:  contentType,
		CacheControl: cacheControl,
	}

	if _, err := m.client.PutObject(ctx, m.bucket, path, bytes.NewReader(data), int64(len(data)), opts); err != nil {
		return fmt.Errorf("failed to put object %s to bucket %s: %v", path, m.bucket, err)
	}

	return nil
}

// Remove is the concrete implementation of the interface method.
// s3 semantics already make deleting a missing key a success.
func (m *minioStore) Remove(ctx context.Context, paths []string) error {

	if len(paths) == 0 {
		return nil
	}

	objects := make(chan minio.ObjectInfo, len(paths))
	for _, p := range paths {
		objects <- minio.ObjectInfo{Key: p}
	}
	close(objects)

	var errs []error
	for rmErr := range m.client.RemoveObjects(ctx, m.bucket, objects, minio.RemoveObjectsOptions{}) {
		if minio.ToErrorResponse(rmErr.Err).Code == "NoSuchKey" {
			m.logger.Debug(fmt.Sprintf("object %s already absent from bucket %s, skipping removal", rmErr.ObjectName, m.bucket))
			continue
		}
		errs = append(errs, fmt.Errorf("failed to remove object %s: %v", rmErr.ObjectName, rmErr.Err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// Get is the concrete implementation of the interface method.
func (m *minioStore) Get(ctx context.Context, path string) ([]byte, error) {

	obj, err := m.client.GetObject(ctx, m.bucket, path, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %v", path, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, path)
		}
		return nil, fmt.Errorf("failed to read object %s: %v", path, err)
	}

	return data, nil
}

// SignUrl is the concrete implementation of the interface method.
func (m *minioStore) SignUrl(ctx context.Context, path string, ttl time.Duration) (string, error) {

	signed, err := m.client.PresignedGetObject(ctx, m.bucket, path, ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("failed to presign object %s: %v", path, err)
	}

	if signed == nil || signed.String() == "" {
		return "", fmt.Errorf("presigned url for object %s is empty", path)
	}

	return signed.String(), nil
}

// PublicUrl is the concrete implementation of the interface method.
func (m *minioStore) PublicUrl(path string) (string, bool) {
	if m.publicBase == "" {
		return "", false
	}
	return fmt.Sprintf("%s/%s", m.publicBase, path), true
}

// Close is the concrete implementation of the interface method.
// The minio client holds no connections of its own to release.
func (m *minioStore) Close() error {
	m.logger.Info(fmt.Sprintf("closing object store for bucket %s", m.bucket))
	return nil
}
