// Package gcs provides a blob store backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// Config captures the bucket artifacts are archived into.
type Config struct {
	Bucket string
}

// BlobStore writes artifacts to a GCS bucket.
type BlobStore struct {
	client *storage.Client
	bucket string
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	return &BlobStore{client: client, bucket: cfg.Bucket}, nil
}

// PutObject uploads r to path and returns a gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, path, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("path is required")
	}
	writer := s.client.Bucket(s.bucket).Object(path).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, r); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, path), nil
}

// Exists reports whether an object is present at path.
func (s *BlobStore) Exists(ctx context.Context, path string) (bool, error) {
	_, err := s.client.Bucket(s.bucket).Object(path).Attrs(ctx)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrObjectNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("object attrs: %w", err)
	}
}

// Close releases the underlying client.
func (s *BlobStore) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close storage client: %w", err)
	}
	return nil
}
