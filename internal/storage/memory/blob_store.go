// Package memory keeps runs and archived artifacts in process memory for
// development and tests.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/JakeFAU/conversion-progress/internal/store"
)

type object struct {
	data        []byte
	contentType string
}

// BlobStore stores artifacts in memory and returns memory:// URIs.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string]object
}

// NewBlobStore creates an empty in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{objects: make(map[string]object)}
}

// PutObject stores a copy of the content under path.
func (s *BlobStore) PutObject(_ context.Context, path, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read object body: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = object{data: data, contentType: contentType}
	return "memory://" + path, nil
}

// Exists reports whether path has been written.
func (s *BlobStore) Exists(_ context.Context, path string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[path]
	return ok, nil
}

// GetObject returns a reader over a copy of the stored content.
func (s *BlobStore) GetObject(_ context.Context, path string) (io.ReadCloser, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[path]
	if !ok {
		return nil, "", fmt.Errorf("object %q: %w", path, store.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(append([]byte(nil), obj.data...))), obj.contentType, nil
}

// Paths lists stored object paths in no particular order.
func (s *BlobStore) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.objects))
	for p := range s.objects {
		out = append(out, p)
	}
	return out
}
