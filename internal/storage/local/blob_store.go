// Package local implements a blob store on the local filesystem.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Config captures the parameters for the local filesystem blob store.
type Config struct {
	// BaseDir is the root directory where archived artifacts are written.
	BaseDir string `mapstructure:"base_dir"`
}

// BlobStore writes artifacts under a base directory.
type BlobStore struct {
	baseDir string
}

// New creates the base directory if needed and checks it is writable.
func New(cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, errors.New("base directory is required")
	}
	if err := os.MkdirAll(cfg.BaseDir, 0o750); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}
	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("stat base directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("base directory %q is not a directory", cfg.BaseDir)
	}
	probe, err := os.CreateTemp(cfg.BaseDir, ".writable-*")
	if err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	_ = probe.Close()
	if err := os.Remove(probe.Name()); err != nil {
		return nil, fmt.Errorf("remove probe file: %w", err)
	}
	return &BlobStore{baseDir: filepath.Clean(cfg.BaseDir)}, nil
}

// PutObject writes the content atomically and returns a file:// URI.
func (s *BlobStore) PutObject(_ context.Context, path, _ string, r io.Reader) (string, error) {
	fullPath, err := s.resolve(path)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create parent directories: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".partial-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("close object: %w", err)
	}
	if err := os.Rename(tmp.Name(), fullPath); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("commit object: %w", err)
	}
	return "file://" + filepath.ToSlash(fullPath), nil
}

// Exists reports whether an object was written at path.
func (s *BlobStore) Exists(_ context.Context, path string) (bool, error) {
	fullPath, err := s.resolve(path)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(fullPath)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("stat object: %w", err)
	}
}

// resolve joins path onto the base directory and rejects traversal.
func (s *BlobStore) resolve(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("path is required")
	}
	fullPath := filepath.Clean(filepath.Join(s.baseDir, filepath.FromSlash(path)))
	if !strings.HasPrefix(fullPath, s.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes base directory", path)
	}
	return fullPath, nil
}
