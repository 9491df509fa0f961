package sinks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"go.uber.org/zap"

	"github.com/JakeFAU/conversion-progress/internal/hash/sha256"
	"github.com/JakeFAU/conversion-progress/internal/progress"
)

// ArtifactSource fetches converted artifacts by file name.
type ArtifactSource interface {
	Download(ctx context.Context, filename string) (io.ReadCloser, string, error)
}

// BlobStore persists archived artifacts.
type BlobStore interface {
	PutObject(ctx context.Context, path, contentType string, r io.Reader) (string, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// ArchiveSink copies the output of every successful conversion into a blob
// store under prefix/job_id/output_file. Objects already present are skipped.
type ArchiveSink struct {
	source ArtifactSource
	blobs  BlobStore
	prefix string
	logger *zap.Logger
}

// NewArchiveSink constructs an ArchiveSink.
func NewArchiveSink(source ArtifactSource, blobs BlobStore, prefix string, logger *zap.Logger) *ArchiveSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArchiveSink{source: source, blobs: blobs, prefix: prefix, logger: logger}
}

// Consume archives each successful completion in the batch.
func (s *ArchiveSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.source == nil || s.blobs == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		if evt.Type != progress.EventCompleted || evt.Snapshot.Status != progress.StatusCompleted {
			continue
		}
		if evt.Snapshot.OutputFile == "" {
			continue
		}
		if err := s.archive(ctx, evt.JobID, evt.Snapshot.OutputFile); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ObjectPath returns the blob path an artifact is archived under.
func (s *ArchiveSink) ObjectPath(jobID, outputFile string) string {
	return path.Join(s.prefix, jobID, path.Base(outputFile))
}

func (s *ArchiveSink) archive(ctx context.Context, jobID, outputFile string) error {
	key := s.ObjectPath(jobID, outputFile)
	exists, err := s.blobs.Exists(ctx, key)
	if err != nil {
		return fmt.Errorf("check archive %s: %w", key, err)
	}
	if exists {
		return nil
	}
	body, contentType, err := s.source.Download(ctx, outputFile)
	if err != nil {
		return fmt.Errorf("download %s: %w", outputFile, err)
	}
	defer func() { _ = body.Close() }()
	digest := sha256.NewReader(body)
	uri, err := s.blobs.PutObject(ctx, key, contentType, digest)
	if err != nil {
		return fmt.Errorf("archive %s: %w", key, err)
	}
	s.logger.Info("artifact archived",
		zap.String("job_id", jobID),
		zap.String("uri", uri),
		zap.String("sha256", digest.Sum()),
		zap.Int64("bytes", digest.Size()))
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *ArchiveSink) Close(context.Context) error {
	return nil
}
