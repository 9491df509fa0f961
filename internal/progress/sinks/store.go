package sinks

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/conversion-progress/internal/progress"
	"github.com/JakeFAU/conversion-progress/internal/store"
)

// StoreSink persists one run row per job via a store.RunRepository. Repeated
// progress frames for a job already recorded as running are not written again.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger

	mu      sync.Mutex
	running map[string]struct{}
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger, running: make(map[string]struct{})}
}

// Consume applies the batch to the repository in order and returns the first
// repository error.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	for _, evt := range batch {
		var err error
		switch evt.Type {
		case progress.EventSnapshot:
			err = s.handleSnapshot(ctx, evt)
		case progress.EventCompleted:
			status := store.RunError
			if evt.Snapshot.Status == progress.StatusCompleted {
				status = store.RunSuccess
			}
			err = s.complete(ctx, evt, status)
		case progress.EventCleared, progress.EventExpired:
			s.forget(evt.JobID)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *StoreSink) handleSnapshot(ctx context.Context, evt progress.Event) error {
	if evt.Snapshot.Status == progress.StatusCancelled {
		return s.complete(ctx, evt, store.RunCancelled)
	}
	if s.isRunning(evt.JobID) {
		return nil
	}
	if err := s.repo.UpsertRunStart(ctx, evt.JobID, evt.Snapshot.FileName, evt.TS); err != nil {
		return fmt.Errorf("upsert run start: %w", err)
	}
	s.mu.Lock()
	s.running[evt.JobID] = struct{}{}
	s.mu.Unlock()
	return nil
}

func (s *StoreSink) complete(ctx context.Context, evt progress.Event, status store.RunStatus) error {
	snap := evt.Snapshot
	result := store.RunResult{
		FileName:          snap.FileName,
		OutputFile:        snap.OutputFile,
		ErrorMessage:      snap.ErrorMessage,
		ProcessingSeconds: snap.ProcessingTime,
	}
	if err := s.repo.CompleteRun(ctx, evt.JobID, evt.TS, status, result); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	s.forget(evt.JobID)
	s.logger.Debug("run recorded", zap.String("job_id", evt.JobID), zap.String("status", string(status)))
	return nil
}

// forget drops jobID from the running set once the client no longer tracks it.
func (s *StoreSink) forget(jobID string) {
	s.mu.Lock()
	delete(s.running, jobID)
	s.mu.Unlock()
}

func (s *StoreSink) isRunning(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[jobID]
	return ok
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
