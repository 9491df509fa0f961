package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/conversion-progress/internal/store"
)

// RunStore keeps conversion runs in memory for development and tests.
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]store.Run
}

var _ store.RunRepository = (*RunStore)(nil)

// NewRunStore constructs an empty RunStore.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]store.Run)}
}

// UpsertRunStart records a running row unless one already exists.
func (s *RunStore) UpsertRunStart(_ context.Context, jobID, fileName string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[jobID]
	if !ok {
		s.runs[jobID] = store.Run{
			ID:        uuid.New(),
			JobID:     jobID,
			FileName:  fileName,
			StartedAt: startedAt,
			Status:    store.RunRunning,
		}
		return nil
	}
	if run.FileName == "" {
		run.FileName = fileName
		s.runs[jobID] = run
	}
	return nil
}

// CompleteRun marks the run terminal, inserting it if needed.
func (s *RunStore) CompleteRun(
	_ context.Context,
	jobID string,
	finishedAt time.Time,
	status store.RunStatus,
	result store.RunResult,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[jobID]
	if !ok {
		run = store.Run{ID: uuid.New(), JobID: jobID, StartedAt: finishedAt}
	}
	run.Status = status
	run.FinishedAt = pointerTime(finishedAt)
	run.ErrorMessage = optionalString(result.ErrorMessage)
	if run.FileName == "" {
		run.FileName = result.FileName
	}
	if out := optionalString(result.OutputFile); out != nil {
		run.OutputFile = out
	}
	if result.ProcessingSeconds != nil {
		v := *result.ProcessingSeconds
		run.ProcessingSeconds = &v
	}
	s.runs[jobID] = run
	return nil
}

// GetRun fetches a run by job id.
func (s *RunStore) GetRun(_ context.Context, jobID string) (store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[jobID]
	if !ok {
		return store.Run{}, store.ErrNotFound
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *RunStore) ListRuns(_ context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error) {
	s.mu.RLock()
	out := make([]store.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if status != nil && run.Status != *status {
			continue
		}
		out = append(out, run)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].JobID < out[j].JobID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if offset >= len(out) {
		return []store.Run{}, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
