package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("run record not found")

// RunStatus mirrors the conversion_runs.status column.
type RunStatus string

// Run statuses persisted in conversion_runs.status.
const (
	RunRunning   RunStatus = "running"
	RunSuccess   RunStatus = "success"
	RunError     RunStatus = "error"
	RunCancelled RunStatus = "cancelled"
)

// ParseRunStatus validates a status filter supplied by a caller.
func ParseRunStatus(raw string) (RunStatus, error) {
	switch s := RunStatus(raw); s {
	case RunRunning, RunSuccess, RunError, RunCancelled:
		return s, nil
	default:
		return "", fmt.Errorf("unknown run status %q", raw)
	}
}

// Terminal reports whether no further transitions are expected.
func (s RunStatus) Terminal() bool {
	return s == RunSuccess || s == RunError || s == RunCancelled
}

// Run models one conversion observed on the progress channel.
type Run struct {
	// ID is the surrogate key of the row.
	ID uuid.UUID
	// JobID is the backend conversion or batch id.
	JobID string
	// FileName is the uploaded file name when the backend reported one.
	FileName string
	// StartedAt is when the first frame for the job was seen.
	StartedAt time.Time
	// FinishedAt is nil until the run reaches a terminal status.
	FinishedAt *time.Time
	Status     RunStatus
	// ErrorMessage optionally stores the backend's failure reason.
	ErrorMessage *string
	// OutputFile names the converted artifact on the backend.
	OutputFile *string
	// ProcessingSeconds is the backend-reported conversion time.
	ProcessingSeconds *float64
}

// RunResult carries the terminal details of a run.
type RunResult struct {
	FileName          string
	OutputFile        string
	ErrorMessage      string
	ProcessingSeconds *float64
}

// RunRepository persists conversion runs.
type RunRepository interface {
	// UpsertRunStart records the first sighting of a job; repeated calls keep
	// the original start time.
	UpsertRunStart(ctx context.Context, jobID, fileName string, startedAt time.Time) error
	// CompleteRun marks the run terminal, creating it if it was never started.
	CompleteRun(ctx context.Context, jobID string, finishedAt time.Time, status RunStatus, result RunResult) error
	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, jobID string) (Run, error)
	// ListRuns returns runs filtered by optional status, newest first.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]Run, error)
}
