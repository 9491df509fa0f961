package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/conversion-progress/internal/store"
)

const (
	defaultRunLimit = 50
	maxRunLimit     = 500
	runsTimeout     = 3 * time.Second
)

// RunsHandler exposes read-only conversion history endpoints.
type RunsHandler struct {
	repo    store.RunRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewRunsHandler wires the repository and logger.
func NewRunsHandler(repo store.RunRepository, logger *zap.Logger) *RunsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunsHandler{
		repo:    repo,
		timeout: runsTimeout,
		logger:  logger,
	}
}

// ListRuns handles GET /v1/runs?status=&limit=&offset=. It returns a JSON
// object {"runs": [...]} on success, 400 for invalid filters, 503 when the repo
// is unavailable, or 500 if the repository call fails.
func (h *RunsHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "run repository unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var status *store.RunStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		parsed, parseErr := store.ParseRunStatus(raw)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
		status = &parsed
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	runs, err := h.repo.ListRuns(ctx, status, limit, offset)
	if err != nil {
		h.logger.Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs": toRunDTOs(runs),
	})
}

// GetRun handles GET /v1/runs/{job_id}. It returns {"run": {...}} on success,
// 404 when the repository reports store.ErrNotFound, 503 if the repo is not
// initialized, or 500 otherwise.
func (h *RunsHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "run repository unavailable")
		return
	}
	jobID := strings.TrimSpace(chi.URLParam(r, "job_id"))
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job_id is required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	run, err := h.repo.GetRun(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		h.logger.Error("get run failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": toRunDTO(run)})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func toRunDTOs(in []store.Run) []runDTO {
	out := make([]runDTO, 0, len(in))
	for _, run := range in {
		out = append(out, toRunDTO(run))
	}
	return out
}

func toRunDTO(run store.Run) runDTO {
	return runDTO{
		ID:                run.ID.String(),
		JobID:             run.JobID,
		FileName:          run.FileName,
		StartedAt:         run.StartedAt,
		FinishedAt:        run.FinishedAt,
		Status:            string(run.Status),
		Error:             run.ErrorMessage,
		OutputFile:        run.OutputFile,
		ProcessingSeconds: run.ProcessingSeconds,
	}
}

type runDTO struct {
	ID                string     `json:"id"`
	JobID             string     `json:"job_id"`
	FileName          string     `json:"file_name,omitempty"`
	StartedAt         time.Time  `json:"started_at"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
	Status            string     `json:"status"`
	Error             *string    `json:"error,omitempty"`
	OutputFile        *string    `json:"output_file,omitempty"`
	ProcessingSeconds *float64   `json:"processing_seconds,omitempty"`
}
