package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/conversion-progress/internal/progress"
)

type progressListDTO struct {
	State    string                       `json:"state"`
	Endpoint string                       `json:"endpoint"`
	Jobs     map[string]progress.Snapshot `json:"jobs"`
}

type progressDTO struct {
	JobID    string            `json:"job_id"`
	Snapshot progress.Snapshot `json:"snapshot"`
}

// listProgress handles GET /v1/progress with the connection state and every
// tracked entry.
func (s *Server) listProgress(w http.ResponseWriter, _ *http.Request) {
	table := s.source.Snapshot()
	jobs := make(map[string]progress.Snapshot, len(table))
	for id, snap := range table {
		jobs[id] = snap
	}
	writeJSON(w, http.StatusOK, progressListDTO{
		State:    s.source.State().String(),
		Endpoint: s.source.Endpoint(),
		Jobs:     jobs,
	})
}

// getProgress handles GET /v1/progress/{job_id}; 404 when the id is not
// tracked.
func (s *Server) getProgress(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(chi.URLParam(r, "job_id"))
	snap, ok := s.source.Get(jobID)
	if !ok {
		writeError(w, http.StatusNotFound, "job not tracked")
		return
	}
	writeJSON(w, http.StatusOK, progressDTO{JobID: jobID, Snapshot: snap})
}

// clearProgress handles DELETE /v1/progress/{job_id}. Clearing an id that is
// not tracked is not an error.
func (s *Server) clearProgress(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(chi.URLParam(r, "job_id"))
	s.source.Clear(jobID)
	w.WriteHeader(http.StatusNoContent)
}
