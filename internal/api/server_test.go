package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/conversion-progress/internal/progress"
	"github.com/JakeFAU/conversion-progress/internal/storage/memory"
	"github.com/JakeFAU/conversion-progress/internal/store"
)

type fakeSource struct {
	mu      sync.Mutex
	state   progress.ConnectionState
	table   progress.Table
	cleared []string
}

func newFakeSource(state progress.ConnectionState) *fakeSource {
	return &fakeSource{state: state, table: progress.Table{}}
}

func (f *fakeSource) State() progress.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSource) Snapshot() progress.Table {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.table.Clone()
}

func (f *fakeSource) Get(jobID string) (progress.Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.table.Get(jobID)
}

func (f *fakeSource) Clear(jobID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, jobID)
	delete(f.table, jobID)
}

func (f *fakeSource) Endpoint() string { return "ws://localhost:8000/ws" }

func (f *fakeSource) put(id string, snap progress.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.table[id] = snap
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestHealthAndReadiness(t *testing.T) {
	t.Parallel()

	src := newFakeSource(progress.Connecting)
	h := NewServer(src, nil, zap.NewNop()).Handler()

	rec := do(t, h, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = do(t, h, http.MethodGet, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.JSONEq(t, `{"status":"not ready","state":"connecting"}`, rec.Body.String())

	src.mu.Lock()
	src.state = progress.Connected
	src.mu.Unlock()
	rec = do(t, h, http.MethodGet, "/readyz")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDIsPropagated(t *testing.T) {
	t.Parallel()

	h := NewServer(newFakeSource(progress.Connected), nil, nil).Handler()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, "req-1", rec.Header().Get("X-Request-ID"))
}

func TestProgressRoutes(t *testing.T) {
	t.Parallel()

	src := newFakeSource(progress.Connected)
	pct := 42
	src.put("c1", progress.Snapshot{
		Kind:         progress.KindProgress,
		ConversionID: "c1",
		Progress:     &pct,
		Status:       progress.StatusProcessing,
	})
	h := NewServer(src, nil, zap.NewNop()).Handler()

	rec := do(t, h, http.MethodGet, "/v1/progress")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		State    string                     `json:"state"`
		Endpoint string                     `json:"endpoint"`
		Jobs     map[string]json.RawMessage `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Equal(t, "connected", list.State)
	require.Equal(t, "ws://localhost:8000/ws", list.Endpoint)
	require.Contains(t, list.Jobs, "c1")

	rec = do(t, h, http.MethodGet, "/v1/progress/c1")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"job_id":"c1","snapshot":{"type":"progress","conversion_id":"c1","progress":42,"status":"processing"}}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/v1/progress/missing")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodDelete, "/v1/progress/c1")
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, h, http.MethodDelete, "/v1/progress/missing")
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, []string{"c1", "missing"}, src.cleared)

	rec = do(t, h, http.MethodGet, "/v1/progress/c1")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunRoutes(t *testing.T) {
	t.Parallel()

	repo := memory.NewRunStore()
	ctx := context.Background()
	start := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, repo.UpsertRunStart(ctx, "c1", "a.pdf", start))
	require.NoError(t, repo.UpsertRunStart(ctx, "c2", "b.pdf", start.Add(time.Minute)))
	require.NoError(t, repo.CompleteRun(ctx, "c2", start.Add(2*time.Minute), store.RunSuccess, store.RunResult{OutputFile: "b.md"}))

	h := NewServer(newFakeSource(progress.Connected), repo, zap.NewNop()).Handler()

	rec := do(t, h, http.MethodGet, "/v1/runs?status=success")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Runs []runDTO `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Runs, 1)
	require.Equal(t, "c2", body.Runs[0].JobID)
	require.Equal(t, "b.md", *body.Runs[0].OutputFile)

	rec = do(t, h, http.MethodGet, "/v1/runs?limit=1&offset=1")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Runs, 1)
	require.Equal(t, "c1", body.Runs[0].JobID)

	rec = do(t, h, http.MethodGet, "/v1/runs/c1")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"running"`)

	for _, target := range []string{"/v1/runs?status=bogus", "/v1/runs?limit=0", "/v1/runs?offset=-1"} {
		rec = do(t, h, http.MethodGet, target)
		require.Equal(t, http.StatusBadRequest, rec.Code, target)
	}

	rec = do(t, h, http.MethodGet, "/v1/runs/nope")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunRoutesWithoutRepository(t *testing.T) {
	t.Parallel()

	h := NewServer(newFakeSource(progress.Connected), nil, zap.NewNop()).Handler()
	require.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/v1/runs").Code)
	require.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/v1/runs/c1").Code)
}

func TestRunRoutesRepositoryFailure(t *testing.T) {
	t.Parallel()

	repo := failingRepo{err: errors.New("db down")}
	h := NewServer(newFakeSource(progress.Connected), repo, zap.NewNop()).Handler()
	require.Equal(t, http.StatusInternalServerError, do(t, h, http.MethodGet, "/v1/runs").Code)
	require.Equal(t, http.StatusInternalServerError, do(t, h, http.MethodGet, "/v1/runs/c1").Code)
}

func TestMetricsRoute(t *testing.T) {
	t.Parallel()

	h := NewServer(newFakeSource(progress.Connected), nil, zap.NewNop(),
		WithMetricsHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("progress_tracked_jobs 0\n"))
		}))).Handler()
	rec := do(t, h, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "progress_tracked_jobs")
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := do(t, h, http.MethodGet, "/")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestTimeoutMiddleware(t *testing.T) {
	t.Parallel()

	h := NewServer(newFakeSource(progress.Connected), slowRepo{}, zap.NewNop(),
		WithRequestTimeout(10*time.Millisecond)).Handler()
	rec := do(t, h, http.MethodGet, "/v1/runs")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "request timed out")
}

type failingRepo struct {
	store.RunRepository
	err error
}

func (f failingRepo) ListRuns(context.Context, *store.RunStatus, int, int) ([]store.Run, error) {
	return nil, f.err
}

func (f failingRepo) GetRun(context.Context, string) (store.Run, error) {
	return store.Run{}, f.err
}

type slowRepo struct {
	store.RunRepository
}

func (slowRepo) ListRuns(ctx context.Context, _ *store.RunStatus, _, _ int) ([]store.Run, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
