package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer lets a test read command output while a command goroutine writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &syncBuffer{}
	err := runCLIWith(out, args...)
	return out.String(), err
}

func runCLIWith(out *syncBuffer, args ...string) error {
	root := newRootCmd()
	root.SetOut(out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	return root.ExecuteContext(context.Background())
}

func newBackendServer(t *testing.T, mount func(r chi.Router)) {
	t.Helper()
	r := chi.NewRouter()
	mount(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	t.Setenv("PROGRESS_BACKEND_BASE_URL", srv.URL+"/api/v1/conversion")
	t.Setenv("PROGRESS_LOGGING_LEVEL", "error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestRootRejectsBadConfig(t *testing.T) {
	t.Setenv("PROGRESS_SERVER_PORT", "0")
	_, err := runCLI(t, "formats")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

func TestRootReadsConfigFile(t *testing.T) {
	newBackendServer(t, func(r chi.Router) {
		r.Get("/override/supported-formats", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"formats": []string{".pdf"}})
		})
	})
	srvURL := strings.TrimSuffix(os.Getenv("PROGRESS_BACKEND_BASE_URL"), "/api/v1/conversion")
	t.Setenv("PROGRESS_BACKEND_BASE_URL", "")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backend:\n  base_url: "+srvURL+"/override\n"), 0o600))

	out, err := runCLI(t, "--config", path, "formats")
	require.NoError(t, err)
	assert.Equal(t, ".pdf\n", out)
}

func TestFormatsCommand(t *testing.T) {
	newBackendServer(t, func(r chi.Router) {
		r.Get("/api/v1/conversion/supported-formats", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"formats": []string{".pdf", ".docx"}})
		})
	})

	out, err := runCLI(t, "formats")
	require.NoError(t, err)
	assert.Equal(t, ".pdf\n.docx\n", out)
}

func TestCancelCommand(t *testing.T) {
	newBackendServer(t, func(r chi.Router) {
		r.Post("/api/v1/conversion/cancel/{id}", func(w http.ResponseWriter, req *http.Request) {
			if chi.URLParam(req, "id") == "c1" {
				writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Conversion c1 cancelled"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": "Conversion not found or already completed"})
		})
	})

	out, err := runCLI(t, "cancel", "c1")
	require.NoError(t, err)
	assert.Contains(t, out, "Conversion c1 cancelled")

	_, err = runCLI(t, "cancel", "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestCancelRequiresID(t *testing.T) {
	_, err := runCLI(t, "cancel")
	require.Error(t, err)
}

func TestDownloadCommand(t *testing.T) {
	newBackendServer(t, func(r chi.Router) {
		r.Get("/api/v1/conversion/download/{name}", func(w http.ResponseWriter, req *http.Request) {
			if chi.URLParam(req, "name") != "doc.md" {
				writeJSON(w, http.StatusNotFound, map[string]any{"detail": "File not found"})
				return
			}
			w.Header().Set("Content-Type", "text/markdown")
			_, _ = w.Write([]byte("# converted\n"))
		})
	})

	out, err := runCLI(t, "download", "doc.md")
	require.NoError(t, err)
	assert.Equal(t, "# converted\n", out)

	dest := filepath.Join(t.TempDir(), "out.md")
	_, err = runCLI(t, "download", "doc.md", "-o", dest)
	require.NoError(t, err)
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "# converted\n", string(data))

	_, err = runCLI(t, "download", "nope.md")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "File not found")
}

func TestStorageCommands(t *testing.T) {
	var (
		mu      sync.Mutex
		deleted []string
	)
	conversion := "c1"
	newBackendServer(t, func(r chi.Router) {
		r.Get("/api/v1/conversion/storage/list", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"files": []map[string]any{
					{"filename": "a.md", "size_formatted": "1.0 KB", "modified": "2026-10-01T10:00:00", "conversion_id": conversion},
					{"filename": "b.md", "size_formatted": "2.0 KB", "modified": "2026-10-02T10:00:00"},
				},
				"total": 2,
			})
		})
		r.Get("/api/v1/conversion/storage/file/{name}", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"filename": chi.URLParam(req, "name"), "content": "hello"})
		})
		r.Delete("/api/v1/conversion/storage/file/{name}", func(w http.ResponseWriter, req *http.Request) {
			mu.Lock()
			deleted = append(deleted, chi.URLParam(req, "name"))
			mu.Unlock()
			writeJSON(w, http.StatusOK, map[string]any{"message": "deleted"})
		})
	})

	out, err := runCLI(t, "storage", "list")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "FILENAME"))
	assert.Contains(t, lines[1], "a.md")
	assert.Contains(t, lines[1], "c1")
	assert.Contains(t, lines[2], "b.md")
	assert.True(t, strings.HasSuffix(lines[2], "-"))

	out, err = runCLI(t, "storage", "show", "a.md")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out)

	out, err = runCLI(t, "storage", "delete", "a.md")
	require.NoError(t, err)
	assert.Equal(t, "deleted a.md\n", out)
	mu.Lock()
	assert.Equal(t, []string{"a.md"}, deleted)
	mu.Unlock()
}
