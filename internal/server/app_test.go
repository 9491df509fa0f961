package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/conversion-progress/internal/config"
	"github.com/JakeFAU/conversion-progress/internal/progress"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Server.Port = 0
	cfg.Hub.MaxBatchWaitMs = 10
	cfg.Sinks.LogEnabled = false
	return &cfg
}

func TestChannelEndpoint(t *testing.T) {
	t.Parallel()

	endpoint, err := ChannelEndpoint(config.ChannelConfig{PageURL: "https://app.example.com/convert", Port: 8000, Path: "/ws"})
	require.NoError(t, err)
	require.Equal(t, "wss://app.example.com:8000/ws", endpoint)

	endpoint, err = ChannelEndpoint(config.ChannelConfig{Endpoint: "ws://override:9000/ws", PageURL: "https://ignored"})
	require.NoError(t, err)
	require.Equal(t, "ws://override:9000/ws", endpoint)
}

func TestBuildFailsOnBadBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backend.BaseURL = "ftp://nope"
	_, err := Build(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
}

func TestBuildLocalArchive(t *testing.T) {
	cfg := testConfig(t)
	cfg.Archive.Enabled = true
	cfg.Archive.Backend = "local"
	cfg.Archive.Local.BaseDir = t.TempDir()

	app, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, app.Close(context.Background()))
}

// TestAppTracksProgressEndToEnd drives a real websocket server through the
// gorilla dialer, the client, the hub and the store sink, and reads the result
// back through the status API.
func TestAppTracksProgressEndToEnd(t *testing.T) {
	frames := make(chan string, 4)
	upgrader := websocket.Upgrader{}
	ws := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for frame := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
	}))
	defer ws.Close()

	cfg := testConfig(t)
	cfg.Channel.Endpoint = "ws" + strings.TrimPrefix(ws.URL, "http") + "/ws"
	cfg.Channel.CompletionTTLSeconds = 60

	app, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	h := app.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	app.Client().Start()
	require.Eventually(t, func() bool {
		return app.Client().State() == progress.Connected
	}, 5*time.Second, 10*time.Millisecond)

	frames <- `{"type":"progress","conversion_id":"c1","progress":40,"status":"processing","file_name":"a.pdf"}`
	frames <- `{"type":"completion","conversion_id":"c1","success":true,"output_file":"a.md"}`

	require.Eventually(t, func() bool {
		snap, ok := app.Client().Get("c1")
		return ok && snap.Status == progress.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/c1", nil))
		return rec.Code == http.StatusOK && strings.Contains(rec.Body.String(), `"status":"success"`)
	}, 5*time.Second, 20*time.Millisecond)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/progress/c1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"progress":100`)

	require.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		return rec.Code == http.StatusOK && strings.Contains(rec.Body.String(), "progress_completions_total")
	}, 5*time.Second, 20*time.Millisecond)

	close(frames)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, app.Close(ctx))
}

func TestRunStopsOnContextCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Channel.Endpoint = "ws://127.0.0.1:1/ws"

	app, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	require.Equal(t, progress.Disconnected, app.Client().State())
}
