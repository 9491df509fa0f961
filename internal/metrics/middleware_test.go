package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMiddleware(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/progress/{job_id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Delete("/v1/progress/{job_id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	ts := httptest.NewServer(r)
	defer ts.Close()

	before404 := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "404"))
	before204 := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("DELETE", "204"))

	resp, err := http.Get(ts.URL + "/v1/progress/c1")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/v1/progress/c1", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	require.InDelta(t, before404+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "404")), 1e-9)
	require.InDelta(t, before204+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("DELETE", "204")), 1e-9)
	require.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))
}
