// Package api hosts the local status HTTP server, middleware, and REST
// handlers. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes; readyz reports 503 until
//     the push channel is connected.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/progress and /v1/progress/{job_id} for the live progress table,
//     DELETE /v1/progress/{job_id} to clear an entry.
//   - GET /v1/runs and /v1/runs/{job_id} for conversion history via the
//     store.RunRepository interface.
package api
