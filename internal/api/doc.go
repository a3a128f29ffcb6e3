// Package api hosts the HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/runs to trigger a harvest, GET /v1/runs/{id} for status and
//     /v1/runs/{id}/sources for the provenance of a completed run.
package api
