// Package api hosts the read-only HTTP server over the advertisement store.
// Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/stats for store totals.
//   - GET /v1/advertisements?min_id=&max_id=&after=&limit= for keyset-paged
//     listing, and /v1/advertisements/{id}[/body|/classification] for one
//     advertisement.
package api
