// Package api hosts the admin HTTP server, middleware, and REST handlers.
// Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/cycles to trigger an ingestion cycle, GET /v1/cycles/... for
//     cycle history backed by store.CycleRepository.
//   - GET /v1/opportunities/... for catalog reads.
//   - POST /v1/enrichment/backfill to re-enrich stale records.
package api
