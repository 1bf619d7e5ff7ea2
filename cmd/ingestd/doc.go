// Package main hosts the procurement ingestion service entrypoint.
//
// Architecture overview:
//   - Adapters: each configured source is an internal/adapter implementation (the htmllist kind parses
//     listing tables with goquery over the colly or chromedp fetchers) producing candidate records.
//   - Cycle: internal/orchestrator.Runner fetches every adapter in a bounded pond pool, normalizes and
//     upserts records into the catalog, and, after the pool barrier, lets internal/reconcile close
//     records that healthy sources stopped listing. Failed, partial or timed-out sources are exempt.
//   - Enrichment: new or changed records are queued to a bounded in-memory queue drained by a fixed
//     worker pool calling the language-model backend. Overflow is left for the backfill.
//   - Triggers: the scheduler ticks cycles, the admin API (internal/api) starts them on demand, and
//     -once runs a single cycle from the command line.
//   - Persistence & fanout: Postgres (or memory) holds the catalog and cycle history; raw snapshots go
//     to memory/local/GCS; change events go to Pub/Sub when a topic is configured.
//
// Quick checklist:
//   - Configure sources in a YAML file passed with -config; env vars use the CRAWLER_ prefix
//     (CRAWLER_DB_DSN, CRAWLER_ENRICHMENT_API_KEY, ...). A .env file is loaded when present.
//   - Run the service: go run ./cmd/ingestd -config config.yaml
//   - One cycle and exit: go run ./cmd/ingestd -config config.yaml -once [-backfill]
package main
