// Package progress provides the event primitives, non-blocking hub, and emitter
// interface that the cycle runner and enrichment workers use to report progress.
// Events are batched on a background goroutine and fanned out to pluggable
// sinks such as Prometheus metrics, structured logs or the cycle history store.
package progress
