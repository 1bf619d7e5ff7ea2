// Package sinks implements concrete progress consumers: Prometheus metrics,
// the cycle history repository, and structured logging.
package sinks
