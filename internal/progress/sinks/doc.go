// Package sinks implements concrete telemetry consumers: structured logging,
// Prometheus collectors, repository-backed persistence and Pub/Sub fan-out.
// Each sink satisfies the progress.Sink interface and is safe for repeated
// Consume/Close cycles.
package sinks
