// Package progress is the telemetry bridge. Components report through a
// job-scoped Reporter; the Hub accepts events on a bounded channel without
// blocking, and a single consumer goroutine sequences, retains and batches
// them before fanning out to pluggable sinks such as logs, Prometheus,
// Postgres or Pub/Sub. Late observers read the retained history and then
// follow the live stream through Subscribe.
package progress
