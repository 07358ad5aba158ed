// Package store defines interfaces for persistence dependencies of the
// telemetry bridge (job runs, per-host fetch aggregates, decision traces).
// Implementations live in other packages; this package must not import
// database drivers or concrete clients.
package store
