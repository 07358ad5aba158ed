// Package api hosts the control endpoint for a running crawl job. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/control/{pause,resume,stop} to steer the job.
//   - GET /v1/status for a point-in-time snapshot.
//   - GET /v1/events?since= for retained telemetry, and
//     /v1/events/stream for the same as server-sent events.
package api
