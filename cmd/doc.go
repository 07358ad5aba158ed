// Package cmd implements the newsfrontier command line.
//
// Architecture overview:
//   - run: loads configuration through Viper, builds the job with app.New and
//     drives it until a goal, the download cap or an abort ends it. The job
//     cycles download, analyze, learn, discover and reanalyze phases and never
//     stops just because the frontier drained; it idles until the next hub
//     refresh instead.
//   - Control endpoint: while a job runs, internal/api serves status, events
//     and pause/resume/stop on control.addr. The pause, resume, stop and
//     status subcommands are thin HTTP clients of that endpoint.
//   - Exit codes: 0 for completed, queue-exhausted and max-downloads-reached,
//     2 for an operator abort, 1 for everything else.
//
// Quick checklist:
//   - Configure with a YAML file (--config) or NEWSFRONTIER_* environment
//     variables; run flags override both.
//   - Reuse --job-id with a badger checkpoint provider to resume a job.
//   - SIGINT or SIGTERM aborts the job after in-flight fetches finish.
package cmd
