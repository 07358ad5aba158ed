// Package crawler holds the data model and collaborator interfaces shared by
// the frontier, fetch pipeline, worker pool and orchestrator. It has no
// dependencies on the rest of the engine so every component can import it.
package crawler
