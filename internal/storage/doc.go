// Package storage holds the storage collaborator decorators shared by every
// backend. Backends live in the subpackages: memory for tests and
// development, postgres for production, and local/gcs/memory blob stores
// for the page archive.
package storage
