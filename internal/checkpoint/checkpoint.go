// Package checkpoint persists orchestrator progress between batches so an
// interrupted job resumes without redoing committed work.
package checkpoint

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/JakeFAU/newsfrontier/internal/crawler"
	"github.com/JakeFAU/newsfrontier/internal/hash/sha256"
)

// ErrNotFound is returned by Load when a job has no checkpoint.
var ErrNotFound = errors.New("checkpoint not found")

// Checkpoint is the orchestrator state after a completed batch.
type Checkpoint struct {
	JobID           string
	Batch           int
	TotalPages      int64
	TotalDownloads  int64
	Phase           crawler.Phase
	HistoricalRatio float64
	Signatures      []crawler.PatternSignature
	// Committed lists every URL already handled; CommittedDigest lets a
	// loader detect a truncated list.
	Committed       []string
	CommittedDigest string
	PendingFrontier []crawler.FrontierEntry
	LastHubRefresh  time.Time
	UpdatedAt       time.Time
}

// Valid reports whether the committed list matches its digest.
func (c Checkpoint) Valid() bool {
	return c.CommittedDigest == Digest(c.Committed)
}

// Store saves and loads checkpoints by job ID.
type Store interface {
	Save(ctx context.Context, cp Checkpoint) error
	Load(ctx context.Context, jobID string) (Checkpoint, error)
	Close() error
}

// Digest is an order independent SHA-256 of urls.
func Digest(urls []string) string {
	sorted := append([]string(nil), urls...)
	sort.Strings(sorted)
	return sha256.Sum([]byte(strings.Join(sorted, "\n")))
}
