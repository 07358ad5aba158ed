package crawler

import (
	"context"
	"time"
)

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Cache stores page bodies between fetches. Get reports false when no fresh
// copy exists.
type Cache interface {
	Get(ctx context.Context, url string) (CachedPage, bool, error)
	Put(ctx context.Context, page CachedPage) error
}

// Storage is the persistent data store collaborator. Implementations own
// their schema; the engine only needs these operations.
type Storage interface {
	RecordOutcome(ctx context.Context, outcome FetchOutcome) error
	UpsertSignatures(ctx context.Context, signatures []PatternSignature) error
	RecordAnalyses(ctx context.Context, analyses []PageAnalysis) error
	PagesNeedingReanalysis(ctx context.Context, threshold float64, limit int) ([]PageRef, error)
	KnownDead(ctx context.Context, host string) ([]string, error)
}

// Analyzer is the content analysis collaborator. Progress is streamed on the
// returned channel, which is closed after the final message.
type Analyzer interface {
	Analyze(ctx context.Context, pages []Page) (<-chan AnalysisProgress, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes serialized events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// RunContext is the single orchestration context passed explicitly to the
// components of one run.
type RunContext struct {
	JobID     string
	StartedAt time.Time
	Stats     *RunStats
}
