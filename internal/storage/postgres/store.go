package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/newsfrontier/internal/crawler"
)

// Store implements crawler.Storage. Tables: fetch_outcomes, dead_links,
// pattern_signatures and page_analyses.
type Store struct {
	pool      querier
	jobID     string
	deadAfter int
}

// NewStore wraps pool for one job. URLs count as dead after deadAfter
// permanent failures (minimum 1).
func NewStore(pool querier, jobID string, deadAfter int) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if deadAfter <= 0 {
		deadAfter = 1
	}
	return &Store{pool: pool, jobID: jobID, deadAfter: deadAfter}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

const insertOutcome = `
INSERT INTO fetch_outcomes (
	job_id, url, final_url, host, http_status, source_method,
	duration_ms, bytes, error_kind, error_text, attempts, fetched_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`

const upsertDeadLink = `
INSERT INTO dead_links (host, url, error_kind, hits, last_seen)
VALUES ($1, $2, $3, 1, $4)
ON CONFLICT (host, url) DO UPDATE
SET hits = dead_links.hits + 1, error_kind = EXCLUDED.error_kind, last_seen = EXCLUDED.last_seen`

// RecordOutcome inserts the outcome row and bumps dead-link counters for
// permanent failures.
func (s *Store) RecordOutcome(ctx context.Context, o crawler.FetchOutcome) error {
	_, err := s.pool.Exec(ctx, insertOutcome,
		s.jobID, o.URL, o.FinalURL, o.Host, o.HTTPStatus, string(o.SourceMethod),
		o.DurationMs, o.Bytes, string(o.ErrorKind), o.ErrorText, o.Attempts, o.FetchedAt,
	)
	if err != nil {
		return fmt.Errorf("insert fetch outcome: %w", err)
	}
	if !o.ErrorKind.Permanent() {
		return nil
	}
	if _, err := s.pool.Exec(ctx, upsertDeadLink, o.Host, o.URL, string(o.ErrorKind), o.FetchedAt); err != nil {
		return fmt.Errorf("upsert dead link: %w", err)
	}
	return nil
}

const upsertSignature = `
INSERT INTO pattern_signatures (
	host, hash, kind, confidence, observed_count, sample_url, first_seen, last_seen
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (host, hash) DO UPDATE
SET kind = EXCLUDED.kind,
	confidence = EXCLUDED.confidence,
	observed_count = EXCLUDED.observed_count,
	sample_url = EXCLUDED.sample_url,
	last_seen = EXCLUDED.last_seen`

// UpsertSignatures writes each signature; first_seen survives updates.
func (s *Store) UpsertSignatures(ctx context.Context, signatures []crawler.PatternSignature) error {
	for _, sig := range signatures {
		_, err := s.pool.Exec(ctx, upsertSignature,
			sig.Host, sig.Hash, string(sig.Kind), sig.Confidence, sig.ObservedCount,
			sig.SampleURL, sig.FirstSeen, sig.LastSeen,
		)
		if err != nil {
			return fmt.Errorf("upsert signature %s/%s: %w", sig.Host, sig.Hash, err)
		}
	}
	return nil
}

const upsertAnalysis = `
INSERT INTO page_analyses (url, host, kind, signature_hash, confidence, analyzed_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (url) DO UPDATE
SET kind = EXCLUDED.kind,
	signature_hash = EXCLUDED.signature_hash,
	confidence = EXCLUDED.confidence,
	analyzed_at = EXCLUDED.analyzed_at`

// RecordAnalyses keeps the latest verdict per URL.
func (s *Store) RecordAnalyses(ctx context.Context, analyses []crawler.PageAnalysis) error {
	for _, a := range analyses {
		_, err := s.pool.Exec(ctx, upsertAnalysis,
			a.URL, a.Host, string(a.Kind), a.SignatureHash, a.Confidence, a.AnalyzedAt,
		)
		if err != nil {
			return fmt.Errorf("upsert analysis %s: %w", a.URL, err)
		}
	}
	return nil
}

const selectReanalysis = `
SELECT url, host, confidence, signature_hash, analyzed_at
FROM page_analyses
WHERE confidence < $1
ORDER BY confidence ASC, analyzed_at ASC
LIMIT $2`

// PagesNeedingReanalysis lists the least confident pages first.
func (s *Store) PagesNeedingReanalysis(ctx context.Context, threshold float64, limit int) ([]crawler.PageRef, error) {
	rows, err := s.pool.Query(ctx, selectReanalysis, threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("query reanalysis candidates: %w", err)
	}
	refs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (crawler.PageRef, error) {
		var ref crawler.PageRef
		err := row.Scan(&ref.URL, &ref.Host, &ref.Confidence, &ref.SignatureHash, &ref.AnalyzedAt)
		return ref, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan reanalysis candidates: %w", err)
	}
	return refs, nil
}

const selectDead = `
SELECT url FROM dead_links
WHERE host = $1 AND hits >= $2
ORDER BY url`

// KnownDead lists URLs on host with enough permanent failures.
func (s *Store) KnownDead(ctx context.Context, host string) ([]string, error) {
	rows, err := s.pool.Query(ctx, selectDead, host, s.deadAfter)
	if err != nil {
		return nil, fmt.Errorf("query dead links: %w", err)
	}
	urls, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan dead links: %w", err)
	}
	return urls, nil
}
