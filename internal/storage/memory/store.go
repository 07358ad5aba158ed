// Package memory keeps crawl results and archived pages in process memory.
// It backs tests and single-run development crawls.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/newsfrontier/internal/crawler"
)

// Store implements crawler.Storage without persistence.
type Store struct {
	deadAfter int

	mu         sync.RWMutex
	outcomes   []crawler.FetchOutcome
	dead       map[string]map[string]int
	signatures map[string]crawler.PatternSignature
	analyses   map[string]crawler.PageAnalysis
}

// NewStore returns an empty store. A URL counts as dead after deadAfter
// permanent failures (minimum 1).
func NewStore(deadAfter int) *Store {
	if deadAfter <= 0 {
		deadAfter = 1
	}
	return &Store{
		deadAfter:  deadAfter,
		dead:       make(map[string]map[string]int),
		signatures: make(map[string]crawler.PatternSignature),
		analyses:   make(map[string]crawler.PageAnalysis),
	}
}

// RecordOutcome appends the outcome without its body.
func (s *Store) RecordOutcome(_ context.Context, outcome crawler.FetchOutcome) error {
	outcome.Body = nil
	outcome.Headers = nil
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, outcome)
	if outcome.ErrorKind.Permanent() {
		urls := s.dead[outcome.Host]
		if urls == nil {
			urls = make(map[string]int)
			s.dead[outcome.Host] = urls
		}
		urls[outcome.URL]++
	}
	return nil
}

// UpsertSignatures merges by (host, hash). FirstSeen is preserved.
func (s *Store) UpsertSignatures(_ context.Context, signatures []crawler.PatternSignature) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sig := range signatures {
		key := sig.Host + "|" + sig.Hash
		if prev, ok := s.signatures[key]; ok && !prev.FirstSeen.IsZero() {
			sig.FirstSeen = prev.FirstSeen
		}
		s.signatures[key] = sig
	}
	return nil
}

// RecordAnalyses keeps the latest analysis per URL.
func (s *Store) RecordAnalyses(_ context.Context, analyses []crawler.PageAnalysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range analyses {
		s.analyses[a.URL] = a
	}
	return nil
}

// PagesNeedingReanalysis returns up to limit pages below threshold, least
// confident first.
func (s *Store) PagesNeedingReanalysis(_ context.Context, threshold float64, limit int) ([]crawler.PageRef, error) {
	s.mu.RLock()
	var refs []crawler.PageRef
	for _, a := range s.analyses {
		if a.Confidence < threshold {
			refs = append(refs, crawler.PageRef{
				URL:           a.URL,
				Host:          a.Host,
				Confidence:    a.Confidence,
				SignatureHash: a.SignatureHash,
				AnalyzedAt:    a.AnalyzedAt,
			})
		}
	}
	s.mu.RUnlock()
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Confidence != refs[j].Confidence {
			return refs[i].Confidence < refs[j].Confidence
		}
		return refs[i].URL < refs[j].URL
	})
	if limit > 0 && len(refs) > limit {
		refs = refs[:limit]
	}
	return refs, nil
}

// KnownDead lists URLs on host that failed permanently often enough.
func (s *Store) KnownDead(_ context.Context, host string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for u, hits := range s.dead[host] {
		if hits >= s.deadAfter {
			out = append(out, u)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Outcomes returns a copy of every recorded outcome.
func (s *Store) Outcomes() []crawler.FetchOutcome {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]crawler.FetchOutcome(nil), s.outcomes...)
}

// Signatures returns all stored signatures ordered by host then hash.
func (s *Store) Signatures() []crawler.PatternSignature {
	s.mu.RLock()
	out := make([]crawler.PatternSignature, 0, len(s.signatures))
	for _, sig := range s.signatures {
		out = append(out, sig)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Host != out[j].Host {
			return out[i].Host < out[j].Host
		}
		return out[i].Hash < out[j].Hash
	})
	return out
}
