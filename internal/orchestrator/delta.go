package orchestrator

import (
	"math"
	"sort"

	"github.com/JakeFAU/newsfrontier/internal/crawler"
)

// minConfidenceShift is the smallest confidence move that counts as drift.
const minConfidenceShift = 0.05

// deltaTracker remembers the last signature per (host, hash) and counts how
// many incoming signatures are new or materially changed.
type deltaTracker struct {
	known map[string]crawler.PatternSignature
}

func newDeltaTracker() *deltaTracker {
	return &deltaTracker{known: make(map[string]crawler.PatternSignature)}
}

func signatureKey(s crawler.PatternSignature) string {
	return s.Host + "|" + s.Hash
}

// observe folds signatures into the baseline and returns how many drifted.
func (d *deltaTracker) observe(signatures []crawler.PatternSignature) int {
	drift := 0
	for _, s := range signatures {
		key := signatureKey(s)
		prev, ok := d.known[key]
		switch {
		case !ok:
			drift++
		case prev.Kind != s.Kind:
			drift++
		case math.Abs(prev.Confidence-s.Confidence) >= minConfidenceShift:
			drift++
		}
		if ok && prev.FirstSeen.Before(s.FirstSeen) {
			s.FirstSeen = prev.FirstSeen
		}
		if ok {
			s.ObservedCount += prev.ObservedCount
		}
		d.known[key] = s
	}
	return drift
}

// seed installs a baseline without counting drift.
func (d *deltaTracker) seed(signatures []crawler.PatternSignature) {
	for _, s := range signatures {
		d.known[signatureKey(s)] = s
	}
}

// all returns the baseline ordered by host then hash.
func (d *deltaTracker) all() []crawler.PatternSignature {
	out := make([]crawler.PatternSignature, 0, len(d.known))
	for _, s := range d.known {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Host != out[j].Host {
			return out[i].Host < out[j].Host
		}
		return out[i].Hash < out[j].Hash
	})
	return out
}

func (d *deltaTracker) len() int {
	return len(d.known)
}
