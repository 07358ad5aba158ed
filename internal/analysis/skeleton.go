// Package analysis is the default content analysis collaborator. It groups
// pages by the shape of their DOM, so pages rendered from the same template
// share a signature, and scores each page as an article or a hub from
// structural signals.
package analysis

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/newsfrontier/internal/crawler"
	"github.com/JakeFAU/newsfrontier/internal/hash/sha256"
)

const (
	defaultMaxDepth   = 6
	defaultHashLength = 16
)

// ignoredTags never contribute to a skeleton; their presence varies between
// pages of one template.
var ignoredTags = map[string]struct{}{
	"script": {}, "style": {}, "noscript": {}, "template": {}, "svg": {},
	"iframe": {}, "link": {}, "meta": {}, "br": {}, "#comment": {},
}

// Config tunes a Skeleton analyzer.
type Config struct {
	// MaxDepth bounds how deep below <body> the skeleton descends.
	MaxDepth   int
	HashLength int
	Clock      crawler.Clock
	Logger     *zap.Logger
}

// Skeleton implements crawler.Analyzer.
type Skeleton struct {
	cfg    Config
	logger *zap.Logger
}

var _ crawler.Analyzer = (*Skeleton)(nil)

// NewSkeleton builds an analyzer with defaults filled in.
func NewSkeleton(cfg Config) *Skeleton {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = defaultMaxDepth
	}
	if cfg.HashLength <= 0 {
		cfg.HashLength = defaultHashLength
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Skeleton{cfg: cfg, logger: logger}
}

// Analyze streams one progress message per page followed by a final message
// carrying the signatures of the batch. The channel is buffered for the
// whole batch, so an abandoned reader never blocks the worker goroutine.
func (s *Skeleton) Analyze(ctx context.Context, pages []crawler.Page) (<-chan crawler.AnalysisProgress, error) {
	out := make(chan crawler.AnalysisProgress, len(pages)+1)
	go func() {
		defer close(out)
		groups := make(map[string]*group)
		for i, page := range pages {
			if err := ctx.Err(); err != nil {
				out <- crawler.AnalysisProgress{Processed: i, Total: len(pages), Done: true, Err: err}
				return
			}
			analysis, ok := s.analyzePage(page)
			if !ok {
				out <- crawler.AnalysisProgress{Processed: i + 1, Total: len(pages)}
				continue
			}
			key := analysis.Host + "|" + analysis.SignatureHash
			g, exists := groups[key]
			if !exists {
				g = &group{host: analysis.Host, hash: analysis.SignatureHash, sample: analysis.URL, kinds: map[crawler.EntryKind]int{}}
				groups[key] = g
			}
			g.add(analysis)
			out <- crawler.AnalysisProgress{Processed: i + 1, Total: len(pages), Page: &analysis}
		}
		out <- crawler.AnalysisProgress{
			Processed:  len(pages),
			Total:      len(pages),
			Signatures: s.signatures(groups),
			Done:       true,
		}
	}()
	return out, nil
}

func (s *Skeleton) analyzePage(page crawler.Page) (crawler.PageAnalysis, bool) {
	if len(page.Body) == 0 {
		return crawler.PageAnalysis{}, false
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		s.logger.Debug("parse page for analysis", zap.String("url", page.URL), zap.Error(err))
		return crawler.PageAnalysis{}, false
	}
	host := page.Host
	if host == "" {
		host = crawler.HostOf(page.URL)
	}
	shape := shapeOf(doc.Find("body").First(), 0, s.cfg.MaxDepth)
	kind, confidence := score(collectSignals(doc), crawler.ClassifyURL(page.URL))
	return crawler.PageAnalysis{
		URL:           page.URL,
		Host:          host,
		Kind:          kind,
		SignatureHash: sha256.Short([]byte(shape), s.cfg.HashLength),
		Confidence:    confidence,
		AnalyzedAt:    s.now(),
	}, true
}

// shapeOf renders the element tree below sel as nested tag names. Runs of
// identical siblings collapse to one, so a list of 20 items and a list of 25
// items yield the same shape.
func shapeOf(sel *goquery.Selection, depth, maxDepth int) string {
	name := goquery.NodeName(sel)
	if sel.Length() == 0 {
		return ""
	}
	if depth >= maxDepth {
		return name
	}
	var parts []string
	sel.Children().Each(func(_ int, child *goquery.Selection) {
		if _, skip := ignoredTags[goquery.NodeName(child)]; skip {
			return
		}
		part := shapeOf(child, depth+1, maxDepth)
		if n := len(parts); n > 0 && parts[n-1] == part {
			return
		}
		parts = append(parts, part)
	})
	if len(parts) == 0 {
		return name
	}
	return name + "(" + strings.Join(parts, ",") + ")"
}

func (s *Skeleton) signatures(groups map[string]*group) []crawler.PatternSignature {
	now := s.now()
	out := make([]crawler.PatternSignature, 0, len(groups))
	for _, g := range groups {
		out = append(out, g.signature(now))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Host != out[j].Host {
			return out[i].Host < out[j].Host
		}
		return out[i].Hash < out[j].Hash
	})
	return out
}

func (s *Skeleton) now() time.Time {
	if s.cfg.Clock != nil {
		return s.cfg.Clock.Now()
	}
	return time.Now().UTC()
}

// group accumulates the pages of one (host, signature) pair.
type group struct {
	host    string
	hash    string
	sample  string
	count   int
	confSum float64
	kinds   map[crawler.EntryKind]int
}

func (g *group) add(a crawler.PageAnalysis) {
	g.count++
	g.confSum += a.Confidence
	g.kinds[a.Kind]++
}

// signature turns the group into a PatternSignature. Confidence is the mean
// page confidence discounted until the template has been seen three times.
func (g *group) signature(now time.Time) crawler.PatternSignature {
	kind, best := crawler.KindOther, 0
	for _, k := range []crawler.EntryKind{crawler.KindArticle, crawler.KindHub, crawler.KindPagination, crawler.KindOther} {
		if n := g.kinds[k]; n > best {
			kind, best = k, n
		}
	}
	coverage := 0.5 + 0.25*float64(g.count-1)
	if coverage > 1 {
		coverage = 1
	}
	purity := float64(best) / float64(g.count)
	return crawler.PatternSignature{
		Hash:          g.hash,
		Confidence:    round(g.confSum / float64(g.count) * coverage * purity),
		ObservedCount: g.count,
		Host:          g.host,
		Kind:          kind,
		SampleURL:     g.sample,
		FirstSeen:     now,
		LastSeen:      now,
	}
}
