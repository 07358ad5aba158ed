// Package planner turns learned page signatures into new frontier entries.
// Hub templates become hub candidates and pagination candidates for
// historical backfill. URLs known to be dead are skipped, and when too many
// candidates are skipped in persistent mode the per-category quota grows so
// each batch still yields useful work.
package planner

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/newsfrontier/internal/crawler"
	"github.com/JakeFAU/newsfrontier/internal/progress"
)

// Defaults applied by New.
const (
	DefaultQuota              = 100
	DefaultSkipRatioThreshold = 0.2
	DefaultQuotaCeiling       = 500
	DefaultHubConfidence      = 0.7
	DefaultPaginationDepth    = 5
)

// DeadLinks is the slice of crawler.Storage the planner reads.
type DeadLinks interface {
	KnownDead(ctx context.Context, host string) ([]string, error)
}

// Config tunes a Planner.
type Config struct {
	BaseQuota          int
	SkipRatioThreshold float64
	QuotaCeiling       int
	HubConfidence      float64
	PaginationDepth    int
	PersistentMode     bool
	Storage            DeadLinks
	Clock              crawler.Clock
	Reporter           *progress.Reporter
	Logger             *zap.Logger
}

// PlanContext carries what the planner needs from the current run.
type PlanContext struct {
	Signatures []crawler.PatternSignature
	// Seen reports whether the frontier already admitted a URL.
	Seen  func(rawURL string) bool
	Batch int
}

// PlanStats describes the most recent PlanBatch call.
type PlanStats struct {
	Candidates int                       `json:"candidates"`
	Skipped    int                       `json:"skipped"`
	Planned    int                       `json:"planned"`
	Unchanged  bool                      `json:"unchanged"`
	Quotas     map[crawler.EntryKind]int `json:"quotas"`
}

// Planner is safe for concurrent use.
type Planner struct {
	cfg    Config
	logger *zap.Logger

	mu          sync.Mutex
	dead        map[string]map[string]struct{}
	proposed    map[string]struct{}
	fingerprint string
	quotas      map[crawler.EntryKind]int
	last        PlanStats
}

// New builds a planner with defaults filled in.
func New(cfg Config) *Planner {
	if cfg.BaseQuota <= 0 {
		cfg.BaseQuota = DefaultQuota
	}
	if cfg.SkipRatioThreshold <= 0 {
		cfg.SkipRatioThreshold = DefaultSkipRatioThreshold
	}
	if cfg.QuotaCeiling <= 0 {
		cfg.QuotaCeiling = DefaultQuotaCeiling
	}
	if cfg.QuotaCeiling < cfg.BaseQuota {
		cfg.QuotaCeiling = cfg.BaseQuota
	}
	if cfg.HubConfidence <= 0 {
		cfg.HubConfidence = DefaultHubConfidence
	}
	if cfg.PaginationDepth < 0 {
		cfg.PaginationDepth = 0
	} else if cfg.PaginationDepth == 0 {
		cfg.PaginationDepth = DefaultPaginationDepth
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{
		cfg:      cfg,
		logger:   logger,
		dead:     make(map[string]map[string]struct{}),
		proposed: make(map[string]struct{}),
		quotas: map[crawler.EntryKind]int{
			crawler.KindHub:        cfg.BaseQuota,
			crawler.KindPagination: cfg.BaseQuota,
		},
	}
}

// ObserveOutcome feeds permanent failures into dead-link knowledge.
func (p *Planner) ObserveOutcome(outcome crawler.FetchOutcome) {
	if !outcome.ErrorKind.Permanent() {
		return
	}
	normalized, err := crawler.NormalizeURL(outcome.URL)
	if err != nil {
		return
	}
	host := outcome.Host
	if host == "" {
		host = crawler.HostOf(normalized)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.markDeadLocked(host, normalized)
}

// IsDead reports whether url is known to be dead in this run.
func (p *Planner) IsDead(rawURL string) bool {
	normalized, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.dead[crawler.HostOf(normalized)][normalized]
	return ok
}

// Quota returns the current quota for a candidate category.
func (p *Planner) Quota(kind crawler.EntryKind) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.quotas[kind]
}

// LastPlan returns the stats of the most recent PlanBatch call.
func (p *Planner) LastPlan() PlanStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := p.last
	stats.Quotas = make(map[crawler.EntryKind]int, len(p.quotas))
	for k, v := range p.quotas {
		stats.Quotas[k] = v
	}
	return stats
}

// PlanBatch proposes new frontier entries from the signature set. An
// unchanged signature set yields no entries, and a URL is never proposed
// twice in one run.
func (p *Planner) PlanBatch(ctx context.Context, pc PlanContext) ([]crawler.FrontierEntry, error) {
	fingerprint := fingerprintOf(pc.Signatures)
	p.mu.Lock()
	unchanged := fingerprint == p.fingerprint
	p.mu.Unlock()
	if unchanged {
		p.record(PlanStats{Unchanged: true})
		return nil, nil
	}

	byKind := p.candidates(pc.Signatures)
	if err := p.loadDead(ctx, byKind); err != nil {
		return nil, err
	}

	var (
		out   []crawler.FrontierEntry
		stats PlanStats
	)
	p.mu.Lock()
	p.fingerprint = fingerprint
	for _, kind := range []crawler.EntryKind{crawler.KindHub, crawler.KindPagination} {
		var eligible []crawler.FrontierEntry
		skipped := 0
		for _, entry := range byKind[kind] {
			stats.Candidates++
			if _, dead := p.dead[entry.Host][entry.URL]; dead {
				skipped++
				continue
			}
			if _, dup := p.proposed[entry.URL]; dup {
				continue
			}
			if pc.Seen != nil && pc.Seen(entry.URL) {
				continue
			}
			eligible = append(eligible, entry)
		}
		stats.Skipped += skipped
		quota := p.adjustQuotaLocked(kind, skipped, len(eligible)+skipped, pc.Batch)
		if len(eligible) > quota {
			eligible = eligible[:quota]
		}
		for _, entry := range eligible {
			p.proposed[entry.URL] = struct{}{}
		}
		out = append(out, eligible...)
	}
	p.mu.Unlock()

	stats.Planned = len(out)
	p.record(stats)
	p.logger.Debug("planned batch",
		zap.Int("batch", pc.Batch),
		zap.Int("candidates", stats.Candidates),
		zap.Int("skipped", stats.Skipped),
		zap.Int("planned", stats.Planned),
	)
	return out, nil
}

// adjustQuotaLocked grows the category quota when the skipped-as-dead share
// exceeds the threshold. Growth only happens in persistent mode and never
// passes the ceiling.
func (p *Planner) adjustQuotaLocked(kind crawler.EntryKind, skipped, total, batch int) int {
	quota := p.quotas[kind]
	if !p.cfg.PersistentMode || total == 0 {
		return quota
	}
	ratio := float64(skipped) / float64(total)
	if ratio <= p.cfg.SkipRatioThreshold {
		return quota
	}
	scaled := int(math.Ceil(float64(quota) / math.Max(1-ratio, 0.01)))
	if scaled > p.cfg.QuotaCeiling {
		scaled = p.cfg.QuotaCeiling
	}
	if scaled == quota {
		return quota
	}
	p.quotas[kind] = scaled
	p.logger.Info("planner quota scaled",
		zap.String("category", string(kind)),
		zap.Float64("skip_ratio", ratio),
		zap.Int("from", quota),
		zap.Int("to", scaled),
	)
	p.cfg.Reporter.Info(progress.TypeBudgetUpdated, map[string]any{
		"category":  string(kind),
		"quota":     scaled,
		"previous":  quota,
		"skipRatio": ratio,
		"batch":     batch,
	})
	return scaled
}

// candidates expands confident hub signatures into hub and pagination
// entries, keyed by category.
func (p *Planner) candidates(signatures []crawler.PatternSignature) map[crawler.EntryKind][]crawler.FrontierEntry {
	now := p.now()
	sigs := append([]crawler.PatternSignature(nil), signatures...)
	sort.SliceStable(sigs, func(i, j int) bool {
		if sigs[i].Confidence != sigs[j].Confidence {
			return sigs[i].Confidence > sigs[j].Confidence
		}
		return sigs[i].SampleURL < sigs[j].SampleURL
	})
	out := make(map[crawler.EntryKind][]crawler.FrontierEntry)
	for _, sig := range sigs {
		if sig.Confidence < p.cfg.HubConfidence {
			continue
		}
		if sig.Kind != crawler.KindHub && sig.Kind != crawler.KindPagination {
			continue
		}
		base, err := crawler.NormalizeURL(withoutPage(sig.SampleURL))
		if err != nil {
			continue
		}
		host := crawler.HostOf(base)
		out[crawler.KindHub] = append(out[crawler.KindHub], crawler.FrontierEntry{
			URL:          base,
			Host:         host,
			Depth:        1,
			Kind:         crawler.KindHub,
			Priority:     10,
			DiscoveredAt: now,
			Source:       crawler.SourceHub,
		})
		for n := 2; n <= p.cfg.PaginationDepth+1; n++ {
			pageURL, err := crawler.NormalizeURL(withPage(base, n))
			if err != nil {
				continue
			}
			out[crawler.KindPagination] = append(out[crawler.KindPagination], crawler.FrontierEntry{
				URL:          pageURL,
				Host:         host,
				Depth:        n,
				Kind:         crawler.KindPagination,
				Priority:     20 + n,
				DiscoveredAt: now,
				Source:       crawler.SourceHistorical,
			})
		}
	}
	return out
}

// loadDead merges the storage collaborator's dead-link view for every host
// that has candidates.
func (p *Planner) loadDead(ctx context.Context, byKind map[crawler.EntryKind][]crawler.FrontierEntry) error {
	if p.cfg.Storage == nil {
		return nil
	}
	hosts := make(map[string]struct{})
	for _, entries := range byKind {
		for _, e := range entries {
			hosts[e.Host] = struct{}{}
		}
	}
	for host := range hosts {
		urls, err := p.cfg.Storage.KnownDead(ctx, host)
		if err != nil {
			return fmt.Errorf("known dead links for %s: %w", host, err)
		}
		p.mu.Lock()
		for _, raw := range urls {
			if normalized, err := crawler.NormalizeURL(raw); err == nil {
				p.markDeadLocked(host, normalized)
			}
		}
		p.mu.Unlock()
	}
	return nil
}

func (p *Planner) markDeadLocked(host, normalized string) {
	set, ok := p.dead[host]
	if !ok {
		set = make(map[string]struct{})
		p.dead[host] = set
	}
	set[normalized] = struct{}{}
}

func (p *Planner) record(stats PlanStats) {
	p.mu.Lock()
	p.last = stats
	p.mu.Unlock()
}

func (p *Planner) now() time.Time {
	if p.cfg.Clock != nil {
		return p.cfg.Clock.Now()
	}
	return time.Now().UTC()
}

// fingerprintOf is order independent.
func fingerprintOf(signatures []crawler.PatternSignature) string {
	keys := make([]string, 0, len(signatures))
	for _, sig := range signatures {
		keys = append(keys, fmt.Sprintf("%s|%s|%s|%.3f|%s", sig.Host, sig.Hash, sig.Kind, sig.Confidence, sig.SampleURL))
	}
	sort.Strings(keys)
	return strings.Join(keys, "\n")
}

func withoutPage(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Del("page")
	u.RawQuery = q.Encode()
	return u.String()
}

func withPage(raw string, n int) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(n))
	u.RawQuery = q.Encode()
	return u.String()
}
