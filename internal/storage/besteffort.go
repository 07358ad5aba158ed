package storage

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/JakeFAU/newsfrontier/internal/crawler"
	"github.com/JakeFAU/newsfrontier/internal/progress"
)

// BestEffort wraps a crawler.Storage so persistence failures never stop a
// crawl. Write errors are logged and swallowed; read errors yield empty
// results. A degraded-mode event is emitted when the backend starts and
// stops failing.
type BestEffort struct {
	next     crawler.Storage
	reporter *progress.Reporter
	logger   *zap.Logger
	degraded atomic.Bool
}

var _ crawler.Storage = (*BestEffort)(nil)

// NewBestEffort decorates next.
func NewBestEffort(next crawler.Storage, reporter *progress.Reporter, logger *zap.Logger) *BestEffort {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BestEffort{next: next, reporter: reporter, logger: logger}
}

// Degraded reports whether the last storage call failed.
func (b *BestEffort) Degraded() bool {
	return b.degraded.Load()
}

// RecordOutcome implements crawler.Storage.
func (b *BestEffort) RecordOutcome(ctx context.Context, outcome crawler.FetchOutcome) error {
	b.observe("record-outcome", b.next.RecordOutcome(ctx, outcome))
	return nil
}

// UpsertSignatures implements crawler.Storage.
func (b *BestEffort) UpsertSignatures(ctx context.Context, signatures []crawler.PatternSignature) error {
	if len(signatures) == 0 {
		return nil
	}
	b.observe("upsert-signatures", b.next.UpsertSignatures(ctx, signatures))
	return nil
}

// RecordAnalyses implements crawler.Storage.
func (b *BestEffort) RecordAnalyses(ctx context.Context, analyses []crawler.PageAnalysis) error {
	if len(analyses) == 0 {
		return nil
	}
	b.observe("record-analyses", b.next.RecordAnalyses(ctx, analyses))
	return nil
}

// PagesNeedingReanalysis implements crawler.Storage.
func (b *BestEffort) PagesNeedingReanalysis(ctx context.Context, threshold float64, limit int) ([]crawler.PageRef, error) {
	refs, err := b.next.PagesNeedingReanalysis(ctx, threshold, limit)
	b.observe("pages-needing-reanalysis", err)
	if err != nil {
		return nil, nil
	}
	return refs, nil
}

// KnownDead implements crawler.Storage.
func (b *BestEffort) KnownDead(ctx context.Context, host string) ([]string, error) {
	urls, err := b.next.KnownDead(ctx, host)
	b.observe("known-dead", err)
	if err != nil {
		return nil, nil
	}
	return urls, nil
}

func (b *BestEffort) observe(op string, err error) {
	if err != nil {
		b.logger.Warn("storage call failed", zap.String("op", op), zap.Error(err))
		if b.degraded.CompareAndSwap(false, true) {
			b.reporter.Warn(progress.TypeDegradedMode, map[string]any{
				"component":        "storage",
				"active":           true,
				"op":               op,
				progress.KeyDetail: err.Error(),
			})
		}
		return
	}
	if b.degraded.CompareAndSwap(true, false) {
		b.logger.Info("storage recovered", zap.String("op", op))
		b.reporter.Info(progress.TypeDegradedMode, map[string]any{"component": "storage", "active": false})
	}
}
