package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/newsfrontier/internal/config"
	"github.com/JakeFAU/newsfrontier/internal/crawler"
	"github.com/JakeFAU/newsfrontier/internal/frontier"
)

func TestBalancerBudgets(t *testing.T) {
	t.Parallel()

	noon := time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)
	night := time.Date(2025, 4, 1, 2, 0, 0, 0, time.UTC)
	morning := time.Date(2025, 4, 1, 7, 0, 0, 0, time.UTC)

	cases := []struct {
		name     string
		strategy string
		at       time.Time
		want     frontier.Budget
		ratio    float64
	}{
		{"fixed", config.BalancingFixed, noon, frontier.Budget{Total: 10, Newest: 7, Historical: 3}, 0.3},
		{"adaptive", config.BalancingAdaptive, noon, frontier.Budget{Total: 10, Newest: 7, Historical: 3, Spill: true}, 0.3},
		{"default is adaptive", "", noon, frontier.Budget{Total: 10, Newest: 7, Historical: 3, Spill: true}, 0.3},
		{"priority", config.BalancingPriority, noon, frontier.Budget{Total: 10}, 0.3},
		{"time-based night", config.BalancingTimeBased, night, frontier.Budget{Total: 10, Newest: 4, Historical: 6, Spill: true}, 0.6},
		{"time-based peak", config.BalancingTimeBased, morning, frontier.Budget{Total: 10, Newest: 8, Historical: 2, Spill: true}, 0.15},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			b := newBalancer(tc.strategy, 0.3)
			got, ratio := b.budget(10, tc.at)
			require.Equal(t, tc.want, got)
			require.InDelta(t, tc.ratio, ratio, 1e-9)
		})
	}
}

func TestAdaptiveShiftsTowardNewestWhenBacklogEmpties(t *testing.T) {
	t.Parallel()

	b := newBalancer(config.BalancingAdaptive, 0.3)
	b.observe(0)
	b.observe(0)
	require.InDelta(t, 0.1, b.ratio, 1e-9)

	budget, _ := b.budget(10, time.Time{})
	require.Equal(t, 1, budget.Historical)

	b.observe(12)
	require.InDelta(t, 0.2, b.ratio, 1e-9)
	b.observe(12)
	b.observe(12)
	require.InDelta(t, 0.3, b.ratio, 1e-9)

	fixed := newBalancer(config.BalancingFixed, 0.3)
	fixed.observe(0)
	require.InDelta(t, 0.3, fixed.ratio, 1e-9)
}

func TestPriorityStrategyBoostsHistoricalEntries(t *testing.T) {
	t.Parallel()

	require.Nil(t, newBalancer(config.BalancingFixed, 0.3).reprioritize())

	fn := newBalancer(config.BalancingPriority, 0.3).reprioritize()
	require.NotNil(t, fn)
	require.Equal(t, historicalBoostPriority, fn(crawler.FrontierEntry{Priority: 22, Source: crawler.SourceHistorical}))
	require.Equal(t, 2, fn(crawler.FrontierEntry{Priority: 2, Source: crawler.SourceHistorical}))
	require.Equal(t, 22, fn(crawler.FrontierEntry{Priority: 22, Source: crawler.SourceLink}))
}

func TestDeltaTrackerCountsMaterialChanges(t *testing.T) {
	t.Parallel()

	base := crawler.PatternSignature{Host: "news.test", Hash: "a", Kind: crawler.KindHub, Confidence: 0.8, ObservedCount: 2}
	d := newDeltaTracker()
	require.Equal(t, 1, d.observe([]crawler.PatternSignature{base}))
	require.Equal(t, 0, d.observe([]crawler.PatternSignature{base}))

	nudged := base
	nudged.Confidence = 0.82
	require.Equal(t, 0, d.observe([]crawler.PatternSignature{nudged}))

	shifted := base
	shifted.Confidence = 0.7
	relabeled := base
	relabeled.Hash = "b"
	relabeled.Kind = crawler.KindArticle
	require.Equal(t, 2, d.observe([]crawler.PatternSignature{shifted, relabeled}))

	flipped := relabeled
	flipped.Kind = crawler.KindPagination
	require.Equal(t, 1, d.observe([]crawler.PatternSignature{flipped}))

	all := d.all()
	require.Len(t, all, 2)
	require.Equal(t, "a", all[0].Hash)
	require.Equal(t, 8, all[0].ObservedCount)
}
