package orchestrator

import (
	"math"
	"time"

	"github.com/JakeFAU/newsfrontier/internal/config"
	"github.com/JakeFAU/newsfrontier/internal/crawler"
	"github.com/JakeFAU/newsfrontier/internal/frontier"
)

// historicalBoostPriority is the worst priority a historical entry keeps
// under the priority strategy.
const historicalBoostPriority = 5

const adaptiveStep = 0.1

// balancer chooses each batch's split between the newest and historical
// lanes.
type balancer struct {
	strategy string
	base     float64
	ratio    float64
}

func newBalancer(strategy string, ratio float64) *balancer {
	if strategy == "" {
		strategy = config.BalancingAdaptive
	}
	ratio = math.Max(0, math.Min(1, ratio))
	return &balancer{strategy: strategy, base: ratio, ratio: ratio}
}

// observe adapts the ratio after a batch. Only the adaptive strategy moves:
// toward newest while the historical backlog is empty, back toward the
// configured ratio once backlog returns.
func (b *balancer) observe(historicalPending int) {
	if b.strategy != config.BalancingAdaptive {
		return
	}
	switch {
	case historicalPending == 0:
		b.ratio = math.Max(0, b.ratio-adaptiveStep)
	case b.ratio < b.base:
		b.ratio = math.Min(b.base, b.ratio+adaptiveStep)
	}
	b.ratio = math.Round(b.ratio*100) / 100
}

// budget returns the frontier budget for a batch of size n at time now.
func (b *balancer) budget(n int, now time.Time) (frontier.Budget, float64) {
	ratio := b.ratio
	switch b.strategy {
	case config.BalancingPriority:
		return frontier.Budget{Total: n}, ratio
	case config.BalancingTimeBased:
		ratio = timeOfDayRatio(b.base, now)
	}
	historical := int(math.Round(float64(n) * ratio))
	return frontier.Budget{
		Total:      n,
		Newest:     n - historical,
		Historical: historical,
		Spill:      b.strategy != config.BalancingFixed,
	}, ratio
}

// reprioritize returns the priority function applied before each batch, or
// nil when the strategy does not reorder.
func (b *balancer) reprioritize() func(crawler.FrontierEntry) int {
	if b.strategy != config.BalancingPriority {
		return nil
	}
	return func(e crawler.FrontierEntry) int {
		if e.Source.Historical() && e.Priority > historicalBoostPriority {
			return historicalBoostPriority
		}
		return e.Priority
	}
}

// timeOfDayRatio backfills more overnight and less during the morning and
// evening news peaks (UTC hours).
func timeOfDayRatio(base float64, now time.Time) float64 {
	switch h := now.UTC().Hour(); {
	case h < 6:
		return math.Min(0.9, base+0.3)
	case (h >= 6 && h < 10) || (h >= 17 && h < 21):
		return base / 2
	default:
		return base
	}
}
