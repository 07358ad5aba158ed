// Package throttle enforces per-host politeness: a cap on concurrent
// requests and a minimum interval between request starts.
package throttle

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/newsfrontier/internal/crawler"
)

// WaitObserver receives the time each Acquire spent blocked.
type WaitObserver interface {
	ObserveThrottleWait(host string, d time.Duration)
}

// Config holds throttle configuration.
type Config struct {
	// MaxConcurrentPerHost caps in-flight requests per host (default 2).
	MaxConcurrentPerHost int
	// DefaultInterval is the minimum spacing between request starts on one
	// host. Zero disables spacing.
	DefaultInterval time.Duration
	// HostIntervals overrides DefaultInterval for specific hosts.
	HostIntervals map[string]time.Duration
	// Clock stamps LastRequestAt; defaults to wall time.
	Clock crawler.Clock
	// Observer is optional.
	Observer WaitObserver
}

// Throttle manages per-host concurrency slots and spacing limiters. It is
// safe for concurrent use; Acquire blocks only the calling goroutine.
type Throttle struct {
	cfg Config

	mu    sync.Mutex
	hosts map[string]*hostSlot
}

type hostSlot struct {
	sem         *semaphore.Weighted
	limiter     *rate.Limiter
	active      int
	lastRequest time.Time
}

// New creates a Throttle.
func New(cfg Config) *Throttle {
	if cfg.MaxConcurrentPerHost <= 0 {
		cfg.MaxConcurrentPerHost = 2
	}
	overrides := make(map[string]time.Duration, len(cfg.HostIntervals))
	for host, d := range cfg.HostIntervals {
		overrides[host] = d
	}
	cfg.HostIntervals = overrides
	return &Throttle{cfg: cfg, hosts: make(map[string]*hostSlot)}
}

// Permit is held for the duration of one request. Release must be called
// exactly once; extra calls are ignored.
type Permit struct {
	host     string
	throttle *Throttle
	once     sync.Once
}

// Host returns the host the permit was granted for.
func (p *Permit) Host() string {
	if p == nil {
		return ""
	}
	return p.host
}

// Release returns the concurrency slot.
func (p *Permit) Release() {
	if p == nil || p.throttle == nil {
		return
	}
	p.once.Do(func() {
		p.throttle.release(p.host)
	})
}

// Acquire blocks until host has a free slot and its spacing interval has
// elapsed, or ctx is done.
func (t *Throttle) Acquire(ctx context.Context, host string) (*Permit, error) {
	slot := t.slot(host)
	start := time.Now()
	if err := slot.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("throttle slot %s: %w", host, err)
	}
	if err := slot.limiter.Wait(ctx); err != nil {
		slot.sem.Release(1)
		return nil, fmt.Errorf("throttle spacing %s: %w", host, err)
	}
	waited := time.Since(start)

	t.mu.Lock()
	slot.active++
	slot.lastRequest = t.now()
	t.mu.Unlock()

	if t.cfg.Observer != nil {
		t.cfg.Observer.ObserveThrottleWait(host, waited)
	}
	return &Permit{host: host, throttle: t}, nil
}

// SetInterval changes the spacing for host, e.g. after reading a robots.txt
// crawl-delay. A longer configured override always wins.
func (t *Throttle) SetInterval(host string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.cfg.HostIntervals[host]; ok && cur >= d {
		return
	}
	t.cfg.HostIntervals[host] = d
	if slot, ok := t.hosts[host]; ok {
		slot.limiter.SetLimit(limitFor(d))
	}
}

// Interval reports the spacing currently applied to host.
func (t *Throttle) Interval(host string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.intervalLocked(host)
}

// Snapshot returns copies of the throttle-owned HostState fields, sorted by
// host. Status is left for the retry coordinator to fill.
func (t *Throttle) Snapshot() []crawler.HostState {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]crawler.HostState, 0, len(t.hosts))
	for host, slot := range t.hosts {
		out = append(out, crawler.HostState{
			Host:           host,
			ActiveRequests: slot.active,
			LastRequestAt:  slot.lastRequest,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

func (t *Throttle) slot(host string) *hostSlot {
	t.mu.Lock()
	defer t.mu.Unlock()
	slot, ok := t.hosts[host]
	if !ok {
		slot = &hostSlot{
			sem:     semaphore.NewWeighted(int64(t.cfg.MaxConcurrentPerHost)),
			limiter: rate.NewLimiter(limitFor(t.intervalLocked(host)), 1),
		}
		t.hosts[host] = slot
	}
	return slot
}

func (t *Throttle) release(host string) {
	t.mu.Lock()
	slot, ok := t.hosts[host]
	if ok && slot.active > 0 {
		slot.active--
	}
	t.mu.Unlock()
	if ok {
		slot.sem.Release(1)
	}
}

func (t *Throttle) intervalLocked(host string) time.Duration {
	if d, ok := t.cfg.HostIntervals[host]; ok {
		return d
	}
	return t.cfg.DefaultInterval
}

func (t *Throttle) now() time.Time {
	if t.cfg.Clock != nil {
		return t.cfg.Clock.Now()
	}
	return time.Now().UTC()
}

func limitFor(interval time.Duration) rate.Limit {
	if interval <= 0 {
		return rate.Inf
	}
	return rate.Every(interval)
}
