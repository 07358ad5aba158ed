// Package retry classifies fetch failures, schedules backoff and tracks
// per-host health so that hosts resetting connections are locked out for a
// cooldown instead of being hammered.
package retry

import (
	"crypto/rand"
	"math"
	"math/big"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/newsfrontier/internal/crawler"
	"github.com/JakeFAU/newsfrontier/internal/progress"
)

// Config controls classification, backoff and lockout.
type Config struct {
	MaxRetries        int
	BackoffBase       time.Duration
	BackoffCeiling    time.Duration
	RetryableStatuses []int
	// LockoutThreshold connection resets within LockoutWindow lock a host
	// out for LockoutCooldown.
	LockoutThreshold int
	LockoutWindow    time.Duration
	LockoutCooldown  time.Duration

	Clock    crawler.Clock
	Reporter *progress.Reporter
	Logger   *zap.Logger
}

// DefaultRetryableStatuses is used when Config.RetryableStatuses is empty.
var DefaultRetryableStatuses = []int{429, 502, 503, 504}

// Coordinator is safe for concurrent use. Host state transitions happen
// under one lock; events are emitted after it is released.
type Coordinator struct {
	cfg       Config
	retryable map[int]struct{}
	logger    *zap.Logger
	jitter    func(limit time.Duration) time.Duration

	mu    sync.Mutex
	hosts map[string]*hostHealth
}

type hostHealth struct {
	status            crawler.HostStatus
	resets            []time.Time
	consecutiveResets int
	lockedUntil       time.Time
}

// New builds a Coordinator with defaults for unset fields.
func New(cfg Config) *Coordinator {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffCeiling <= 0 {
		cfg.BackoffCeiling = 30 * time.Second
	}
	if cfg.LockoutThreshold <= 0 {
		cfg.LockoutThreshold = 3
	}
	if cfg.LockoutWindow <= 0 {
		cfg.LockoutWindow = time.Minute
	}
	if cfg.LockoutCooldown <= 0 {
		cfg.LockoutCooldown = 5 * time.Minute
	}
	statuses := cfg.RetryableStatuses
	if len(statuses) == 0 {
		statuses = DefaultRetryableStatuses
	}
	retryable := make(map[int]struct{}, len(statuses))
	for _, s := range statuses {
		retryable[s] = struct{}{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		cfg:       cfg,
		retryable: retryable,
		logger:    logger,
		jitter:    randomJitter,
		hosts:     make(map[string]*hostHealth),
	}
}

// MaxRetries is the per-URL retry budget.
func (c *Coordinator) MaxRetries() int {
	return c.cfg.MaxRetries
}

// Backoff returns the wait before retry number attempt (0-based): half of the
// capped exponential delay plus up to the other half as jitter.
func (c *Coordinator) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(c.cfg.BackoffBase) * math.Pow(2, float64(attempt))
	if delay > float64(c.cfg.BackoffCeiling) {
		delay = float64(c.cfg.BackoffCeiling)
	}
	return time.Duration(delay/2) + c.jitter(time.Duration(delay)/2)
}

// Delay picks the wait before the next attempt: the server's Retry-After
// when present (capped at the ceiling), otherwise Backoff.
func (c *Coordinator) Delay(d Decision, attempt int) time.Duration {
	if d.Delay > 0 {
		if d.Delay > c.cfg.BackoffCeiling {
			return c.cfg.BackoffCeiling
		}
		return d.Delay
	}
	return c.Backoff(attempt)
}

// RecordOutcome folds a completed fetch into the host's health. Outcomes must
// be reported in completion order.
func (c *Coordinator) RecordOutcome(host string, outcome crawler.FetchOutcome) {
	if host == "" || outcome.SourceMethod == crawler.MethodCache {
		return
	}
	now := c.now()
	var emit []func()

	c.mu.Lock()
	h := c.hostLocked(host)
	if fn := c.refreshLocked(host, h, now); fn != nil {
		emit = append(emit, fn)
	}
	switch kind := outcome.ErrorKind; {
	case h.status == crawler.HostLockedOut:
		// Late completions of requests dispatched before the lockout.
	case kind == crawler.ErrNone || kind.Permanent() || kind == crawler.ErrClientError:
		if h.status == crawler.HostRecovering || h.status == crawler.HostDegraded {
			c.logger.Info("host healthy again", zap.String("host", host), zap.String("from", string(h.status)))
		}
		h.status = crawler.HostHealthy
		h.consecutiveResets = 0
		h.resets = h.resets[:0]
	case kind == crawler.ErrCanceled:
	case h.status == crawler.HostRecovering:
		emit = append(emit, c.lockLocked(host, h, now, kind))
	case kind == crawler.ErrConnectionReset:
		h.consecutiveResets++
		h.resets = append(pruneBefore(h.resets, now.Add(-c.cfg.LockoutWindow)), now)
		if len(h.resets) >= c.cfg.LockoutThreshold {
			emit = append(emit, c.lockLocked(host, h, now, kind))
		} else {
			h.status = crawler.HostDegraded
		}
	default:
		// Lockout needs consecutive resets; any other failure breaks the run.
		h.status = crawler.HostDegraded
		h.consecutiveResets = 0
		h.resets = h.resets[:0]
	}
	c.mu.Unlock()

	for _, fn := range emit {
		fn()
	}
}

// Dispatchable reports whether new requests may be sent to host.
func (c *Coordinator) Dispatchable(host string) bool {
	now := c.now()
	c.mu.Lock()
	h, ok := c.hosts[host]
	if !ok {
		c.mu.Unlock()
		return true
	}
	fn := c.refreshLocked(host, h, now)
	locked := h.status == crawler.HostLockedOut
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
	return !locked
}

// Status returns the current status of host.
func (c *Coordinator) Status(host string) crawler.HostStatus {
	c.Dispatchable(host)
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.hosts[host]; ok {
		return h.status
	}
	return crawler.HostHealthy
}

// Annotate fills the health fields of throttle-owned states and appends
// hosts only the coordinator knows about. The result is sorted by host.
func (c *Coordinator) Annotate(states []crawler.HostState) []crawler.HostState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]crawler.HostState, 0, len(states)+len(c.hosts))
	seen := make(map[string]struct{}, len(states))
	for _, st := range states {
		seen[st.Host] = struct{}{}
		st.Status = crawler.HostHealthy
		if h, ok := c.hosts[st.Host]; ok {
			st.Status = h.status
			st.ConsecutiveResets = h.consecutiveResets
			st.LockedUntil = h.lockedUntil
		}
		out = append(out, st)
	}
	for host, h := range c.hosts {
		if _, ok := seen[host]; ok {
			continue
		}
		out = append(out, crawler.HostState{
			Host:              host,
			Status:            h.status,
			ConsecutiveResets: h.consecutiveResets,
			LockedUntil:       h.lockedUntil,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

func (c *Coordinator) hostLocked(host string) *hostHealth {
	h, ok := c.hosts[host]
	if !ok {
		h = &hostHealth{status: crawler.HostHealthy}
		c.hosts[host] = h
	}
	return h
}

// refreshLocked moves a locked-out host to recovering once its cooldown has
// elapsed. It returns the event emission to run after unlocking.
func (c *Coordinator) refreshLocked(host string, h *hostHealth, now time.Time) func() {
	if h.status != crawler.HostLockedOut || now.Before(h.lockedUntil) {
		return nil
	}
	h.status = crawler.HostRecovering
	h.lockedUntil = time.Time{}
	rep := c.cfg.Reporter
	return func() {
		rep.Info(progress.TypeHostRecovered, map[string]any{
			progress.KeyHost: host,
			"status":         string(crawler.HostRecovering),
		})
	}
}

func (c *Coordinator) lockLocked(host string, h *hostHealth, now time.Time, cause crawler.ErrorKind) func() {
	h.status = crawler.HostLockedOut
	h.lockedUntil = now.Add(c.cfg.LockoutCooldown)
	h.resets = h.resets[:0]
	until := h.lockedUntil
	resets := h.consecutiveResets
	c.logger.Warn("host locked out",
		zap.String("host", host),
		zap.String("cause", string(cause)),
		zap.Int("consecutive_resets", resets),
		zap.Time("until", until),
	)
	rep := c.cfg.Reporter
	return func() {
		rep.Warn(progress.TypeHostLockedOut, map[string]any{
			progress.KeyHost:    host,
			"cause":             string(cause),
			"consecutiveResets": resets,
			"lockedUntil":       until,
		})
	}
}

func (c *Coordinator) retryableStatus(status int) bool {
	_, ok := c.retryable[status]
	return ok
}

func (c *Coordinator) now() time.Time {
	if c.cfg.Clock != nil {
		return c.cfg.Clock.Now()
	}
	return time.Now().UTC()
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return append(ts[:0], ts[i:]...)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
