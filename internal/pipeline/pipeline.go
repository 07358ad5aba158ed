// Package pipeline fetches one URL through the cache, the network and, for
// hosts that block plain clients, a headless browser. Every attempt is gated
// by the domain throttle and classified by the retry coordinator.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/newsfrontier/internal/crawler"
	"github.com/JakeFAU/newsfrontier/internal/progress"
	"github.com/JakeFAU/newsfrontier/internal/retry"
	"github.com/JakeFAU/newsfrontier/internal/throttle"
)

const (
	defaultAttemptTimeout    = 20 * time.Second
	defaultBlockingThreshold = 2
	tracerName               = "github.com/JakeFAU/newsfrontier/internal/pipeline"
)

// HeadlessGate decides which hosts may be rendered in a browser.
type HeadlessGate interface {
	AllowHeadless(host string) bool
}

// Detector recognizes responses a plain client cannot use.
type Detector interface {
	Challenge(resp crawler.FetchResponse) bool
	ShouldPromote(resp crawler.FetchResponse) bool
}

// RetryObserver counts scheduled retries by error kind.
type RetryObserver interface {
	ObserveRetry(kind string)
}

// Policy tunes one fetch.
type Policy struct {
	// CacheFirst serves a fresh cached copy without touching the network.
	CacheFirst bool
	// Headless permits the browser fallback, still subject to the host gate.
	Headless      bool
	RespectRobots bool
	Headers       http.Header
}

// Config wires the pipeline's collaborators. Network, Throttle and Retry are
// required; everything else is optional.
type Config struct {
	Network  crawler.Fetcher
	Headless crawler.Fetcher
	Cache    crawler.Cache
	Throttle *throttle.Throttle
	Retry    *retry.Coordinator
	Gate     HeadlessGate
	Detector Detector

	Archive       crawler.BlobStore
	ArchivePrefix string
	ContentType   string
	Hasher        crawler.Hasher

	Reporter *progress.Reporter
	Clock    crawler.Clock
	// Sleep waits between attempts; tests inject a fake clock's Sleep.
	Sleep func(ctx context.Context, d time.Duration) error
	// AttemptTimeout bounds each network or headless attempt.
	AttemptTimeout time.Duration
	// BlockingThreshold is how many blocking attempts trigger the fallback.
	BlockingThreshold int
	// Retries is optional.
	Retries RetryObserver
	Tracer  trace.Tracer
	Logger  *zap.Logger
}

// Pipeline is safe for concurrent use by the worker pool.
type Pipeline struct {
	cfg    Config
	tracer trace.Tracer
	logger *zap.Logger

	archiveDegraded atomic.Bool
}

// New validates cfg and fills defaults.
func New(cfg Config) (*Pipeline, error) {
	switch {
	case cfg.Network == nil:
		return nil, errors.New("pipeline: network fetcher is required")
	case cfg.Throttle == nil:
		return nil, errors.New("pipeline: throttle is required")
	case cfg.Retry == nil:
		return nil, errors.New("pipeline: retry coordinator is required")
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = defaultAttemptTimeout
	}
	if cfg.BlockingThreshold <= 0 {
		cfg.BlockingThreshold = defaultBlockingThreshold
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleep
	}
	if cfg.ArchivePrefix == "" {
		cfg.ArchivePrefix = "pages"
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html; charset=utf-8"
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{cfg: cfg, tracer: tracer, logger: logger}, nil
}

// Fetch runs the full strategy for rawURL and returns exactly one outcome.
// The outcome has already been reported to the retry coordinator and the
// telemetry stream when Fetch returns.
func (p *Pipeline) Fetch(ctx context.Context, rawURL string, policy Policy) crawler.FetchOutcome {
	host := crawler.HostOf(rawURL)
	ctx, span := p.tracer.Start(ctx, "pipeline.Fetch", trace.WithAttributes(
		attribute.String("url.full", rawURL),
		attribute.String("server.address", host),
	))
	defer span.End()

	start := p.now()
	outcome, ok := p.fromCache(ctx, rawURL, host, policy)
	if !ok {
		outcome = p.fromNetwork(ctx, rawURL, host, policy)
	}
	outcome.DurationMs = p.now().Sub(start).Milliseconds()

	span.SetAttributes(
		attribute.String("newsfrontier.source_method", string(outcome.SourceMethod)),
		attribute.Int("http.response.status_code", outcome.HTTPStatus),
		attribute.Int("newsfrontier.attempts", outcome.Attempts),
	)
	if !outcome.OK() {
		span.SetStatus(codes.Error, string(outcome.ErrorKind))
	}
	p.emit(outcome)
	return outcome
}

func (p *Pipeline) fromCache(ctx context.Context, rawURL, host string, policy Policy) (crawler.FetchOutcome, bool) {
	if !policy.CacheFirst || p.cfg.Cache == nil {
		return crawler.FetchOutcome{}, false
	}
	page, ok, err := p.cfg.Cache.Get(ctx, rawURL)
	if err != nil {
		p.logger.Warn("cache lookup failed", zap.String("url", rawURL), zap.Error(err))
		return crawler.FetchOutcome{}, false
	}
	if !ok {
		return crawler.FetchOutcome{}, false
	}
	p.cfg.Reporter.Trace(progress.Trace{
		Kind:    "cache-hit",
		Message: "served from cache",
		URL:     rawURL,
		Host:    host,
		Details: map[string]any{"storedAt": page.StoredAt, "ageMs": p.now().Sub(page.StoredAt).Milliseconds()},
	})
	return crawler.FetchOutcome{
		URL:          rawURL,
		FinalURL:     page.URL,
		Host:         host,
		HTTPStatus:   page.StatusCode,
		SourceMethod: crawler.MethodCache,
		Bytes:        int64(len(page.Body)),
		Body:         page.Body,
		Headers:      page.Headers,
		FetchedAt:    p.now(),
	}, true
}

func (p *Pipeline) fromNetwork(ctx context.Context, rawURL, host string, policy Policy) crawler.FetchOutcome {
	request := crawler.FetchRequest{URL: rawURL, Headers: policy.Headers, RespectRobots: policy.RespectRobots}
	blocking := 0
	var last crawler.FetchOutcome
	for attempt := 0; ; attempt++ {
		resp, err := p.attempt(ctx, host, p.cfg.Network, request)
		decision := p.classify(err, resp)
		last = p.outcomeFor(rawURL, host, crawler.MethodNetwork, resp, err, decision, attempt+1)

		if decision.Kind == crawler.ErrNone {
			p.cfg.Retry.RecordOutcome(host, last)
			if p.cfg.Detector != nil && p.headlessAllowed(host, policy) && p.cfg.Detector.ShouldPromote(*resp) {
				if rendered, ok := p.fallback(ctx, rawURL, host, request, "js-shell", attempt+1); ok {
					return rendered
				}
			}
			p.keep(ctx, last)
			return last
		}
		p.cfg.Retry.RecordOutcome(host, last)

		if decision.Kind.Permanent() {
			p.cfg.Reporter.Trace(progress.Trace{
				Kind:    "permanent-skip",
				Message: "permanent failure, not retried",
				URL:     rawURL,
				Host:    host,
				Details: map[string]any{"status": last.HTTPStatus, "errorKind": string(decision.Kind)},
			})
			return last
		}
		if decision.Blocking() {
			blocking++
		}
		if blocking >= p.cfg.BlockingThreshold && p.headlessAllowed(host, policy) {
			if rendered, ok := p.fallback(ctx, rawURL, host, request, string(decision.Kind), attempt+1); ok {
				return rendered
			}
			return last
		}
		if !decision.Retryable || attempt >= p.cfg.Retry.MaxRetries() {
			return last
		}
		if !p.cfg.Retry.Dispatchable(host) {
			last.ErrorText = fmt.Sprintf("%s; host locked out", last.ErrorText)
			return last
		}
		delay := p.cfg.Retry.Delay(decision, attempt)
		if p.cfg.Retries != nil {
			p.cfg.Retries.ObserveRetry(string(decision.Kind))
		}
		p.logger.Debug("retrying fetch",
			zap.String("url", rawURL),
			zap.String("errorKind", string(decision.Kind)),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
		)
		if err := p.cfg.Sleep(ctx, delay); err != nil {
			last.ErrorKind = crawler.ErrCanceled
			last.ErrorText = err.Error()
			return last
		}
	}
}

// attempt performs one throttled fetch bounded by the attempt timeout.
func (p *Pipeline) attempt(
	ctx context.Context,
	host string,
	fetcher crawler.Fetcher,
	request crawler.FetchRequest,
) (*crawler.FetchResponse, error) {
	permit, err := p.cfg.Throttle.Acquire(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", host, err)
	}
	defer permit.Release()

	attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.AttemptTimeout)
	defer cancel()
	resp, err := fetcher.Fetch(attemptCtx, request)
	if err != nil && resp.StatusCode == 0 {
		return nil, err
	}
	return &resp, err
}

func (p *Pipeline) classify(err error, resp *crawler.FetchResponse) retry.Decision {
	decision := p.cfg.Retry.Classify(err, resp)
	if resp != nil && p.cfg.Detector != nil && decision.Kind == crawler.ErrNone && p.cfg.Detector.Challenge(*resp) {
		return retry.Decision{Kind: crawler.ErrBlocked, Retryable: true}
	}
	return decision
}

// fallback renders rawURL in the headless browser. ok is false when the
// browser failed too; the caller keeps its network outcome.
func (p *Pipeline) fallback(
	ctx context.Context,
	rawURL, host string,
	request crawler.FetchRequest,
	reason string,
	attempts int,
) (crawler.FetchOutcome, bool) {
	ctx, span := p.tracer.Start(ctx, "pipeline.Headless")
	defer span.End()

	request.UseHeadless = true
	resp, err := p.attempt(ctx, host, p.cfg.Headless, request)
	decision := p.classify(err, resp)
	outcome := p.outcomeFor(rawURL, host, crawler.MethodHeadless, resp, err, decision, attempts+1)
	success := decision.Kind == crawler.ErrNone

	p.cfg.Reporter.Warn(progress.TypeFallbackActivated, map[string]any{
		progress.KeyURL:    rawURL,
		progress.KeyHost:   host,
		progress.KeyReason: reason,
		"success":          success,
	})
	p.cfg.Reporter.Trace(progress.Trace{
		Kind:    "headless-fallback",
		Message: "network fetch blocked, rendered with headless browser",
		URL:     rawURL,
		Host:    host,
		Details: map[string]any{"reason": reason, "success": success, "status": outcome.HTTPStatus},
	})
	if !success {
		span.SetStatus(codes.Error, outcome.ErrorText)
		p.logger.Warn("headless fallback failed", zap.String("url", rawURL), zap.String("reason", reason), zap.Error(err))
		return outcome, false
	}
	p.cfg.Retry.RecordOutcome(host, outcome)
	p.keep(ctx, outcome)
	return outcome, true
}

func (p *Pipeline) headlessAllowed(host string, policy Policy) bool {
	return policy.Headless && p.cfg.Headless != nil && p.cfg.Gate != nil && p.cfg.Gate.AllowHeadless(host)
}

func (p *Pipeline) outcomeFor(
	rawURL, host string,
	method crawler.SourceMethod,
	resp *crawler.FetchResponse,
	err error,
	decision retry.Decision,
	attempts int,
) crawler.FetchOutcome {
	outcome := crawler.FetchOutcome{
		URL:          rawURL,
		Host:         host,
		SourceMethod: method,
		ErrorKind:    decision.Kind,
		FetchedAt:    p.now(),
		Attempts:     attempts,
	}
	if resp != nil {
		outcome.FinalURL = resp.URL
		outcome.HTTPStatus = resp.StatusCode
		outcome.Headers = resp.Headers
		if decision.Kind == crawler.ErrNone {
			outcome.Body = resp.Body
			outcome.Bytes = int64(len(resp.Body))
		}
	}
	switch {
	case err != nil:
		outcome.ErrorText = err.Error()
	case decision.Kind != crawler.ErrNone:
		outcome.ErrorText = fmt.Sprintf("http status %d", outcome.HTTPStatus)
	}
	return outcome
}

// keep caches and archives a successful body. Both are best effort.
func (p *Pipeline) keep(ctx context.Context, outcome crawler.FetchOutcome) {
	if p.cfg.Cache != nil && outcome.HTTPStatus >= 200 && outcome.HTTPStatus < 300 {
		err := p.cfg.Cache.Put(ctx, crawler.CachedPage{
			URL:        outcome.URL,
			StatusCode: outcome.HTTPStatus,
			Headers:    outcome.Headers,
			Body:       outcome.Body,
			StoredAt:   outcome.FetchedAt,
		})
		if err != nil {
			p.logger.Warn("cache store failed", zap.String("url", outcome.URL), zap.Error(err))
		}
	}
	p.archive(ctx, outcome)
}

func (p *Pipeline) archive(ctx context.Context, outcome crawler.FetchOutcome) {
	if p.cfg.Archive == nil || p.cfg.Hasher == nil || len(outcome.Body) == 0 {
		return
	}
	digest, err := p.cfg.Hasher.Hash(outcome.Body)
	if err == nil {
		path := fmt.Sprintf("%s/%s/%s.html", p.cfg.ArchivePrefix, p.cfg.Reporter.JobID(), digest)
		_, err = p.cfg.Archive.PutObject(ctx, path, p.cfg.ContentType, outcome.Body)
	}
	if err != nil {
		p.logger.Warn("archive write failed", zap.String("url", outcome.URL), zap.Error(err))
		if p.archiveDegraded.CompareAndSwap(false, true) {
			p.cfg.Reporter.Warn(progress.TypeDegradedMode, map[string]any{
				"component":        "archive",
				"active":           true,
				progress.KeyDetail: err.Error(),
			})
		}
		return
	}
	if p.archiveDegraded.CompareAndSwap(true, false) {
		p.cfg.Reporter.Info(progress.TypeDegradedMode, map[string]any{"component": "archive", "active": false})
	}
}

func (p *Pipeline) emit(outcome crawler.FetchOutcome) {
	data := map[string]any{
		progress.KeyURL:        outcome.URL,
		progress.KeyHost:       outcome.Host,
		progress.KeyMethod:     string(outcome.SourceMethod),
		progress.KeyStatus:     outcome.HTTPStatus,
		progress.KeyDurationMs: outcome.DurationMs,
		"attempts":             outcome.Attempts,
	}
	if outcome.OK() {
		data[progress.KeyBytes] = outcome.Bytes
		p.cfg.Reporter.Info(progress.TypeURLVisited, data)
		return
	}
	data[progress.KeyErrorKind] = string(outcome.ErrorKind)
	data[progress.KeyDetail] = outcome.ErrorText
	p.cfg.Reporter.Warn(progress.TypeURLError, data)
}

func (p *Pipeline) now() time.Time {
	if p.cfg.Clock != nil {
		return p.cfg.Clock.Now()
	}
	return time.Now().UTC()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
