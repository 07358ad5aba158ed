// Package app assembles a crawl job from configuration and owns the
// long-lived services it depends on. It is the dependency injection
// container of the engine: New builds everything once, Run drives the job
// and the control endpoint, and Close releases what New opened.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/newsfrontier/internal/analysis"
	"github.com/JakeFAU/newsfrontier/internal/api"
	cachebadger "github.com/JakeFAU/newsfrontier/internal/cache/badger"
	cachemem "github.com/JakeFAU/newsfrontier/internal/cache/memory"
	"github.com/JakeFAU/newsfrontier/internal/checkpoint"
	"github.com/JakeFAU/newsfrontier/internal/clock/system"
	"github.com/JakeFAU/newsfrontier/internal/config"
	"github.com/JakeFAU/newsfrontier/internal/crawler"
	collyfetcher "github.com/JakeFAU/newsfrontier/internal/fetcher/colly"
	"github.com/JakeFAU/newsfrontier/internal/fetcher/headless"
	"github.com/JakeFAU/newsfrontier/internal/frontier"
	"github.com/JakeFAU/newsfrontier/internal/hash/sha256"
	"github.com/JakeFAU/newsfrontier/internal/headless/detector"
	"github.com/JakeFAU/newsfrontier/internal/id/uuid"
	"github.com/JakeFAU/newsfrontier/internal/logging"
	"github.com/JakeFAU/newsfrontier/internal/metrics"
	"github.com/JakeFAU/newsfrontier/internal/orchestrator"
	"github.com/JakeFAU/newsfrontier/internal/pipeline"
	"github.com/JakeFAU/newsfrontier/internal/planner"
	"github.com/JakeFAU/newsfrontier/internal/policy"
	"github.com/JakeFAU/newsfrontier/internal/progress"
	"github.com/JakeFAU/newsfrontier/internal/progress/sinks"
	pubmem "github.com/JakeFAU/newsfrontier/internal/publisher/memory"
	"github.com/JakeFAU/newsfrontier/internal/publisher/pubsub"
	"github.com/JakeFAU/newsfrontier/internal/retry"
	"github.com/JakeFAU/newsfrontier/internal/storage"
	"github.com/JakeFAU/newsfrontier/internal/storage/gcs"
	"github.com/JakeFAU/newsfrontier/internal/storage/local"
	storemem "github.com/JakeFAU/newsfrontier/internal/storage/memory"
	"github.com/JakeFAU/newsfrontier/internal/storage/postgres"
	"github.com/JakeFAU/newsfrontier/internal/store"
	"github.com/JakeFAU/newsfrontier/internal/telemetry"
	"github.com/JakeFAU/newsfrontier/internal/throttle"
	"github.com/JakeFAU/newsfrontier/internal/worker"
)

// deadAfter is how many hard failures mark a URL dead for the planner.
const deadAfter = 1

const shutdownTimeout = 10 * time.Second

// Options configure New. Config is required; everything else is optional.
type Options struct {
	Config config.Config
	// Overrides are command-line run settings, applied last.
	Overrides config.RunOverrides
	// JobID names the job. Reusing an ID resumes from its checkpoint.
	JobID   string
	Version string
	Logger  *zap.Logger
	Clock   crawler.Clock
	// Registry collects engine metrics; nil selects a fresh registry.
	Registry *prometheus.Registry
}

// App holds the services of one crawl job.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	hub          *progress.Hub
	metrics      *metrics.Collectors
	tracer       *sdktrace.TracerProvider
	orchestrator *orchestrator.Orchestrator
	server       *api.Server
	closers      []closer
}

type closer struct {
	name string
	fn   func(ctx context.Context) error
}

// New builds every collaborator of the job. On error, whatever was already
// opened is closed before returning.
func New(ctx context.Context, opts Options) (_ *App, err error) {
	cfg := opts.Config
	run := cfg.Effective(opts.Overrides)
	if err := run.Validate(); err != nil {
		return nil, err
	}

	a := &App{cfg: cfg}
	defer func() {
		if err != nil {
			closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = a.Close(closeCtx)
		}
	}()

	a.logger = opts.Logger
	if a.logger == nil {
		if a.logger, err = logging.New(cfg.Logging.Development); err != nil {
			return nil, fmt.Errorf("init logger: %w", err)
		}
		a.onClose("logger", func(context.Context) error {
			_ = a.logger.Sync()
			return nil
		})
	}
	zap.ReplaceGlobals(a.logger)
	clk := opts.Clock
	if clk == nil {
		clk = system.New()
	}
	jobID := opts.JobID
	if jobID == "" {
		if jobID, err = uuid.New().NewID(); err != nil {
			return nil, fmt.Errorf("generate job id: %w", err)
		}
	}
	logger := a.logger.With(zap.String("job_id", jobID))

	if a.tracer, err = telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     opts.Version,
		ProjectID:   cfg.Telemetry.TraceProjectID,
		SampleRatio: cfg.Telemetry.TraceSampleRatio,
	}); err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.onClose("tracer", a.tracer.Shutdown)

	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if a.metrics, err = metrics.New(reg); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	backend, events, err := a.openStorage(ctx, cfg.Storage, jobID)
	if err != nil {
		return nil, err
	}
	publisher, err := a.openPublisher(ctx, cfg.Telemetry)
	if err != nil {
		return nil, err
	}

	hubSinks, err := a.buildSinks(cfg.Telemetry, reg, events, publisher)
	if err != nil {
		return nil, err
	}
	a.hub = progress.NewHub(progress.Config{
		BufferSize:     cfg.Telemetry.BufferSize,
		MaxBatchEvents: cfg.Telemetry.MaxBatchEvents,
		MaxBatchWait:   time.Duration(cfg.Telemetry.MaxBatchWaitMs) * time.Millisecond,
		HistorySize:    cfg.Telemetry.HistorySize,
		Logger:         logging.Component(logger, "progress"),
	}, hubSinks...)
	a.onClose("progress hub", a.hub.Close)
	reporter := progress.NewReporter(a.hub, jobID, clk, cfg.Telemetry.MaxTraceBytes)
	records := storage.NewBestEffort(backend, reporter, logging.Component(logger, "storage"))

	thr := throttle.New(throttle.Config{
		MaxConcurrentPerHost: cfg.Crawler.MaxConcurrentPerHost,
		DefaultInterval:      run.RateLimit(),
		HostIntervals:        run.HostIntervals(),
		Clock:                clk,
		Observer:             a.metrics,
	})
	coordinator := retry.New(retry.Config{
		MaxRetries:        cfg.Retry.MaxRetries,
		BackoffBase:       time.Duration(cfg.Retry.BackoffBaseMs) * time.Millisecond,
		BackoffCeiling:    time.Duration(cfg.Retry.BackoffCeilingMs) * time.Millisecond,
		RetryableStatuses: run.RetryableStatuses,
		LockoutThreshold:  cfg.Retry.LockoutThreshold,
		LockoutWindow:     time.Duration(cfg.Retry.LockoutWindowMs) * time.Millisecond,
		LockoutCooldown:   time.Duration(cfg.Retry.LockoutCooldownMs) * time.Millisecond,
		Clock:             clk,
		Reporter:          reporter,
		Logger:            logging.Component(logger, "retry"),
	})

	network := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Crawler.UserAgent,
		RespectRobots: cfg.Crawler.RespectRobots,
		Timeout:       cfg.Crawler.RequestTimeout(),
		CrawlDelay:    crawlDelayFunc(thr),
		Logger:        logging.Component(logger, "fetcher"),
	})
	browser, err := a.openHeadless(cfg.Headless, cfg.Crawler.UserAgent, logger)
	if err != nil {
		return nil, err
	}
	cache, err := a.openCache(cfg.Cache, clk, logger)
	if err != nil {
		return nil, err
	}
	archive, err := a.openArchive(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}

	pipe, err := pipeline.New(pipeline.Config{
		Network:           network,
		Headless:          browser,
		Cache:             cache,
		Throttle:          thr,
		Retry:             coordinator,
		Gate:              policy.NewHeadlessAllowList(cfg.Headless.Enabled, cfg.Headless.AllowHosts),
		Detector:          detector.NewHeuristic(0),
		Archive:           archive,
		ArchivePrefix:     cfg.Storage.Prefix,
		ContentType:       cfg.Storage.ContentType,
		Hasher:            sha256.New(),
		Reporter:          reporter,
		Clock:             clk,
		AttemptTimeout:    cfg.Crawler.RequestTimeout(),
		BlockingThreshold: cfg.Headless.BlockingThreshold,
		Retries:           a.metrics,
		Tracer:            a.tracer.Tracer("github.com/JakeFAU/newsfrontier/internal/pipeline"),
		Logger:            logging.Component(logger, "pipeline"),
	})
	if err != nil {
		return nil, fmt.Errorf("init pipeline: %w", err)
	}

	front := frontier.New(frontier.Config{
		Filters: frontierFilters(run),
		Gate:    coordinator,
		Clock:   clk,
		Logger:  logging.Component(logger, "frontier"),
	})
	plan := planner.New(planner.Config{
		BaseQuota:          cfg.Quota.Base,
		SkipRatioThreshold: cfg.Quota.SkipRatioThreshold,
		QuotaCeiling:       cfg.Quota.Ceiling,
		HubConfidence:      cfg.Quota.HubConfidence,
		PaginationDepth:    cfg.Quota.PaginationDepth,
		PersistentMode:     run.PersistentMode,
		Storage:            records,
		Clock:              clk,
		Reporter:           reporter,
		Logger:             logging.Component(logger, "planner"),
	})
	checkpoints, err := a.openCheckpoints(cfg.Checkpoint)
	if err != nil {
		return nil, err
	}

	workerCfg := worker.Config{
		Workers: cfg.Crawler.Workers,
		Fetcher: pipe,
		Policy: pipeline.Policy{
			CacheFirst:    cfg.Cache.CacheFirst,
			Headless:      cfg.Headless.Enabled,
			RespectRobots: cfg.Crawler.RespectRobots,
		},
		MaxDepth:    run.MaxDepth,
		FollowLinks: cfg.Crawler.FollowLinks,
		Occupancy:   a.metrics,
	}
	if publisher != nil && cfg.Telemetry.PagesTopic != "" {
		workerCfg.Publisher = publisher
		workerCfg.Topic = cfg.Telemetry.PagesTopic
	}

	if a.orchestrator, err = orchestrator.New(orchestrator.Config{
		JobID:       jobID,
		Seeds:       run.Seeds,
		Settings:    settingsFor(run),
		Frontier:    front,
		Worker:      workerCfg,
		Analyzer:    analysis.NewSkeleton(analysis.Config{Clock: clk, Logger: logging.Component(logger, "analysis")}),
		Storage:     records,
		Planner:     plan,
		Cache:       cache,
		Checkpoints: checkpoints,
		Throttle:    thr,
		Retry:       coordinator,
		Clock:       clk,
		Reporter:    reporter,
		Logger:      logging.Component(logger, "orchestrator"),
	}); err != nil {
		return nil, fmt.Errorf("init orchestrator: %w", err)
	}

	a.server = api.NewServer(a.orchestrator, a.hub, api.Options{
		RequestTimeout: cfg.Control.RequestTimeout(),
		Metrics:        a.metrics,
		Tracing:        true,
		Logger:         logging.Component(logger, "api"),
	})
	logger.Info("job assembled",
		zap.Int("seeds", len(run.Seeds)),
		zap.String("storage", cfg.Storage.Provider),
		zap.String("checkpoint", cfg.Checkpoint.Provider),
		zap.String("balancing", run.BalancingStrategy),
	)
	return a, nil
}

// Orchestrator exposes the job for callers that drive it directly.
func (a *App) Orchestrator() *orchestrator.Orchestrator {
	return a.orchestrator
}

// Handler returns the control endpoint handler.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Hub returns the job's event hub.
func (a *App) Hub() *progress.Hub {
	return a.hub
}

// Run serves the control endpoint, when an address is configured, for as long
// as the job runs. Cancelling ctx aborts the job.
func (a *App) Run(ctx context.Context) (crawler.ExitSummary, error) {
	var summary crawler.ExitSummary
	addr := a.cfg.Control.Addr
	if addr == "" {
		return a.orchestrator.Run(ctx), nil
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g, gctx := errgroup.WithContext(ctx)
	jobDone := make(chan struct{})
	g.Go(func() error {
		a.logger.Info("control endpoint listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control endpoint: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		defer close(jobDone)
		summary = a.orchestrator.Run(gctx)
		return nil
	})
	g.Go(func() error {
		select {
		case <-jobDone:
		case <-gctx.Done():
			<-jobDone
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown control endpoint: %w", err)
		}
		return nil
	})
	err := g.Wait()
	return summary, err
}

// Close releases services in reverse order of creation. It keeps going after
// a failure and returns every error joined.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) onClose(name string, fn func(ctx context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// openStorage returns the record store and, for postgres, the event
// repository sharing its pool.
func (a *App) openStorage(ctx context.Context, cfg config.StorageConfig, jobID string) (crawler.Storage, store.EventRepository, error) {
	switch cfg.Provider {
	case "", "memory":
		return storemem.NewStore(deadAfter), nil, nil
	case "postgres":
		pool, err := postgres.Open(ctx, postgres.Config{DSN: cfg.DSN})
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		a.onClose("postgres", func(context.Context) error {
			pool.Close()
			return nil
		})
		records, err := postgres.NewStore(pool, jobID, deadAfter)
		if err != nil {
			return nil, nil, fmt.Errorf("init postgres store: %w", err)
		}
		events, err := postgres.NewEventStore(pool)
		if err != nil {
			return nil, nil, fmt.Errorf("init postgres event store: %w", err)
		}
		return records, events, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown storage provider %q", config.ErrInvalid, cfg.Provider)
	}
}

// openPublisher dials Pub/Sub when a project is configured. Topics without a
// project are served by an in-process publisher, which keeps dry runs free of
// cloud credentials.
func (a *App) openPublisher(ctx context.Context, cfg config.TelemetryConfig) (crawler.Publisher, error) {
	if cfg.PubSubProjectID == "" {
		if cfg.PubSubTopic == "" && cfg.PagesTopic == "" {
			return nil, nil
		}
		a.logger.Warn("pubsub topics configured without a project; publishing in-process only")
		return pubmem.New(), nil
	}
	pub, err := pubsub.Dial(ctx, cfg.PubSubProjectID)
	if err != nil {
		return nil, fmt.Errorf("dial pubsub: %w", err)
	}
	a.onClose("pubsub", func(context.Context) error { return pub.Close() })
	return pub, nil
}

func (a *App) buildSinks(
	cfg config.TelemetryConfig,
	reg prometheus.Registerer,
	events store.EventRepository,
	publisher crawler.Publisher,
) ([]progress.Sink, error) {
	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("init prometheus sink: %w", err)
	}
	out := []progress.Sink{promSink}
	if cfg.LogEvents {
		out = append(out, sinks.NewLogSink(logging.Component(a.logger, "events")))
	}
	if events != nil {
		out = append(out, sinks.NewStoreSink(events, cfg.PersistTraces, logging.Component(a.logger, "events")))
	}
	if publisher != nil && cfg.PubSubTopic != "" {
		out = append(out, sinks.NewPubSubSink(publisher, cfg.PubSubTopic, logging.Component(a.logger, "events")))
	}
	return out, nil
}

func (a *App) openHeadless(cfg config.HeadlessConfig, userAgent string, logger *zap.Logger) (crawler.Fetcher, error) {
	if !cfg.Enabled {
		return headless.NewNoop(), nil
	}
	browser, err := headless.NewChromedp(headless.Config{
		MaxParallel:       cfg.MaxParallel,
		UserAgent:         userAgent,
		NavigationTimeout: time.Duration(cfg.NavTimeoutSec) * time.Second,
		Logger:            logging.Component(logger, "headless"),
	})
	if err != nil {
		return nil, fmt.Errorf("init headless fetcher: %w", err)
	}
	a.onClose("headless", func(context.Context) error {
		browser.Close()
		return nil
	})
	return browser, nil
}

func (a *App) openCache(cfg config.CacheConfig, clk crawler.Clock, logger *zap.Logger) (crawler.Cache, error) {
	switch cfg.Provider {
	case "", "memory":
		return cachemem.New(cfg.TTL(), clk), nil
	case "badger":
		c, err := cachebadger.Open(cachebadger.Config{
			Path:   cfg.Path,
			TTL:    cfg.TTL(),
			Logger: logging.Component(logger, "cache"),
		})
		if err != nil {
			return nil, fmt.Errorf("open badger cache: %w", err)
		}
		a.onClose("cache", func(context.Context) error { return c.Close() })
		return c, nil
	default:
		return nil, fmt.Errorf("%w: unknown cache provider %q", config.ErrInvalid, cfg.Provider)
	}
}

// openArchive returns nil when raw bodies are not archived.
func (a *App) openArchive(ctx context.Context, cfg config.StorageConfig) (crawler.BlobStore, error) {
	switch cfg.Archive {
	case "", "none":
		return nil, nil
	case "memory":
		return storemem.NewBlobStore(), nil
	case "local":
		blobs, err := local.New(local.Config{BaseDir: cfg.ArchiveDir})
		if err != nil {
			return nil, fmt.Errorf("init local archive: %w", err)
		}
		return blobs, nil
	case "gcs":
		blobs, err := gcs.Dial(ctx, gcs.Config{Bucket: cfg.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("init gcs archive: %w", err)
		}
		a.onClose("gcs", func(context.Context) error { return blobs.Close() })
		return blobs, nil
	default:
		return nil, fmt.Errorf("%w: unknown archive %q", config.ErrInvalid, cfg.Archive)
	}
}

func (a *App) openCheckpoints(cfg config.CheckpointConfig) (checkpoint.Store, error) {
	switch cfg.Provider {
	case "", "memory":
		return checkpoint.NewMemory(), nil
	case "badger":
		cp, err := checkpoint.OpenBadger(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open checkpoint store: %w", err)
		}
		a.onClose("checkpoints", func(context.Context) error { return cp.Close() })
		return cp, nil
	default:
		return nil, fmt.Errorf("%w: unknown checkpoint provider %q", config.ErrInvalid, cfg.Provider)
	}
}

// crawlDelayFunc widens a host's spacing to its robots.txt Crawl-delay. It
// never narrows a configured interval.
func crawlDelayFunc(thr *throttle.Throttle) collyfetcher.CrawlDelayFunc {
	return func(host string, delay time.Duration) {
		if delay > thr.Interval(host) {
			thr.SetInterval(host, delay)
		}
	}
}

func frontierFilters(run config.RunConfig) []frontier.Filter {
	var filters []frontier.Filter
	if run.PrioritizationMode == config.PrioritizationGeographyOnly {
		filters = append(filters, frontier.GeographyOnly())
	}
	if run.MaxDepth > 0 {
		filters = append(filters, frontier.MaxDepth(run.MaxDepth))
	}
	return filters
}

func settingsFor(run config.RunConfig) orchestrator.Settings {
	return orchestrator.Settings{
		BatchSize:                     run.BatchSize,
		MaxTotalBatches:               run.MaxTotalBatches,
		MaxTotalPages:                 run.MaxTotalPages,
		MaxDownloads:                  int64(run.MaxDownloads),
		HistoricalRatio:               run.HistoricalRatio,
		Balancing:                     run.BalancingStrategy,
		HubDiscoveryEnabled:           run.HubDiscoveryEnabled,
		HubRefreshInterval:            run.HubRefreshInterval(),
		MinNewSignaturesToLearn:       run.MinNewSignaturesToLearn,
		ReanalysisConfidenceThreshold: run.ReanalysisConfidenceThreshold,
		BatchDurationCap:              run.BatchDurationCap(),
	}
}
