// Package config loads and validates engine configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Balancing strategies understood by the orchestrator.
const (
	BalancingAdaptive  = "adaptive"
	BalancingFixed     = "fixed"
	BalancingPriority  = "priority"
	BalancingTimeBased = "time-based"
)

// Prioritization modes understood by the frontier admission filters.
const (
	PrioritizationDefault       = "default"
	PrioritizationGeographyOnly = "geography-only"
)

// Config captures all engine configuration knobs loaded via Viper.
type Config struct {
	Run        RunConfig        `mapstructure:"run"`
	Crawler    CrawlerConfig    `mapstructure:"crawler"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Headless   HeadlessConfig   `mapstructure:"headless"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Quota      QuotaConfig      `mapstructure:"quota"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Control    ControlConfig    `mapstructure:"control"`
	Logging    LoggingConfig    `mapstructure:"logging"`

	// TopLevel holds run keys written at the document root instead of under
	// run:. They are applied over Run by Effective.
	TopLevel RunOverrides `mapstructure:"-"`
}

// RunConfig is the per-run configuration of the orchestrator.
type RunConfig struct {
	Seeds                         []string          `mapstructure:"seeds"`
	BatchSize                     int               `mapstructure:"batch_size"`
	MaxTotalBatches               *int              `mapstructure:"max_total_batches"`
	MaxTotalPages                 *int64            `mapstructure:"max_total_pages"`
	HistoricalRatio               float64           `mapstructure:"historical_ratio"`
	BalancingStrategy             string            `mapstructure:"balancing_strategy"`
	HubDiscoveryEnabled           bool              `mapstructure:"hub_discovery_enabled"`
	HubRefreshIntervalMs          int               `mapstructure:"hub_refresh_interval_ms"`
	MinNewSignaturesToLearn       int               `mapstructure:"min_new_signatures_to_learn"`
	ReanalysisConfidenceThreshold float64           `mapstructure:"reanalysis_confidence_threshold"`
	MaxDownloads                  int               `mapstructure:"max_downloads"`
	PersistentMode                bool              `mapstructure:"persistent_mode"`
	RetryableStatuses             []int             `mapstructure:"retryable_statuses"`
	RateLimitMs                   int               `mapstructure:"rate_limit_ms"`
	HostSpacing                   []HostSpacingRule `mapstructure:"host_spacing"`
	BatchDurationCapSec           int               `mapstructure:"batch_duration_cap_seconds"`
	PrioritizationMode            string            `mapstructure:"prioritization_mode"`
	MaxDepth                      int               `mapstructure:"max_depth"`
}

// HubRefreshInterval converts the refresh cadence to a duration.
func (r RunConfig) HubRefreshInterval() time.Duration {
	return time.Duration(r.HubRefreshIntervalMs) * time.Millisecond
}

// RateLimit converts the default per-host spacing to a duration.
func (r RunConfig) RateLimit() time.Duration {
	return time.Duration(r.RateLimitMs) * time.Millisecond
}

// HostSpacingRule overrides the minimum request interval for one host. A
// list is used instead of a map because viper splits map keys on dots.
type HostSpacingRule struct {
	Host string `mapstructure:"host"`
	Ms   int    `mapstructure:"ms"`
}

// HostIntervals converts per-host spacing overrides to durations.
func (r RunConfig) HostIntervals() map[string]time.Duration {
	out := make(map[string]time.Duration, len(r.HostSpacing))
	for _, rule := range r.HostSpacing {
		out[strings.ToLower(rule.Host)] = time.Duration(rule.Ms) * time.Millisecond
	}
	return out
}

// BatchDurationCap converts the per-batch wall clock cap to a duration.
func (r RunConfig) BatchDurationCap() time.Duration {
	return time.Duration(r.BatchDurationCapSec) * time.Second
}

// CrawlerConfig governs the worker pool and network fetcher.
type CrawlerConfig struct {
	Workers              int    `mapstructure:"workers"`
	MaxConcurrentPerHost int    `mapstructure:"max_concurrent_per_host"`
	UserAgent            string `mapstructure:"user_agent"`
	RespectRobots        bool   `mapstructure:"respect_robots"`
	RequestTimeoutSec    int    `mapstructure:"request_timeout_seconds"`
	// FollowLinks enqueues same-host links found in fetched pages.
	FollowLinks          bool   `mapstructure:"follow_links"`
}

// RequestTimeout is the per-attempt fetch timeout.
func (c CrawlerConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSec) * time.Second
}

// RetryConfig configures backoff and host lockout.
type RetryConfig struct {
	MaxRetries        int `mapstructure:"max_retries"`
	BackoffBaseMs     int `mapstructure:"backoff_base_ms"`
	BackoffCeilingMs  int `mapstructure:"backoff_ceiling_ms"`
	LockoutThreshold  int `mapstructure:"lockout_threshold"`
	LockoutWindowMs   int `mapstructure:"lockout_window_ms"`
	LockoutCooldownMs int `mapstructure:"lockout_cooldown_ms"`
}

// HeadlessConfig configures the headless fallback.
type HeadlessConfig struct {
	Enabled           bool     `mapstructure:"enabled"`
	AllowHosts        []string `mapstructure:"allow_hosts"`
	MaxParallel       int      `mapstructure:"max_parallel"`
	NavTimeoutSec     int      `mapstructure:"nav_timeout_seconds"`
	BlockingThreshold int      `mapstructure:"blocking_threshold"`
}

// CacheConfig selects the page cache.
type CacheConfig struct {
	Provider   string `mapstructure:"provider"`
	Path       string `mapstructure:"path"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
	CacheFirst bool   `mapstructure:"cache_first"`
}

// TTL converts the freshness window to a duration.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// QuotaConfig controls the seed planner budgets.
type QuotaConfig struct {
	Base               int     `mapstructure:"base"`
	SkipRatioThreshold float64 `mapstructure:"skip_ratio_threshold"`
	Ceiling            int     `mapstructure:"ceiling"`
	HubConfidence      float64 `mapstructure:"hub_confidence"`
	PaginationDepth    int     `mapstructure:"pagination_depth"`
}

// TelemetryConfig controls the event hub and its sinks.
type TelemetryConfig struct {
	BufferSize      int    `mapstructure:"buffer_size"`
	MaxBatchEvents  int    `mapstructure:"max_batch_events"`
	MaxBatchWaitMs  int    `mapstructure:"max_batch_wait_ms"`
	HistorySize     int    `mapstructure:"history_size"`
	PersistTraces   bool   `mapstructure:"persist_traces"`
	MaxTraceBytes   int    `mapstructure:"max_trace_bytes"`
	LogEvents       bool   `mapstructure:"log_events"`
	PubSubProjectID string `mapstructure:"pubsub_project_id"`
	PubSubTopic     string `mapstructure:"pubsub_topic"`
	// PagesTopic receives one message per downloaded page.
	PagesTopic string `mapstructure:"pages_topic"`

	// Tracing. Spans go to Cloud Trace when TraceProjectID is set.
	ServiceName      string  `mapstructure:"service_name"`
	TraceProjectID   string  `mapstructure:"trace_project_id"`
	TraceSampleRatio float64 `mapstructure:"trace_sample_ratio"`
}

// CheckpointConfig selects where run state is saved between batches.
type CheckpointConfig struct {
	Provider string `mapstructure:"provider"`
	Path     string `mapstructure:"path"`
}

// StorageConfig selects the storage collaborator and content archive.
type StorageConfig struct {
	Provider    string `mapstructure:"provider"`
	DSN         string `mapstructure:"dsn"`
	Archive     string `mapstructure:"archive"`
	ArchiveDir  string `mapstructure:"archive_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// ControlConfig configures the control endpoint.
type ControlConfig struct {
	Addr string `mapstructure:"addr"`
	// RequestTimeoutSec bounds non-streaming handlers.
	RequestTimeoutSec int `mapstructure:"request_timeout_seconds"`
}

// RequestTimeout converts the handler timeout to a duration.
func (c ControlConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSec) * time.Second
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("NEWSFRONTIER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.TopLevel = readTopLevel(v)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("run.batch_size", 1000)
	v.SetDefault("run.historical_ratio", 0.3)
	v.SetDefault("run.balancing_strategy", BalancingAdaptive)
	v.SetDefault("run.hub_discovery_enabled", true)
	v.SetDefault("run.hub_refresh_interval_ms", 15*60*1000)
	v.SetDefault("run.min_new_signatures_to_learn", 3)
	v.SetDefault("run.reanalysis_confidence_threshold", 0.5)
	v.SetDefault("run.max_downloads", 0)
	v.SetDefault("run.persistent_mode", false)
	v.SetDefault("run.retryable_statuses", []int{429, 502, 503, 504})
	v.SetDefault("run.rate_limit_ms", 1000)
	v.SetDefault("run.batch_duration_cap_seconds", 0)
	v.SetDefault("run.prioritization_mode", PrioritizationDefault)
	v.SetDefault("run.max_depth", 3)
	v.SetDefault("crawler.workers", 8)
	v.SetDefault("crawler.max_concurrent_per_host", 2)
	v.SetDefault("crawler.user_agent", "Mozilla/5.0 (compatible; newsfrontier/0.1)")
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.follow_links", true)
	v.SetDefault("crawler.request_timeout_seconds", 20)
	v.SetDefault("retry.max_retries", 2)
	v.SetDefault("retry.backoff_base_ms", 500)
	v.SetDefault("retry.backoff_ceiling_ms", 30000)
	v.SetDefault("retry.lockout_threshold", 3)
	v.SetDefault("retry.lockout_window_ms", 60000)
	v.SetDefault("retry.lockout_cooldown_ms", 300000)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("headless.blocking_threshold", 2)
	v.SetDefault("cache.provider", "memory")
	v.SetDefault("cache.ttl_seconds", 3600)
	v.SetDefault("cache.cache_first", true)
	v.SetDefault("quota.base", 100)
	v.SetDefault("quota.skip_ratio_threshold", 0.2)
	v.SetDefault("quota.ceiling", 500)
	v.SetDefault("quota.hub_confidence", 0.7)
	v.SetDefault("quota.pagination_depth", 5)
	v.SetDefault("telemetry.buffer_size", 4096)
	v.SetDefault("telemetry.max_batch_events", 500)
	v.SetDefault("telemetry.max_batch_wait_ms", 500)
	v.SetDefault("telemetry.history_size", 1024)
	v.SetDefault("telemetry.persist_traces", false)
	v.SetDefault("telemetry.max_trace_bytes", 8192)
	v.SetDefault("telemetry.log_events", false)
	v.SetDefault("telemetry.service_name", "newsfrontier")
	v.SetDefault("telemetry.trace_sample_ratio", 1.0)
	v.SetDefault("checkpoint.provider", "memory")
	v.SetDefault("storage.provider", "memory")
	v.SetDefault("storage.archive", "none")
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("control.addr", "127.0.0.1:7070")
	v.SetDefault("control.request_timeout_seconds", 15)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if err := c.Effective(RunOverrides{}).Validate(); err != nil {
		return err
	}
	if c.Crawler.Workers <= 0 {
		return fmt.Errorf("%w: crawler.workers must be > 0", ErrInvalid)
	}
	if c.Crawler.MaxConcurrentPerHost <= 0 {
		return fmt.Errorf("%w: crawler.max_concurrent_per_host must be > 0", ErrInvalid)
	}
	if c.Crawler.RequestTimeoutSec <= 0 {
		return fmt.Errorf("%w: crawler.request_timeout_seconds must be > 0", ErrInvalid)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("%w: retry.max_retries must be >= 0", ErrInvalid)
	}
	if c.Retry.LockoutThreshold <= 0 {
		return fmt.Errorf("%w: retry.lockout_threshold must be > 0", ErrInvalid)
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("%w: headless.max_parallel must be > 0 when headless is enabled", ErrInvalid)
	}
	if c.Quota.Ceiling < c.Quota.Base {
		return fmt.Errorf("%w: quota.ceiling must be >= quota.base", ErrInvalid)
	}
	if c.Storage.Provider == "postgres" && c.Storage.DSN == "" {
		return fmt.Errorf("%w: storage.dsn must be set for the postgres provider", ErrInvalid)
	}
	if c.Storage.Archive == "gcs" && c.Storage.GCSBucket == "" {
		return fmt.Errorf("%w: storage.gcs_bucket must be set for the gcs archive", ErrInvalid)
	}
	if c.Telemetry.TraceSampleRatio < 0 || c.Telemetry.TraceSampleRatio > 1 {
		return fmt.Errorf("%w: telemetry.trace_sample_ratio must be within [0,1]", ErrInvalid)
	}
	if c.Checkpoint.Provider == "badger" && c.Checkpoint.Path == "" {
		return fmt.Errorf("%w: checkpoint.path must be set for the badger provider", ErrInvalid)
	}
	if c.Cache.Provider == "badger" && c.Cache.Path == "" {
		return fmt.Errorf("%w: cache.path must be set for the badger provider", ErrInvalid)
	}
	return nil
}

// Effective resolves the run configuration. Precedence, lowest first:
// defaults, the nested run: section, top-level document keys, then flags.
func (c Config) Effective(flags RunOverrides) RunConfig {
	return Merge(c.Run, c.TopLevel, flags)
}

// Validate checks a resolved run configuration. Callers that merge flags
// after Load must validate the result again.
func (r RunConfig) Validate() error {
	if r.BatchSize <= 0 {
		return fmt.Errorf("%w: run.batch_size must be > 0", ErrInvalid)
	}
	if r.HistoricalRatio < 0 || r.HistoricalRatio > 1 {
		return fmt.Errorf("%w: run.historical_ratio must be within [0,1]", ErrInvalid)
	}
	switch r.BalancingStrategy {
	case BalancingAdaptive, BalancingFixed, BalancingPriority, BalancingTimeBased:
	default:
		return fmt.Errorf("%w: run.balancing_strategy %q is not supported", ErrInvalid, r.BalancingStrategy)
	}
	switch r.PrioritizationMode {
	case "", PrioritizationDefault, PrioritizationGeographyOnly:
	default:
		return fmt.Errorf("%w: run.prioritization_mode %q is not supported", ErrInvalid, r.PrioritizationMode)
	}
	if r.MaxDownloads < 0 {
		return fmt.Errorf("%w: run.max_downloads must be >= 0", ErrInvalid)
	}
	if r.MaxDepth < 0 {
		return fmt.Errorf("%w: run.max_depth must be >= 0", ErrInvalid)
	}
	if r.RateLimitMs < 0 {
		return fmt.Errorf("%w: run.rate_limit_ms must be >= 0", ErrInvalid)
	}
	return nil
}
