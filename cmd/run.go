package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/JakeFAU/newsfrontier/internal/app"
	"github.com/JakeFAU/newsfrontier/internal/config"
	"github.com/JakeFAU/newsfrontier/internal/crawler"
	"github.com/JakeFAU/newsfrontier/internal/logging"
	"github.com/JakeFAU/newsfrontier/internal/worker"
)

// job is the slice of app.App the run command drives.
type job interface {
	Run(ctx context.Context) (crawler.ExitSummary, error)
	Close(ctx context.Context) error
}

// newApp is the job factory. It is a variable so tests can inject a fake.
var newApp = func(ctx context.Context, opts app.Options) (job, error) {
	return app.New(ctx, opts)
}

type runFlags struct {
	jobID              string
	seeds              []string
	batchSize          int
	maxTotalBatches    int
	maxTotalPages      int64
	maxDownloads       int
	historicalRatio    float64
	balancing          string
	hubDiscovery       bool
	persistent         bool
	prioritizationMode string
	maxDepth           int
	rateLimitMs        int
}

func newRunCmd(root *rootOptions) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a crawl job",
		Long: `Runs a crawl job from the configured seeds. Flags override the
matching run settings from the config file and environment. The process
exits 0 when the job completes, 2 when it is aborted and 1 otherwise.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runJob(cmd, root, flags)
		},
	}
	f := cmd.Flags()
	f.StringVar(&flags.jobID, "job-id", "", "job identifier; reuse it to resume from a checkpoint")
	f.StringSliceVar(&flags.seeds, "seed", nil, "seed URL (repeatable)")
	f.IntVar(&flags.batchSize, "batch-size", 0, "entries dispatched per download batch")
	f.IntVar(&flags.maxTotalBatches, "max-total-batches", 0, "stop after this many batches")
	f.Int64Var(&flags.maxTotalPages, "max-total-pages", 0, "stop after this many visited pages")
	f.IntVar(&flags.maxDownloads, "max-downloads", 0, "global download cap (0 for none)")
	f.Float64Var(&flags.historicalRatio, "historical-ratio", 0, "share of each batch reserved for historical entries")
	f.StringVar(&flags.balancing, "balancing", "", "balancing strategy: adaptive, fixed, priority or time-based")
	f.BoolVar(&flags.hubDiscovery, "hub-discovery", true, "plan hub and pagination entries from learned signatures")
	f.BoolVar(&flags.persistent, "persistent", false, "scale planner quotas for long-running jobs")
	f.StringVar(&flags.prioritizationMode, "prioritization-mode", "", "frontier admission mode: default or geography-only")
	f.IntVar(&flags.maxDepth, "max-depth", 0, "maximum link depth admitted to the frontier")
	f.IntVar(&flags.rateLimitMs, "rate-limit-ms", 0, "default per-host request spacing in milliseconds")
	return cmd
}

func runJob(cmd *cobra.Command, root *rootOptions, flags *runFlags) error {
	cfg, err := config.Load(root.configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if root.addr != "" {
		cfg.Control.Addr = root.addr
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	j, err := newApp(ctx, app.Options{
		Config:    cfg,
		Overrides: flags.overrides(cmd.Flags()),
		JobID:     flags.jobID,
		Version:   version,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("initialize job: %w", err)
	}
	defer func() {
		if cerr := j.Close(context.WithoutCancel(ctx)); cerr != nil {
			logger.Warn("failed to close job services", zap.Error(cerr))
		}
	}()

	summary, err := j.Run(ctx)
	if err != nil {
		return fmt.Errorf("run job: %w", err)
	}
	logger.Info("job finished",
		zap.String("reason", string(summary.Reason)),
		zap.String("detail", summary.Detail),
		zap.Int64("visited", summary.Stats.Visited),
		zap.Int64("downloaded", summary.Stats.Downloaded),
	)
	if code := worker.ExitCode(summary.Reason); code != 0 {
		return &exitError{code: code, msg: fmt.Sprintf("job ended: %s %s", summary.Reason, summary.Detail)}
	}
	return nil
}

// overrides converts the flags the user actually set into run overrides.
func (r *runFlags) overrides(fs *pflag.FlagSet) config.RunOverrides {
	var o config.RunOverrides
	if fs.Changed("seed") {
		o.Seeds = r.seeds
	}
	if fs.Changed("batch-size") {
		o.BatchSize = &r.batchSize
	}
	if fs.Changed("max-total-batches") {
		o.MaxTotalBatches = &r.maxTotalBatches
	}
	if fs.Changed("max-total-pages") {
		o.MaxTotalPages = &r.maxTotalPages
	}
	if fs.Changed("max-downloads") {
		o.MaxDownloads = &r.maxDownloads
	}
	if fs.Changed("historical-ratio") {
		o.HistoricalRatio = &r.historicalRatio
	}
	if fs.Changed("balancing") {
		o.BalancingStrategy = &r.balancing
	}
	if fs.Changed("hub-discovery") {
		o.HubDiscoveryEnabled = &r.hubDiscovery
	}
	if fs.Changed("persistent") {
		o.PersistentMode = &r.persistent
	}
	if fs.Changed("prioritization-mode") {
		o.PrioritizationMode = &r.prioritizationMode
	}
	if fs.Changed("max-depth") {
		o.MaxDepth = &r.maxDepth
	}
	if fs.Changed("rate-limit-ms") {
		o.RateLimitMs = &r.rateLimitMs
	}
	return o
}
