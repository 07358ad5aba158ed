package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/newsfrontier/internal/config"
	"github.com/JakeFAU/newsfrontier/internal/crawler"
	"github.com/JakeFAU/newsfrontier/internal/orchestrator"
	pubmem "github.com/JakeFAU/newsfrontier/internal/publisher/memory"
	"github.com/JakeFAU/newsfrontier/internal/throttle"
)

func testConfig(t *testing.T, seeds ...string) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Run.Seeds = seeds
	cfg.Run.BatchSize = 2
	cfg.Run.RateLimitMs = 0
	batches := 1
	cfg.Run.MaxTotalBatches = &batches
	cfg.Crawler.RespectRobots = false
	cfg.Crawler.Workers = 2
	cfg.Control.Addr = ""
	return cfg
}

func newsSite(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, `<html><body><main><article><h1>%s</h1><p>Story text.</p></article></main></body></html>`, r.URL.Path)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewRunsMemoryJob(t *testing.T) {
	t.Parallel()

	site := newsSite(t)
	cfg := testConfig(t, site.URL+"/world/a", site.URL+"/world/b")
	a, err := New(context.Background(), Options{Config: cfg, JobID: "job-app", Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close(context.Background())) })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	summary, err := a.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, crawler.ExitCompleted, summary.Reason)
	require.Equal(t, int64(2), summary.Stats.Visited)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var st orchestrator.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	require.Equal(t, "job-app", st.JobID)
	require.NotNil(t, st.Exit)
	require.NotEmpty(t, a.Hub().History(0))
}

func TestRunFollowsHubLinks(t *testing.T) {
	t.Parallel()

	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if r.URL.Path == "/world" {
			fmt.Fprint(w, `<html><body><nav>`+
				`<a href="/world/2024/05/story-1">one</a>`+
				`<a href="/world/2024/05/story-2">two</a>`+
				`<a href="/world/2024/05/story-3">three</a>`+
				`<a href="https://elsewhere.test/world/2024/05/story-9">offsite</a>`+
				`</nav></body></html>`)
			return
		}
		fmt.Fprintf(w, `<html><body><article><h1>%s</h1><p>Story text.</p></article></body></html>`, r.URL.Path)
	}))
	t.Cleanup(site.Close)

	cfg := testConfig(t, site.URL+"/world")
	cfg.Run.BatchSize = 10
	a, err := New(context.Background(), Options{Config: cfg, Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close(context.Background())) })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	summary, err := a.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, crawler.ExitCompleted, summary.Reason)
	require.Equal(t, int64(4), summary.Stats.Visited)
	require.Equal(t, int64(4), summary.Stats.Downloaded)
}

func TestRunFailsWhenSeedsAreUnreachable(t *testing.T) {
	t.Parallel()

	dead := httptest.NewServer(http.NotFoundHandler())
	addr := dead.URL
	dead.Close()

	cfg := testConfig(t, addr+"/world")
	cfg.Retry.MaxRetries = 0
	a, err := New(context.Background(), Options{Config: cfg, Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close(context.Background())) })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	summary, err := a.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, crawler.ExitFailed, summary.Reason)
	require.Equal(t, int64(1), summary.Stats.Errors)
	require.Zero(t, summary.Stats.Downloaded)
}

func TestNewRejectsInvalidOverrides(t *testing.T) {
	t.Parallel()

	bogus := "bogus"
	ratio := 7.5
	cfg := testConfig(t, "https://news.test/")
	a, err := New(context.Background(), Options{
		Config:    cfg,
		Overrides: config.RunOverrides{BalancingStrategy: &bogus, HistoricalRatio: &ratio},
		Logger:    zap.NewNop(),
	})
	require.ErrorIs(t, err, config.ErrInvalid)
	require.Nil(t, a)
}

func TestNewAppliesOverrides(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "https://news.test/")
	size := 7
	a, err := New(context.Background(), Options{
		Config:    cfg,
		Overrides: config.RunOverrides{BatchSize: &size, Seeds: []string{"https://other.test/"}},
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close(context.Background())) })

	require.NotEmpty(t, a.Orchestrator().JobID())
}

func TestNewRejectsUnknownProviders(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"storage", func(c *config.Config) { c.Storage.Provider = "mysql" }, `unknown storage provider "mysql"`},
		{"cache", func(c *config.Config) { c.Cache.Provider = "redis" }, `unknown cache provider "redis"`},
		{"archive", func(c *config.Config) { c.Storage.Archive = "s3" }, `unknown archive "s3"`},
		{"checkpoint", func(c *config.Config) { c.Checkpoint.Provider = "etcd" }, `unknown checkpoint provider "etcd"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := testConfig(t, "https://news.test/")
			tc.mutate(&cfg)
			_, err := New(context.Background(), Options{Config: cfg, Logger: zap.NewNop()})
			require.ErrorIs(t, err, config.ErrInvalid)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestNewOpensBadgerStores(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "https://news.test/")
	cfg.Cache.Provider = "badger"
	cfg.Cache.Path = t.TempDir()
	cfg.Checkpoint.Provider = "badger"
	cfg.Checkpoint.Path = t.TempDir()
	cfg.Storage.Archive = "local"
	cfg.Storage.ArchiveDir = t.TempDir()

	a, err := New(context.Background(), Options{Config: cfg, Logger: zap.NewNop()})
	require.NoError(t, err)
	require.NoError(t, a.Close(context.Background()))
}

func TestCloseRunsInReverseAndJoinsErrors(t *testing.T) {
	t.Parallel()

	var order []string
	a := &App{}
	a.onClose("first", func(context.Context) error {
		order = append(order, "first")
		return errors.New("boom")
	})
	a.onClose("second", func(context.Context) error {
		order = append(order, "second")
		return nil
	})

	err := a.Close(context.Background())
	require.ErrorContains(t, err, "close first: boom")
	require.Equal(t, []string{"second", "first"}, order)
	require.NoError(t, a.Close(context.Background()))
}

func TestCrawlDelayOnlyWidensSpacing(t *testing.T) {
	t.Parallel()

	thr := throttle.New(throttle.Config{
		DefaultInterval: 2 * time.Second,
	})
	delay := crawlDelayFunc(thr)

	delay("news.test", time.Second)
	require.Equal(t, 2*time.Second, thr.Interval("news.test"))
	delay("news.test", 5*time.Second)
	require.Equal(t, 5*time.Second, thr.Interval("news.test"))
	require.Equal(t, 2*time.Second, thr.Interval("other.test"))
}

func TestFrontierFiltersFollowRunConfig(t *testing.T) {
	t.Parallel()

	require.Empty(t, frontierFilters(config.RunConfig{}))
	require.Len(t, frontierFilters(config.RunConfig{MaxDepth: 2}), 1)
	require.Len(t, frontierFilters(config.RunConfig{
		MaxDepth:           2,
		PrioritizationMode: config.PrioritizationGeographyOnly,
	}), 2)
}

func TestSettingsForConvertsUnits(t *testing.T) {
	t.Parallel()

	pages := int64(50)
	s := settingsFor(config.RunConfig{
		BatchSize:            10,
		MaxTotalPages:        &pages,
		MaxDownloads:         40,
		HubRefreshIntervalMs: 60000,
		BatchDurationCapSec:  30,
	})
	require.Equal(t, 10, s.BatchSize)
	require.Equal(t, &pages, s.MaxTotalPages)
	require.Equal(t, int64(40), s.MaxDownloads)
	require.Equal(t, time.Minute, s.HubRefreshInterval)
	require.Equal(t, 30*time.Second, s.BatchDurationCap)
}

func TestOpenPublisherWithoutProjectStaysInProcess(t *testing.T) {
	t.Parallel()

	a := &App{logger: zap.NewNop()}
	pub, err := a.openPublisher(context.Background(), config.TelemetryConfig{})
	require.NoError(t, err)
	require.Nil(t, pub)

	pub, err = a.openPublisher(context.Background(), config.TelemetryConfig{PagesTopic: "pages"})
	require.NoError(t, err)
	require.IsType(t, &pubmem.Publisher{}, pub)
	require.Empty(t, a.closers)
}
