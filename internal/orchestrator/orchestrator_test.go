package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/JakeFAU/newsfrontier/internal/cache/memory"
	"github.com/JakeFAU/newsfrontier/internal/checkpoint"
	"github.com/JakeFAU/newsfrontier/internal/clock/fake"
	"github.com/JakeFAU/newsfrontier/internal/crawler"
	"github.com/JakeFAU/newsfrontier/internal/frontier"
	"github.com/JakeFAU/newsfrontier/internal/pipeline"
	"github.com/JakeFAU/newsfrontier/internal/planner"
	"github.com/JakeFAU/newsfrontier/internal/progress"
	storemem "github.com/JakeFAU/newsfrontier/internal/storage/memory"
	"github.com/JakeFAU/newsfrontier/internal/worker"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var epoch = time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)

// pageFetcher answers every URL with a small page fetched over the network.
type pageFetcher struct {
	clock *fake.Clock
	// down makes every fetch fail with a connection reset.
	down bool

	mu    sync.Mutex
	calls []string
}

func (f *pageFetcher) Fetch(_ context.Context, rawURL string, _ pipeline.Policy) crawler.FetchOutcome {
	f.mu.Lock()
	f.calls = append(f.calls, rawURL)
	f.mu.Unlock()
	if f.down {
		return crawler.FetchOutcome{
			URL:          rawURL,
			Host:         crawler.HostOf(rawURL),
			SourceMethod: crawler.MethodNetwork,
			ErrorKind:    crawler.ErrConnectionReset,
			ErrorText:    "connection reset by peer",
			FetchedAt:    f.clock.Now(),
			Attempts:     1,
		}
	}
	body := []byte("<html><body><article><p>story</p></article></body></html>")
	return crawler.FetchOutcome{
		URL:          rawURL,
		Host:         crawler.HostOf(rawURL),
		HTTPStatus:   200,
		SourceMethod: crawler.MethodNetwork,
		Bytes:        int64(len(body)),
		Body:         body,
		FetchedAt:    f.clock.Now(),
		Attempts:     1,
	}
}

func (f *pageFetcher) fetched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// stubAnalyzer scores articles low and everything else high, and reports a
// fixed signature set.
type stubAnalyzer struct {
	signatures []crawler.PatternSignature

	mu    sync.Mutex
	calls [][]string
}

func (a *stubAnalyzer) Analyze(_ context.Context, pages []crawler.Page) (<-chan crawler.AnalysisProgress, error) {
	urls := make([]string, len(pages))
	ch := make(chan crawler.AnalysisProgress, len(pages)+1)
	for i, p := range pages {
		urls[i] = p.URL
		confidence := 0.9
		if p.Kind == crawler.KindArticle {
			confidence = 0.3
		}
		ch <- crawler.AnalysisProgress{
			Processed: i + 1,
			Total:     len(pages),
			Page: &crawler.PageAnalysis{
				URL:           p.URL,
				Host:          p.Host,
				Kind:          p.Kind,
				SignatureHash: "h-" + string(p.Kind),
				Confidence:    confidence,
				AnalyzedAt:    p.FetchedAt,
			},
		}
	}
	ch <- crawler.AnalysisProgress{Processed: len(pages), Total: len(pages), Signatures: a.signatures, Done: true}
	close(ch)
	a.mu.Lock()
	a.calls = append(a.calls, urls)
	a.mu.Unlock()
	return ch, nil
}

func (a *stubAnalyzer) batches() [][]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([][]string(nil), a.calls...)
}

type events struct {
	mu  sync.Mutex
	log []progress.Event
}

func (e *events) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = append(e.log, evt)
}

func (e *events) ofType(t progress.Type) []progress.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []progress.Event
	for _, evt := range e.log {
		if evt.Type == t {
			out = append(out, evt)
		}
	}
	return out
}

func (e *events) phases() []string {
	var out []string
	for _, evt := range e.ofType(progress.TypePhaseChanged) {
		out = append(out, evt.StringField(progress.KeyPhase))
	}
	return out
}

type harness struct {
	clock       *fake.Clock
	fetcher     *pageFetcher
	analyzer    *stubAnalyzer
	store       *storemem.Store
	cache       *memory.Cache
	checkpoints *checkpoint.Memory
	events      *events
}

func newHarness() *harness {
	clk := fake.New(epoch)
	return &harness{
		clock:       clk,
		fetcher:     &pageFetcher{clock: clk},
		analyzer:    &stubAnalyzer{},
		store:       storemem.NewStore(1),
		cache:       memory.New(time.Hour, clk),
		checkpoints: checkpoint.NewMemory(),
		events:      &events{},
	}
}

func (h *harness) build(t *testing.T, seeds []string, set Settings, opts ...func(*Config)) *Orchestrator {
	t.Helper()
	reporter := progress.NewReporter(h.events, "job-1", h.clock, 0)
	cfg := Config{
		JobID:       "job-1",
		Seeds:       seeds,
		Settings:    set,
		Frontier:    frontier.New(frontier.Config{Clock: h.clock}),
		Worker:      workerConfig(h.fetcher),
		Analyzer:    h.analyzer,
		Storage:     h.store,
		Cache:       h.cache,
		Checkpoints: h.checkpoints,
		Clock:       h.clock,
		Sleep:       h.clock.Sleep,
		Reporter:    reporter,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	o, err := New(cfg)
	require.NoError(t, err)
	return o
}

func workerConfig(f *pageFetcher) worker.Config {
	return worker.Config{Workers: 2, Fetcher: f, IdlePoll: time.Millisecond, SampleInterval: time.Hour}
}

func articles(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("https://news.test/2025/04/0%d/story-%d", i+1, i+1)
	}
	return out
}

func intPtr(v int) *int { return &v }

func TestRunCyclesPhasesUntilMaxTotalBatches(t *testing.T) {
	t.Parallel()

	h := newHarness()
	o := h.build(t, articles(4), Settings{
		BatchSize:          2,
		MaxTotalBatches:    intPtr(2),
		HubRefreshInterval: time.Hour,
	})

	summary := o.Run(context.Background())

	require.Equal(t, crawler.ExitCompleted, summary.Reason)
	require.Contains(t, summary.Detail, "maxTotalBatches")
	require.Equal(t, int64(4), summary.Stats.Visited)
	require.Equal(t, int64(4), summary.Stats.Downloaded)
	require.Len(t, h.fetcher.fetched(), 4)
	require.Len(t, h.analyzer.batches(), 2)
	require.Equal(t, []string{"analyze", "learn", "download", "analyze", "learn", "download"}, h.events.phases())
	require.Len(t, h.events.ofType(progress.TypeGoalSatisfied), 1)
	require.Len(t, h.events.ofType(progress.TypeBudgetUpdated), 2)
	require.Len(t, h.events.ofType(progress.TypeCheckpointSaved), 2)

	cp, err := h.checkpoints.Load(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, 2, cp.Batch)
	require.Len(t, cp.Committed, 4)
	require.True(t, cp.Valid())
	require.Empty(t, cp.PendingFrontier)

	st := o.Status()
	require.False(t, st.Running)
	require.Equal(t, 2, st.Batch)
	require.NotNil(t, st.Exit)
	require.Equal(t, crawler.ExitCompleted, st.Exit.Reason)
}

func TestRunFailsWithoutValidSeeds(t *testing.T) {
	t.Parallel()

	h := newHarness()
	o := h.build(t, []string{"mailto:desk@news.test", "ftp://files.news.test/a"}, Settings{BatchSize: 2})

	summary := o.Run(context.Background())

	require.Equal(t, crawler.ExitFailed, summary.Reason)
	require.Contains(t, summary.Detail, "no valid seeds")
	require.Empty(t, h.fetcher.fetched())
	require.Empty(t, h.events.phases())
}

func TestRunFailsWhenEveryFetchErrors(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.fetcher.down = true
	o := h.build(t, articles(3), Settings{
		BatchSize:          5,
		HubRefreshInterval: time.Hour,
	})

	summary := o.Run(context.Background())

	require.Equal(t, crawler.ExitFailed, summary.Reason)
	require.Contains(t, summary.Detail, "all 3 fetches failed")
	require.Equal(t, int64(3), summary.Stats.Errors)
	require.Zero(t, summary.Stats.Downloaded)
	require.Len(t, h.fetcher.fetched(), 3)
	require.Empty(t, h.analyzer.batches())
}

func TestMaxDownloadsSpansBatches(t *testing.T) {
	t.Parallel()

	h := newHarness()
	o := h.build(t, articles(5), Settings{
		BatchSize:          2,
		MaxDownloads:       3,
		HubRefreshInterval: time.Hour,
	})

	summary := o.Run(context.Background())

	require.Equal(t, crawler.ExitMaxDownloadsReached, summary.Reason)
	require.Equal(t, int64(3), summary.Stats.Downloaded)
	require.Len(t, h.fetcher.fetched(), 3)
	require.Equal(t, 2, o.Status().Pending)
}

func TestLearnedSignaturesDriveDiscoveryAndReanalysis(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.analyzer.signatures = []crawler.PatternSignature{{
		Hash:          "hub-1",
		Host:          "news.test",
		Kind:          crawler.KindHub,
		Confidence:    0.9,
		ObservedCount: 1,
		SampleURL:     "https://news.test/world",
	}}
	story := "https://news.test/2025/04/01/story-1"
	require.NoError(t, h.cache.Put(context.Background(), crawler.CachedPage{
		URL:        story,
		StatusCode: 200,
		Body:       []byte("<html><body><article>cached</article></body></html>"),
	}))
	plan := planner.New(planner.Config{
		BaseQuota:       10,
		HubConfidence:   0.7,
		PaginationDepth: 2,
		Storage:         h.store,
		Clock:           h.clock,
	})
	o := h.build(t, []string{"https://news.test/world", story}, Settings{
		BatchSize:                     4,
		MaxTotalBatches:               intPtr(2),
		HubDiscoveryEnabled:           true,
		HubRefreshInterval:            time.Hour,
		MinNewSignaturesToLearn:       1,
		ReanalysisConfidenceThreshold: 0.5,
	}, func(c *Config) { c.Planner = plan })

	summary := o.Run(context.Background())

	require.Equal(t, crawler.ExitCompleted, summary.Reason)
	require.Equal(t, []string{
		"analyze", "learn", "discover", "reanalyze", "download",
		"analyze", "learn", "download",
	}, h.events.phases())
	require.ElementsMatch(t, []string{
		"https://news.test/world",
		story,
		"https://news.test/world?page=2",
		"https://news.test/world?page=3",
	}, h.fetcher.fetched())

	batches := h.analyzer.batches()
	require.Len(t, batches, 3)
	require.Equal(t, []string{story}, batches[1])

	triggered := h.events.ofType(progress.TypeReanalysisTriggered)
	require.Len(t, triggered, 1)
	require.Equal(t, int64(1), triggered[0].Int64Field("selected"))
	require.Equal(t, int64(1), triggered[0].Int64Field("cached"))
	require.Equal(t, 1, o.Status().Signatures)
}

func TestResumeSkipsCommittedWork(t *testing.T) {
	t.Parallel()

	h := newHarness()
	seeds := articles(3)
	first := h.build(t, seeds, Settings{BatchSize: 2, MaxTotalBatches: intPtr(1), HubRefreshInterval: time.Hour})
	require.Equal(t, crawler.ExitCompleted, first.Run(context.Background()).Reason)
	require.Len(t, h.fetcher.fetched(), 2)

	cp, err := h.checkpoints.Load(context.Background(), "job-1")
	require.NoError(t, err)
	require.Len(t, cp.Committed, 2)
	require.Len(t, cp.PendingFrontier, 1)

	h.fetcher = &pageFetcher{clock: h.clock}
	second := h.build(t, seeds, Settings{BatchSize: 2, MaxTotalBatches: intPtr(2), HubRefreshInterval: time.Hour})
	summary := second.Run(context.Background())

	require.Equal(t, crawler.ExitCompleted, summary.Reason)
	require.Equal(t, []string{seeds[2]}, h.fetcher.fetched())
	require.Equal(t, int64(3), summary.Stats.Visited)
	require.Equal(t, 2, second.Status().Batch)
}

func TestCorruptCheckpointStartsFresh(t *testing.T) {
	t.Parallel()

	h := newHarness()
	seeds := articles(2)
	require.NoError(t, h.checkpoints.Save(context.Background(), checkpoint.Checkpoint{
		JobID:           "job-1",
		Batch:           7,
		Committed:       seeds,
		CommittedDigest: "truncated",
	}))
	o := h.build(t, seeds, Settings{BatchSize: 2, MaxTotalBatches: intPtr(1), HubRefreshInterval: time.Hour})

	summary := o.Run(context.Background())

	require.Equal(t, crawler.ExitCompleted, summary.Reason)
	require.Len(t, h.fetcher.fetched(), 2)
	require.Equal(t, 1, o.Status().Batch)
}

func TestEmptyFrontierWaitsForRefreshInsteadOfStopping(t *testing.T) {
	t.Parallel()

	h := newHarness()
	seed := "https://news.test/world"
	o := h.build(t, []string{seed}, Settings{
		BatchSize:          5,
		MaxTotalBatches:    intPtr(2),
		HubRefreshInterval: 10 * time.Minute,
	})

	summary := o.Run(context.Background())

	require.Equal(t, crawler.ExitCompleted, summary.Reason)
	require.Equal(t, []string{seed, seed}, h.fetcher.fetched())
	require.False(t, h.clock.Now().Before(epoch.Add(10*time.Minute)))
	require.NotZero(t, o.Status().NextHubRefresh)
}

func TestPauseHoldsLoopAndStopAborts(t *testing.T) {
	t.Parallel()

	h := newHarness()
	o := h.build(t, articles(2), Settings{BatchSize: 2, HubRefreshInterval: time.Hour})

	require.True(t, o.Pause())
	require.False(t, o.Pause())

	done := make(chan crawler.ExitSummary, 1)
	go func() { done <- o.Run(context.Background()) }()

	require.Eventually(t, func() bool { return o.Status().Pending == 2 }, time.Second, time.Millisecond)
	st := o.Status()
	require.True(t, st.Running)
	require.True(t, st.Paused)

	o.Stop()
	var summary crawler.ExitSummary
	select {
	case summary = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
	require.Equal(t, crawler.ExitAbortRequested, summary.Reason)
	require.Empty(t, h.fetcher.fetched())
	require.Len(t, h.events.ofType(progress.TypePause), 1)
	require.Len(t, h.events.ofType(progress.TypeStop), 1)

	require.True(t, o.Resume())
	require.False(t, o.Resume())
	require.Len(t, h.events.ofType(progress.TypeResume), 1)
}

func TestNewRequiresFrontier(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
}
