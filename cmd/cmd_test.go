package cmd

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/newsfrontier/internal/app"
	"github.com/JakeFAU/newsfrontier/internal/crawler"
)

type fakeJob struct {
	summary crawler.ExitSummary
	err     error
	closed  bool
}

func (f *fakeJob) Run(context.Context) (crawler.ExitSummary, error) {
	return f.summary, f.err
}

func (f *fakeJob) Close(context.Context) error {
	f.closed = true
	return nil
}

// withFakeApp swaps the job factory. Tests using it must not run in parallel.
func withFakeApp(t *testing.T, j *fakeJob) *app.Options {
	t.Helper()
	var captured app.Options
	prev := newApp
	newApp = func(_ context.Context, opts app.Options) (job, error) {
		captured = opts
		return j, nil
	}
	t.Cleanup(func() { newApp = prev })
	return &captured
}

func TestRunMapsExitReasonsToCodes(t *testing.T) {
	cases := []struct {
		reason crawler.ExitReason
		code   int
	}{
		{crawler.ExitCompleted, 0},
		{crawler.ExitMaxDownloadsReached, 0},
		{crawler.ExitAbortRequested, 2},
		{crawler.ExitReason("fatal"), 1},
	}
	for _, tc := range cases {
		j := &fakeJob{summary: crawler.ExitSummary{Reason: tc.reason}}
		withFakeApp(t, j)
		require.Equal(t, tc.code, execute([]string{"run", "--addr", "", "--seed", "https://news.test/"}), tc.reason)
		require.True(t, j.closed)
	}
}

func TestRunPassesOnlyChangedFlags(t *testing.T) {
	opts := withFakeApp(t, &fakeJob{summary: crawler.ExitSummary{Reason: crawler.ExitCompleted}})

	code := execute([]string{
		"run",
		"--job-id", "job-7",
		"--seed", "https://a.test/",
		"--seed", "https://b.test/",
		"--batch-size", "25",
		"--hub-discovery=false",
	})
	require.Equal(t, 0, code)
	require.Equal(t, "job-7", opts.JobID)
	require.Equal(t, []string{"https://a.test/", "https://b.test/"}, opts.Overrides.Seeds)
	require.Equal(t, 25, *opts.Overrides.BatchSize)
	require.False(t, *opts.Overrides.HubDiscoveryEnabled)
	require.Nil(t, opts.Overrides.MaxTotalBatches)
	require.Nil(t, opts.Overrides.HistoricalRatio)
}

func TestRunReportsJobErrors(t *testing.T) {
	withFakeApp(t, &fakeJob{err: errors.New("listen: address in use")})
	require.Equal(t, 1, execute([]string{"run"}))
}

func TestControlCommandsCallEndpoint(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		calls []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls = append(calls, r.Method+" "+r.URL.Path)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/v1/control/resume" {
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"error":"job is not paused"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	t.Cleanup(srv.Close)

	out, err := runRoot("pause", "--addr", srv.URL)
	require.NoError(t, err)
	require.Contains(t, out, `"status": "ok"`)

	_, err = runRoot("status", "--addr", srv.URL)
	require.NoError(t, err)

	_, err = runRoot("resume", "--addr", srv.URL)
	require.ErrorContains(t, err, "job is not paused (409)")

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{
		"POST /v1/control/pause",
		"GET /v1/status",
		"POST /v1/control/resume",
	}, calls)
}

func runRoot(args ...string) (string, error) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}
