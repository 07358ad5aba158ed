package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/newsfrontier/internal/crawler"
	"github.com/JakeFAU/newsfrontier/internal/metrics"
	"github.com/JakeFAU/newsfrontier/internal/orchestrator"
	"github.com/JakeFAU/newsfrontier/internal/progress"
)

const testJobID = "00000000-0000-0000-0000-0000000000aa"

func TestServerControlRoutes(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{}
	server := NewServer(ctrl, nil, Options{Logger: zap.NewNop()})

	rec := serve(server, http.MethodPost, "/v1/control/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "paused")

	rec = serve(server, http.MethodPost, "/v1/control/pause", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = serve(server, http.MethodGet, "/v1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st orchestrator.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	require.Equal(t, testJobID, st.JobID)
	require.True(t, st.Paused)

	rec = serve(server, http.MethodPost, "/v1/control/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = serve(server, http.MethodPost, "/v1/control/resume", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = serve(server, http.MethodPost, "/v1/control/stop", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, 1, ctrl.stops())

	rec = serve(server, http.MethodGet, "/v1/control/stop", nil)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServerWithoutControllerIsNotReady(t *testing.T) {
	t.Parallel()

	server := NewServer(nil, nil, Options{})
	require.Equal(t, http.StatusOK, serve(server, http.MethodGet, "/healthz", nil).Code)
	require.Equal(t, http.StatusServiceUnavailable, serve(server, http.MethodGet, "/readyz", nil).Code)
	require.Equal(t, http.StatusServiceUnavailable, serve(server, http.MethodPost, "/v1/control/stop", nil).Code)
	require.Equal(t, http.StatusServiceUnavailable, serve(server, http.MethodGet, "/v1/events", nil).Code)
}

func TestServerPropagatesRequestID(t *testing.T) {
	t.Parallel()

	server := NewServer(&fakeController{}, nil, Options{})
	rec := serve(server, http.MethodGet, "/healthz", map[string]string{"X-Request-ID": "req-1"})
	require.Equal(t, "req-1", rec.Header().Get("X-Request-ID"))

	rec = serve(server, http.MethodGet, "/healthz", nil)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServerRecoversFromPanics(t *testing.T) {
	t.Parallel()

	server := NewServer(&fakeController{panicOnStatus: true}, nil, Options{})
	rec := serve(server, http.MethodGet, "/v1/status", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServerListEvents(t *testing.T) {
	t.Parallel()

	hub := newHub(t)
	for _, typ := range []progress.Type{progress.TypeStart, progress.TypePause, progress.TypeResume, progress.TypePause} {
		hub.Emit(progress.Event{Type: typ, JobID: testJobID})
	}
	require.Eventually(t, func() bool { return len(hub.History(0)) == 4 }, time.Second, 5*time.Millisecond)

	server := NewServer(&fakeController{}, hub, Options{})
	rec := serve(server, http.MethodGet, "/v1/events?since=1&type=pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Events []progress.Event `json:"events"`
		Next   uint64           `json:"next"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Events, 2)
	require.Equal(t, uint64(2), body.Events[0].Seq)
	require.Equal(t, uint64(4), body.Next)

	rec = serve(server, http.MethodGet, "/v1/events?since=abc", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServerStreamsEvents(t *testing.T) {
	t.Parallel()

	hub := newHub(t)
	hub.Emit(progress.Event{Type: progress.TypeStart, JobID: testJobID})
	require.Eventually(t, func() bool { return len(hub.History(0)) == 1 }, time.Second, 5*time.Millisecond)

	ts := httptest.NewServer(NewServer(&fakeController{}, hub, Options{}).Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/events/stream", nil)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer func() { require.NoError(t, resp.Body.Close()) }()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	require.Equal(t, "id: 1", readLine(t, reader))
	require.Equal(t, "event: start", readLine(t, reader))
	require.True(t, strings.HasPrefix(readLine(t, reader), "data: {"))
	require.Empty(t, readLine(t, reader))

	hub.Emit(progress.Event{Type: progress.TypeStop, JobID: testJobID})
	require.Equal(t, "id: 2", readLine(t, reader))
	require.Equal(t, "event: stop", readLine(t, reader))
}

func TestServerServesMetrics(t *testing.T) {
	t.Parallel()

	collectors, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)
	server := NewServer(&fakeController{}, nil, Options{Metrics: collectors})

	require.Equal(t, http.StatusOK, serve(server, http.MethodGet, "/v1/status", nil).Code)
	rec := serve(server, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `newsfrontier_control_requests_total{code="200",method="GET"} 1`)
}

func TestServerTracingWrapsHandler(t *testing.T) {
	t.Parallel()

	server := NewServer(&fakeController{}, nil, Options{Tracing: true})
	require.Equal(t, http.StatusOK, serve(server, http.MethodGet, "/healthz", nil).Code)
}

func serve(server *Server, method, target string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

func readLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	return strings.TrimRight(line, "\n")
}

func newHub(t *testing.T) *progress.Hub {
	t.Helper()
	hub := progress.NewHub(progress.Config{MaxBatchWait: 5 * time.Millisecond})
	t.Cleanup(func() { require.NoError(t, hub.Close(context.Background())) })
	return hub
}

type fakeController struct {
	mu            sync.Mutex
	paused        bool
	stopCount     int
	panicOnStatus bool
}

func (f *fakeController) Pause() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.paused {
		return false
	}
	f.paused = true
	return true
}

func (f *fakeController) Resume() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.paused {
		return false
	}
	f.paused = false
	return true
}

func (f *fakeController) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCount++
}

func (f *fakeController) Status() orchestrator.Status {
	if f.panicOnStatus {
		panic("status exploded")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return orchestrator.Status{
		JobID:   testJobID,
		Phase:   crawler.PhaseDownload,
		Running: f.stopCount == 0,
		Paused:  f.paused,
	}
}

func (f *fakeController) stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopCount
}
