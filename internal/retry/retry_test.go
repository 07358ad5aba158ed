package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/newsfrontier/internal/clock/fake"
	"github.com/JakeFAU/newsfrontier/internal/crawler"
	"github.com/JakeFAU/newsfrontier/internal/progress"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *recordingEmitter) types() []progress.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progress.Type, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func newTestCoordinator(clk *fake.Clock, emitter progress.Emitter) *Coordinator {
	return New(Config{
		MaxRetries:       2,
		BackoffBase:      100 * time.Millisecond,
		BackoffCeiling:   time.Second,
		LockoutThreshold: 3,
		LockoutWindow:    time.Minute,
		LockoutCooldown:  5 * time.Minute,
		Clock:            clk,
		Reporter:         progress.NewReporter(emitter, "job", clk, 0),
	})
}

func TestRetryAfterHeaderAndMapAgree(t *testing.T) {
	t.Parallel()

	header := http.Header{}
	header.Set("Retry-After", "3")
	fromHeader, ok := RetryAfter(header, epoch)
	require.True(t, ok)
	fromMap, ok := RetryAfter(map[string]string{"retry-after": "3"}, epoch)
	require.True(t, ok)

	require.Equal(t, 3000*time.Millisecond, fromHeader)
	require.Equal(t, fromHeader, fromMap)
}

func TestRetryAfterForms(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		headers any
		want    time.Duration
		ok      bool
	}{
		{name: "http date", headers: map[string]string{"Retry-After": epoch.Add(90 * time.Second).Format(http.TimeFormat)}, want: 90 * time.Second, ok: true},
		{name: "past date", headers: map[string]string{"Retry-After": epoch.Add(-time.Hour).Format(http.TimeFormat)}, want: 0, ok: true},
		{name: "multi map", headers: map[string][]string{"RETRY-AFTER": {"7"}}, want: 7 * time.Second, ok: true},
		{name: "missing", headers: map[string]string{"Content-Type": "text/html"}, ok: false},
		{name: "garbage", headers: map[string]string{"Retry-After": "soon"}, ok: false},
		{name: "negative", headers: map[string]string{"Retry-After": "-5"}, ok: false},
		{name: "huge", headers: map[string]string{"Retry-After": "99999999999"}, want: time.Duration(math.MaxInt64 / int64(time.Second) * int64(time.Second)), ok: true},
		{name: "nil", headers: nil, ok: false},
		{name: "unsupported", headers: 42, ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := RetryAfter(tt.headers, epoch)
			require.Equal(t, tt.ok, ok)
			require.Equal(t, tt.want, got)
		})
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	t.Parallel()

	c := New(Config{RetryableStatuses: []int{429, 503}})
	resp := func(status int) *crawler.FetchResponse {
		return &crawler.FetchResponse{StatusCode: status, Headers: http.Header{}}
	}
	tests := []struct {
		name      string
		err       error
		resp      *crawler.FetchResponse
		kind      crawler.ErrorKind
		retryable bool
	}{
		{name: "ok", resp: resp(200), kind: crawler.ErrNone},
		{name: "redirect", resp: resp(301), kind: crawler.ErrNone},
		{name: "not found", resp: resp(404), kind: crawler.ErrNotFound},
		{name: "gone", resp: resp(410), kind: crawler.ErrGone},
		{name: "too many", resp: resp(429), kind: crawler.ErrRetryableStatus, retryable: true},
		{name: "unavailable", resp: resp(503), kind: crawler.ErrRetryableStatus, retryable: true},
		{name: "bad gateway not configured", resp: resp(502), kind: crawler.ErrServerError},
		{name: "forbidden", resp: resp(403), kind: crawler.ErrBlocked, retryable: true},
		{name: "teapot", resp: resp(418), kind: crawler.ErrClientError},
		{name: "reset", err: fmt.Errorf("read: %w", syscall.ECONNRESET), kind: crawler.ErrConnectionReset, retryable: true},
		{name: "reset text", err: errors.New("read tcp 10.0.0.1:443: connection reset by peer"), kind: crawler.ErrConnectionReset, retryable: true},
		{name: "deadline", err: context.DeadlineExceeded, kind: crawler.ErrTimeout, retryable: true},
		{name: "net timeout", err: timeoutErr{}, kind: crawler.ErrTimeout, retryable: true},
		{name: "canceled", err: context.Canceled, kind: crawler.ErrCanceled},
		{name: "unknown with status", err: errors.New("Not Found"), resp: resp(404), kind: crawler.ErrNotFound},
		{name: "unknown", err: errors.New("weird"), kind: crawler.ErrUnknown, retryable: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := c.Classify(tt.err, tt.resp)
			require.Equal(t, tt.kind, d.Kind)
			require.Equal(t, tt.retryable, d.Retryable)
		})
	}
}

func TestClassifyCarriesRetryAfter(t *testing.T) {
	t.Parallel()

	c := New(Config{})
	h := http.Header{}
	h.Set("Retry-After", "3")
	d := c.Classify(nil, &crawler.FetchResponse{StatusCode: http.StatusTooManyRequests, Headers: h})
	require.Equal(t, 3*time.Second, d.Delay)
	require.True(t, d.Blocking())
	require.Equal(t, 3*time.Second, c.Delay(d, 0))

	d = c.Classify(nil, &crawler.FetchResponse{StatusCode: http.StatusServiceUnavailable})
	require.False(t, d.Blocking())
}

func TestBackoffIsCappedAndJittered(t *testing.T) {
	t.Parallel()

	c := New(Config{BackoffBase: 100 * time.Millisecond, BackoffCeiling: time.Second})
	c.jitter = func(limit time.Duration) time.Duration { return limit }
	require.Equal(t, 100*time.Millisecond, c.Backoff(0))
	require.Equal(t, 400*time.Millisecond, c.Backoff(2))
	require.Equal(t, time.Second, c.Backoff(10))

	c.jitter = func(time.Duration) time.Duration { return 0 }
	require.Equal(t, 50*time.Millisecond, c.Backoff(0))

	c.jitter = randomJitter
	for i := 0; i < 20; i++ {
		d := c.Backoff(3)
		require.GreaterOrEqual(t, d, 400*time.Millisecond)
		require.LessOrEqual(t, d, 800*time.Millisecond)
	}
}

func reset() crawler.FetchOutcome {
	return crawler.FetchOutcome{SourceMethod: crawler.MethodNetwork, ErrorKind: crawler.ErrConnectionReset}
}

func success() crawler.FetchOutcome {
	return crawler.FetchOutcome{SourceMethod: crawler.MethodNetwork, HTTPStatus: 200}
}

func TestLockoutLifecycle(t *testing.T) {
	t.Parallel()

	clk := fake.New(epoch)
	rec := &recordingEmitter{}
	c := newTestCoordinator(clk, rec)
	const host = "news.example.com"

	c.RecordOutcome(host, reset())
	require.Equal(t, crawler.HostDegraded, c.Status(host))
	c.RecordOutcome(host, reset())
	require.True(t, c.Dispatchable(host))
	c.RecordOutcome(host, reset())
	require.Equal(t, crawler.HostLockedOut, c.Status(host))
	require.False(t, c.Dispatchable(host))

	c.RecordOutcome(host, success())
	require.Equal(t, crawler.HostLockedOut, c.Status(host), "late completions never unlock early")

	clk.Advance(5 * time.Minute)
	require.True(t, c.Dispatchable(host))
	require.Equal(t, crawler.HostRecovering, c.Status(host))

	c.RecordOutcome(host, crawler.FetchOutcome{SourceMethod: crawler.MethodNetwork, ErrorKind: crawler.ErrTimeout})
	require.Equal(t, crawler.HostLockedOut, c.Status(host), "a failure while recovering locks out again")

	clk.Advance(5 * time.Minute)
	c.RecordOutcome(host, success())
	require.Equal(t, crawler.HostHealthy, c.Status(host))

	require.Equal(t, []progress.Type{
		progress.TypeHostLockedOut,
		progress.TypeHostRecovered,
		progress.TypeHostLockedOut,
		progress.TypeHostRecovered,
	}, rec.types())
}

func TestResetsOutsideWindowDoNotLock(t *testing.T) {
	t.Parallel()

	clk := fake.New(epoch)
	c := newTestCoordinator(clk, nil)
	const host = "slow.example.com"

	c.RecordOutcome(host, reset())
	c.RecordOutcome(host, reset())
	clk.Advance(2 * time.Minute)
	c.RecordOutcome(host, reset())
	require.Equal(t, crawler.HostDegraded, c.Status(host))

	c.RecordOutcome(host, success())
	require.Equal(t, crawler.HostHealthy, c.Status(host))
}

func TestOtherFailuresBreakResetRun(t *testing.T) {
	t.Parallel()

	clk := fake.New(epoch)
	c := newTestCoordinator(clk, nil)
	const host = "flaky.example.com"

	c.RecordOutcome(host, reset())
	c.RecordOutcome(host, crawler.FetchOutcome{SourceMethod: crawler.MethodNetwork, ErrorKind: crawler.ErrRetryableStatus, HTTPStatus: 503})
	c.RecordOutcome(host, reset())
	c.RecordOutcome(host, reset())
	require.Equal(t, crawler.HostDegraded, c.Status(host))
	require.True(t, c.Dispatchable(host))

	c.RecordOutcome(host, reset())
	require.Equal(t, crawler.HostLockedOut, c.Status(host))
}

func TestCacheAndCanceledOutcomesIgnored(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator(fake.New(epoch), nil)
	for i := 0; i < 5; i++ {
		c.RecordOutcome("a.example.com", crawler.FetchOutcome{SourceMethod: crawler.MethodCache, ErrorKind: crawler.ErrConnectionReset})
		c.RecordOutcome("a.example.com", crawler.FetchOutcome{SourceMethod: crawler.MethodNetwork, ErrorKind: crawler.ErrCanceled})
	}
	require.Equal(t, crawler.HostHealthy, c.Status("a.example.com"))
}

func TestAnnotateMergesThrottleState(t *testing.T) {
	t.Parallel()

	clk := fake.New(epoch)
	c := newTestCoordinator(clk, nil)
	for i := 0; i < 3; i++ {
		c.RecordOutcome("b.example.com", reset())
	}
	states := c.Annotate([]crawler.HostState{{Host: "a.example.com", ActiveRequests: 1}})
	require.Len(t, states, 2)
	require.Equal(t, crawler.HostHealthy, states[0].Status)
	require.Equal(t, 1, states[0].ActiveRequests)
	require.Equal(t, crawler.HostLockedOut, states[1].Status)
	require.Equal(t, 3, states[1].ConsecutiveResets)
	require.Equal(t, epoch.Add(5*time.Minute), states[1].LockedUntil)
}
