package retry

import (
	"context"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/JakeFAU/newsfrontier/internal/crawler"
)

// Decision is the classifier's verdict on one attempt.
type Decision struct {
	Kind      crawler.ErrorKind
	Retryable bool
	// Delay is the server-requested wait (Retry-After), zero when absent.
	Delay time.Duration

	status int
}

// Blocking reports whether the attempt looks like transport-level blocking
// of automated clients.
func (d Decision) Blocking() bool {
	return d.Kind == crawler.ErrConnectionReset || d.Kind == crawler.ErrBlocked ||
		d.Kind == crawler.ErrRetryableStatus && d.status == http.StatusTooManyRequests
}

// HeaderGetter is the accessor style of header container (http.Header).
type HeaderGetter interface {
	Get(key string) string
}

// Classify maps a fetch error and/or response onto an error kind. resp may
// be nil when the request never produced a status.
func (c *Coordinator) Classify(err error, resp *crawler.FetchResponse) Decision {
	if err != nil {
		d := classifyError(err)
		if resp != nil && resp.StatusCode > 0 && d.Kind == crawler.ErrUnknown {
			return c.classifyStatus(resp.StatusCode, resp.Headers)
		}
		return d
	}
	if resp == nil {
		return Decision{Kind: crawler.ErrUnknown, Retryable: true}
	}
	return c.classifyStatus(resp.StatusCode, resp.Headers)
}

func (c *Coordinator) classifyStatus(status int, headers http.Header) Decision {
	switch {
	case status >= 200 && status < 400:
		return Decision{Kind: crawler.ErrNone, status: status}
	case status == http.StatusNotFound:
		return Decision{Kind: crawler.ErrNotFound, status: status}
	case status == http.StatusGone:
		return Decision{Kind: crawler.ErrGone, status: status}
	case c.retryableStatus(status):
		d := Decision{Kind: crawler.ErrRetryableStatus, Retryable: true, status: status}
		if delay, ok := RetryAfter(headers, c.now()); ok {
			d.Delay = delay
		}
		return d
	case status == http.StatusForbidden:
		return Decision{Kind: crawler.ErrBlocked, Retryable: true, status: status}
	case status >= 500:
		return Decision{Kind: crawler.ErrServerError, status: status}
	default:
		return Decision{Kind: crawler.ErrClientError, status: status}
	}
}

func classifyError(err error) Decision {
	switch {
	case errors.Is(err, context.Canceled):
		return Decision{Kind: crawler.ErrCanceled}
	case errors.Is(err, crawler.ErrDisallowed):
		return Decision{Kind: crawler.ErrClientError}
	case errors.Is(err, context.DeadlineExceeded):
		return Decision{Kind: crawler.ErrTimeout, Retryable: true}
	case isConnectionReset(err):
		return Decision{Kind: crawler.ErrConnectionReset, Retryable: true}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Decision{Kind: crawler.ErrTimeout, Retryable: true}
	}
	return Decision{Kind: crawler.ErrUnknown, Retryable: true}
}

func isConnectionReset(err error) bool {
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") || strings.Contains(msg, "broken pipe")
}

// RetryAfter extracts a Retry-After delay from headers, which may be an
// http.Header (or any HeaderGetter), a map[string]string or a
// map[string][]string. Lookup is case-insensitive and both delta-seconds and
// HTTP-date forms are accepted. Dates in the past yield zero.
func RetryAfter(headers any, now time.Time) (time.Duration, bool) {
	raw := ""
	switch h := headers.(type) {
	case nil:
		return 0, false
	case http.Header:
		raw = h.Get("Retry-After")
	case map[string]string:
		raw = lookupFold(h)
	case map[string][]string:
		for k, v := range h {
			if strings.EqualFold(k, "Retry-After") && len(v) > 0 {
				raw = v[0]
				break
			}
		}
	case HeaderGetter:
		raw = h.Get("Retry-After")
	default:
		return 0, false
	}
	return parseRetryAfter(raw, now)
}

func lookupFold(h map[string]string) string {
	if v, ok := h["Retry-After"]; ok {
		return v
	}
	for k, v := range h {
		if strings.EqualFold(k, "Retry-After") {
			return v
		}
	}
	return ""
}

// maxRetryAfterSecs is the largest delay-seconds value a time.Duration holds.
const maxRetryAfterSecs = int64(math.MaxInt64 / int64(time.Second))

func parseRetryAfter(raw string, now time.Time) (time.Duration, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if secs < 0 {
			return 0, false
		}
		secs = min(secs, maxRetryAfterSecs)
		return time.Duration(secs) * time.Second, true
	}
	at, err := http.ParseTime(raw)
	if err != nil {
		return 0, false
	}
	if d := at.Sub(now); d > 0 {
		return d, true
	}
	return 0, true
}
