// Package detector recognizes responses that a plain HTTP client cannot use:
// anti-bot challenge interstitials and JavaScript-only shells.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/JakeFAU/newsfrontier/internal/crawler"
)

// Heuristic implements a handful of rule-based checks.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic creates a new detector.
func NewHeuristic(threshold int) *Heuristic {
	if threshold == 0 {
		threshold = 2048
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
}

var challengeMarkers = []string{
	"cf-chl-",
	"challenge-platform",
	"just a moment...",
	"attention required! | cloudflare",
	"checking your browser before accessing",
	"ddos-guard",
	"px-captcha",
	"_incapsula_resource",
	"please enable js and disable any ad blocker",
}

var challengeHeaders = []string{"Cf-Mitigated", "X-Datadome", "X-Px-Block"}

// Challenge reports whether resp is an anti-bot interstitial rather than the
// requested page. Such pages often come back with 200, 403 or 503.
func (h *Heuristic) Challenge(resp crawler.FetchResponse) bool {
	switch resp.StatusCode {
	case http.StatusOK, http.StatusForbidden, http.StatusTooManyRequests, http.StatusServiceUnavailable:
	default:
		return false
	}
	for _, name := range challengeHeaders {
		if resp.Headers.Get(name) != "" {
			return true
		}
	}
	// Interstitials are small; full articles that merely mention the
	// phrases are not.
	if len(resp.Body) == 0 || len(resp.Body) > 64*1024 {
		return false
	}
	lower := strings.ToLower(string(resp.Body))
	for _, marker := range challengeMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// ShouldPromote reports whether a 200 response is a JavaScript shell whose
// content only appears after rendering.
func (h *Heuristic) ShouldPromote(resp crawler.FetchResponse) bool {
	if resp.StatusCode != http.StatusOK {
		return false
	}
	body := resp.Body
	if len(body) == 0 {
		return true
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(body) {
		return true
	}
	if len(body) >= h.BodyLengthThreshold {
		return false
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	scriptCoverage := 0
	searchPos := 0

	for {
		relativeStart := strings.Index(lower[searchPos:], openTag)
		if relativeStart == -1 {
			break
		}
		start := searchPos + relativeStart

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			// Malformed tag; count the rest of the document.
			scriptCoverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		relativeEnd := strings.Index(lower[contentStart:], closeTag)
		nextSearch := total
		if relativeEnd != -1 {
			nextSearch = contentStart + relativeEnd + len(closeTag)
		}

		scriptCoverage += nextSearch - start
		searchPos = nextSearch
	}

	return scriptCoverage > 0 && scriptCoverage*100/total >= 25
}
