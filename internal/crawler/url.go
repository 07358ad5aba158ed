package crawler

import (
	"fmt"
	"strings"

	whatwg "github.com/nlnwa/whatwg-url/url"
)

// NormalizeURL standardizes a URL to avoid duplicates. Parsing follows the
// WHATWG URL standard, so scheme and host are lowercased and default ports
// are dropped. Query parameters are sorted and the fragment removed.
func NormalizeURL(rawURL string) (string, error) {
	u, err := whatwg.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	switch strings.TrimSuffix(u.Protocol(), ":") {
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported scheme in %q", rawURL)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("missing host in %q", rawURL)
	}
	u.SearchParams().Sort()
	return u.Href(true), nil
}

// HostOf returns the lowercased hostname of rawURL, or "" when it does not
// parse.
func HostOf(rawURL string) string {
	u, err := whatwg.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	return u.Hostname()
}
