package crawler

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

var (
	datePathPattern = regexp.MustCompile(`/(19|20)\d{2}/(0?[1-9]|1[0-2])(/|$)`)
	pagePathPattern = regexp.MustCompile(`/page/\d+/?$`)
	slugPattern     = regexp.MustCompile(`[a-z0-9]+(-[a-z0-9]+){3,}`)
	articleIDSuffix = regexp.MustCompile(`[-_/]\d{5,}(\.html?)?$`)
)

var hubSegments = map[string]struct{}{
	"world": {}, "news": {}, "section": {}, "sections": {}, "category": {},
	"categories": {}, "topic": {}, "topics": {}, "tag": {}, "tags": {},
	"region": {}, "regions": {}, "latest": {}, "archive": {}, "archives": {},
}

// geoSegments is a deliberately small gazetteer; richer geographic
// enrichment belongs to the analysis collaborator.
var geoSegments = map[string]struct{}{
	"world": {}, "africa": {}, "asia": {}, "europe": {}, "americas": {},
	"middle-east": {}, "middleeast": {}, "oceania": {}, "australia": {},
	"latin-america": {}, "us": {}, "usa": {}, "uk": {}, "canada": {},
	"china": {}, "india": {}, "japan": {}, "germany": {}, "france": {},
	"brazil": {}, "mexico": {}, "russia": {}, "ukraine": {}, "nigeria": {},
	"kenya": {}, "south-africa": {}, "region": {}, "regions": {}, "country": {},
	"local": {}, "national": {}, "international": {},
}

// ClassifyURL guesses the entry kind of a URL from its shape alone.
func ClassifyURL(rawURL string) EntryKind {
	u, err := url.Parse(rawURL)
	if err != nil {
		return KindOther
	}
	path := strings.ToLower(u.EscapedPath())
	q := u.Query()
	if p := q.Get("page"); p != "" {
		if n, err := strconv.Atoi(p); err == nil && n > 1 {
			return KindPagination
		}
	}
	if pagePathPattern.MatchString(path) {
		return KindPagination
	}
	if datePathPattern.MatchString(path) || articleIDSuffix.MatchString(path) {
		return KindArticle
	}
	segments := pathSegments(path)
	if len(segments) > 0 && slugPattern.MatchString(segments[len(segments)-1]) {
		return KindArticle
	}
	if len(segments) == 0 {
		return KindHub
	}
	for _, seg := range segments {
		if _, ok := hubSegments[seg]; ok {
			return KindHub
		}
		if _, ok := geoSegments[seg]; ok {
			return KindHub
		}
	}
	if len(segments) == 1 && !strings.Contains(segments[0], ".") {
		return KindHub
	}
	return KindOther
}

// GeographyLinked reports whether any path segment names a place.
func GeographyLinked(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	for _, seg := range pathSegments(strings.ToLower(u.EscapedPath())) {
		if _, ok := geoSegments[seg]; ok {
			return true
		}
	}
	return false
}

func pathSegments(path string) []string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
