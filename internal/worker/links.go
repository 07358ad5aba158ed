package worker

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/newsfrontier/internal/crawler"
)

// skippedSchemes never lead to crawlable pages.
var skippedSchemes = []string{"javascript:", "mailto:", "tel:", "sms:", "ftp:", "data:"}

// ExtractLinks returns the normalized, deduplicated http(s) links of an
// HTML document in document order. Anchors and rel=next/prev links count;
// relative links resolve against base.
func ExtractLinks(body []byte, base string) []string {
	if len(body) == 0 {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if u, err := baseURL.Parse(strings.TrimSpace(href)); err == nil {
			baseURL = u
		}
	}

	seen := make(map[string]struct{})
	var out []string
	add := func(href string) {
		resolved := resolve(baseURL, href)
		if resolved == "" {
			return
		}
		if _, dup := seen[resolved]; dup {
			return
		}
		seen[resolved] = struct{}{}
		out = append(out, resolved)
	}
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		if rel := strings.ToLower(s.AttrOr("rel", "")); strings.Contains(rel, "nofollow") {
			return
		}
		add(s.AttrOr("href", ""))
	})
	doc.Find(`link[rel="next"], link[rel="prev"]`).Each(func(_ int, s *goquery.Selection) {
		add(s.AttrOr("href", ""))
	})
	return out
}

func resolve(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return ""
	}
	lower := strings.ToLower(href)
	for _, scheme := range skippedSchemes {
		if strings.HasPrefix(lower, scheme) {
			return ""
		}
	}
	u, err := base.Parse(href)
	if err != nil {
		return ""
	}
	normalized, err := crawler.NormalizeURL(u.String())
	if err != nil {
		return ""
	}
	return normalized
}
