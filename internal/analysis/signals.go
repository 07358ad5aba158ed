package analysis

import (
	"math"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/newsfrontier/internal/crawler"
)

type signals struct {
	ogType   string
	articles int
	times    int
	links    int
	textLen  int
}

func collectSignals(doc *goquery.Document) signals {
	sig := signals{
		ogType:   strings.ToLower(strings.TrimSpace(doc.Find(`meta[property="og:type"]`).AttrOr("content", ""))),
		articles: doc.Find("article").Length(),
		times:    doc.Find("time").Length(),
		links:    doc.Find("a[href]").Length(),
	}
	doc.Find("p").Each(func(_ int, p *goquery.Selection) {
		sig.textLen += len(strings.TrimSpace(p.Text()))
	})
	return sig
}

// score weighs article evidence against hub evidence. The URL shape acts as
// a weak prior.
func score(sig signals, urlKind crawler.EntryKind) (crawler.EntryKind, float64) {
	var article, hub float64
	if sig.ogType == "article" {
		article += 0.35
	}
	switch {
	case sig.articles == 1:
		article += 0.15
	case sig.articles >= 3:
		hub += 0.25
	}
	switch {
	case sig.times == 1:
		article += 0.1
	case sig.times >= 3:
		hub += 0.15
	}
	switch {
	case sig.textLen >= 1500:
		article += 0.25
	case sig.textLen < 500:
		hub += 0.1
	}
	if sig.links >= 40 {
		hub += 0.3
	}
	switch urlKind {
	case crawler.KindArticle:
		article += 0.15
	case crawler.KindHub, crawler.KindPagination:
		hub += 0.15
	}

	switch {
	case article == 0 && hub == 0:
		return crawler.KindOther, 0.1
	case article > hub:
		return crawler.KindArticle, round(clamp(article - hub/2))
	default:
		kind := crawler.KindHub
		if urlKind == crawler.KindPagination {
			kind = crawler.KindPagination
		}
		return kind, round(clamp(hub - article/2))
	}
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func round(v float64) float64 {
	return math.Round(v*1000) / 1000
}
