package detector

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/newsfrontier/internal/crawler"
)

func TestHeuristicShouldPromote(t *testing.T) {
	t.Parallel()

	article := "<html><body>" + strings.Repeat("<p>paragraph</p>", 300) + "<div id=\"root\"></div></body></html>"
	cases := []struct {
		name      string
		threshold int
		resp      crawler.FetchResponse
		want      bool
	}{
		{"empty body", 100, crawler.FetchResponse{StatusCode: 200}, true},
		{"spa marker", 100, crawler.FetchResponse{StatusCode: 200, Body: []byte(`<div id="__next"></div>`)}, true},
		{"script heavy", 1000, crawler.FetchResponse{StatusCode: 200, Body: []byte(`<html><script>var a=1;</script><p>t</p></html>`)}, true},
		{"large article with marker", 2048, crawler.FetchResponse{StatusCode: 200, Body: []byte(article)}, false},
		{"non 200", 100, crawler.FetchResponse{StatusCode: 404}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, NewHeuristic(tc.threshold).ShouldPromote(tc.resp))
		})
	}
}

func TestHeuristicChallenge(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(0)
	cases := []struct {
		name string
		resp crawler.FetchResponse
		want bool
	}{
		{"cloudflare interstitial", crawler.FetchResponse{StatusCode: 403, Body: []byte("<title>Just a moment...</title>")}, true},
		{"mitigation header", crawler.FetchResponse{StatusCode: 200, Headers: http.Header{"Cf-Mitigated": {"challenge"}}, Body: []byte("x")}, true},
		{"captcha on 200", crawler.FetchResponse{StatusCode: 200, Body: []byte(`<div id="px-captcha"></div>`)}, true},
		{"plain page", crawler.FetchResponse{StatusCode: 200, Body: []byte("<p>news</p>")}, false},
		{"not found", crawler.FetchResponse{StatusCode: 404, Body: []byte("Just a moment...")}, false},
		{"large body", crawler.FetchResponse{StatusCode: 200, Body: []byte(strings.Repeat("a", 70*1024) + "just a moment...")}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, h.Challenge(tc.resp))
		})
	}
}
