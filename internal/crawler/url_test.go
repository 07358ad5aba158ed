package crawler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "lowercases host", in: "https://EXAMPLE.com/News", want: "https://example.com/News"},
		{name: "drops default port", in: "http://example.com:80/a", want: "http://example.com/a"},
		{name: "drops fragment", in: "https://example.com/a#top", want: "https://example.com/a"},
		{name: "sorts query", in: "https://example.com/a?b=2&a=1", want: "https://example.com/a?a=1&b=2"},
		{name: "adds root path", in: "https://example.com", want: "https://example.com/"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := NormalizeURL(tc.in)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestNormalizeURLRejectsNonHTTP(t *testing.T) {
	t.Parallel()

	_, err := NormalizeURL("mailto:desk@example.com")
	require.Error(t, err)
	_, err = NormalizeURL("ftp://example.com/file")
	require.Error(t, err)
}

func TestHostOf(t *testing.T) {
	t.Parallel()

	require.Equal(t, "news.example.com", HostOf("https://News.Example.com:8443/x"))
	require.Empty(t, HostOf("::not a url"))
}

func TestClassifyURL(t *testing.T) {
	t.Parallel()

	tests := map[string]EntryKind{
		"https://example.com/":                                 KindHub,
		"https://example.com/world":                            KindHub,
		"https://example.com/world?page=3":                     KindPagination,
		"https://example.com/world/page/2":                     KindPagination,
		"https://example.com/2024/05/election-results":         KindArticle,
		"https://example.com/politics/senate-passes-new-bill":  KindArticle,
		"https://example.com/story-1234567":                    KindArticle,
		"https://example.com/static/app.js":                    KindOther,
		"https://example.com/help/contact.html":                KindOther,
		"https://example.com/topics/climate":                   KindHub,
	}
	for raw, want := range tests {
		require.Equal(t, want, ClassifyURL(raw), raw)
	}
}

func TestGeographyLinked(t *testing.T) {
	t.Parallel()

	require.True(t, GeographyLinked("https://example.com/world/africa"))
	require.True(t, GeographyLinked("https://example.com/news/uk/2024/05/x"))
	require.False(t, GeographyLinked("https://example.com/sport/football"))
}
