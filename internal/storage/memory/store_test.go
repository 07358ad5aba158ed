package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/newsfrontier/internal/crawler"
)

func TestStoreTracksDeadLinks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore(2)
	gone := crawler.FetchOutcome{URL: "https://a.com/x", Host: "a.com", ErrorKind: crawler.ErrGone, Body: []byte("x")}
	require.NoError(t, s.RecordOutcome(ctx, gone))
	require.NoError(t, s.RecordOutcome(ctx, crawler.FetchOutcome{URL: "https://a.com/y", Host: "a.com", ErrorKind: crawler.ErrTimeout}))

	dead, err := s.KnownDead(ctx, "a.com")
	require.NoError(t, err)
	require.Empty(t, dead, "one failure is not enough")

	require.NoError(t, s.RecordOutcome(ctx, gone))
	dead, err = s.KnownDead(ctx, "a.com")
	require.NoError(t, err)
	require.Equal(t, []string{"https://a.com/x"}, dead)
	require.Len(t, s.Outcomes(), 3)
	require.Nil(t, s.Outcomes()[0].Body)
}

func TestStoreUpsertSignaturesKeepsFirstSeen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore(0)
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpsertSignatures(ctx, []crawler.PatternSignature{{Host: "a.com", Hash: "h1", ObservedCount: 1, FirstSeen: t0, LastSeen: t0}}))
	require.NoError(t, s.UpsertSignatures(ctx, []crawler.PatternSignature{{Host: "a.com", Hash: "h1", ObservedCount: 4, FirstSeen: t0.Add(time.Hour), LastSeen: t0.Add(time.Hour)}}))

	sigs := s.Signatures()
	require.Len(t, sigs, 1)
	require.Equal(t, 4, sigs[0].ObservedCount)
	require.Equal(t, t0, sigs[0].FirstSeen)
}

func TestStorePagesNeedingReanalysis(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore(0)
	require.NoError(t, s.RecordAnalyses(ctx, []crawler.PageAnalysis{
		{URL: "u1", Confidence: 0.9},
		{URL: "u2", Confidence: 0.2},
		{URL: "u3", Confidence: 0.4},
		{URL: "u4", Confidence: 0.1},
	}))
	refs, err := s.PagesNeedingReanalysis(ctx, 0.5, 2)
	require.NoError(t, err)
	require.Len(t, refs, 2)
	require.Equal(t, "u4", refs[0].URL)
	require.Equal(t, "u2", refs[1].URL)
}
