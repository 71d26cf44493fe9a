package redundancy

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FeedTriage/internal/domain"
	"FeedTriage/internal/infrastructure/storage"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"https://Example.org/Story?utm_source=rss&b=2&a=1#section": "https://example.org/story?a=1&b=2",
		"https://example.org/story/?UTM_Campaign=x&fbclid=abc":     "https://example.org/story",
		"  https://example.org/  ":                                 "https://example.org/",
		"not a url":                                                "not a url",
		"":                                                         "",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeURL(in), in)
	}
	assert.Equal(t,
		NormalizeURL("https://example.org/a?ref=home&id=7"),
		NormalizeURL("https://EXAMPLE.org/a?id=7&gclid=zzz"))
}

func TestNormalizeTitle(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "cafe resume alpha study", NormalizeTitle("  Café Résumé: ALPHA   study!! "))
	assert.Equal(t, "", NormalizeTitle("?!"))
}

func TestFingerprint(t *testing.T) {
	t.Parallel()

	fp := NewFingerprinter([]string{"news.google.com"})

	a := domain.Item{URL: "https://example.org/story?utm_source=x", Title: "One"}
	b := domain.Item{URL: "https://news.google.com/rss/1", ResolvedURL: "https://EXAMPLE.org/story", Title: "Different title"}
	assert.Equal(t, fp.Fingerprint(a), fp.Fingerprint(b))
	assert.Len(t, fp.Fingerprint(a), 64)

	// unresolved aggregator links fall back to the title
	c := domain.Item{URL: "https://news.google.com/rss/1", Title: "Alpha Study!"}
	d := domain.Item{URL: "https://news.google.com/rss/2", Title: "alpha   study"}
	assert.Equal(t, fp.Fingerprint(c), fp.Fingerprint(d))
	assert.NotEqual(t, fp.Fingerprint(a), fp.Fingerprint(c))

	e := domain.Item{ID: "x1"}
	f := domain.Item{ID: "x2"}
	assert.NotEqual(t, fp.Fingerprint(e), fp.Fingerprint(f))
}

func scored(title, url string, score float64) domain.ScoredItem {
	return domain.ScoredItem{
		Item:     domain.Item{ID: title, Title: title, URL: url, SourceName: "feed"},
		Judgment: domain.Judgment{ItemID: title, Score: score, Tags: []string{"t"}},
	}
}

func newTestEngine(ledger *storage.MemoryLedger, buf *bytes.Buffer, outcomes *[]string) *Engine {
	return NewEngine(ledger, EngineOptions{
		Logger: slog.New(slog.NewTextHandler(buf, nil)),
		Hooks:  Hooks{OnAppend: func(o string) { *outcomes = append(*outcomes, o) }},
		Now:    func() time.Time { return time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC) },
	})
}

func TestEngineRecordIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var buf bytes.Buffer
	var outcomes []string
	ledger := storage.NewMemoryLedger()
	engine := newTestEngine(ledger, &buf, &outcomes)

	items := []domain.ScoredItem{
		scored("Alpha", "https://a/1", 0.9),
		scored("Gamma", "https://a/3", 0.7),
	}
	for i := range items {
		items[i].Item.Fingerprint = engine.Fingerprint(items[i].Item)
	}

	idx, err := engine.Load(ctx, "bio")
	require.NoError(t, err)
	for _, si := range items {
		assert.False(t, idx.IsRedundant(si.Item))
	}

	summary, err := engine.Record(ctx, "bio", "run-1", items)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Created)

	idx, err = engine.Load(ctx, "bio")
	require.NoError(t, err)
	assert.Equal(t, 2, idx.Len())
	for _, si := range items {
		assert.True(t, idx.IsRedundant(si.Item))
	}

	summary, err = engine.Record(ctx, "bio", "run-2", items)
	require.NoError(t, err)
	assert.Zero(t, summary.Created)
	assert.Equal(t, 2, summary.Duplicates)
	assert.Empty(t, summary.Conflicts)

	records, err := engine.Records(ctx, "bio")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "run-1", records[0].FirstSeenRunID)
	assert.Equal(t, []string{OutcomeCreated, OutcomeCreated, OutcomeDuplicate, OutcomeDuplicate}, outcomes)
}

func TestEngineRecordConflictKeepsFirstSeen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	ledger := storage.NewMemoryLedger(domain.RedundancyRecord{
		Fingerprint:    "F",
		Topic:          "bio",
		FirstSeenRunID: "run-0",
		CanonicalTitle: "Alpha",
		CanonicalURL:   "https://u1",
	})
	var buf bytes.Buffer
	var outcomes []string
	engine := newTestEngine(ledger, &buf, &outcomes)

	incoming := scored("Alpha", "https://u2", 0.8)
	incoming.Item.Fingerprint = "F"
	fresh := scored("Beta", "https://b", 0.9)

	summary, err := engine.Record(ctx, "bio", "run-1", []domain.ScoredItem{incoming, fresh})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Created)
	require.Len(t, summary.Conflicts, 1)
	assert.ErrorIs(t, summary.Conflicts[0], domain.ErrLedgerConflict)
	assert.Equal(t, "https://u1", summary.Conflicts[0].ExistingURL)
	assert.Equal(t, "https://u2", summary.Conflicts[0].IncomingURL)
	assert.Contains(t, buf.String(), "ledger conflict")

	records, err := ledger.ListRecords(ctx, "bio")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "https://u1", records[0].CanonicalURL)
	assert.Equal(t, "run-0", records[0].FirstSeenRunID)
	assert.Contains(t, outcomes, OutcomeConflict)
}

func TestEngineClearAndLinkRows(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var buf bytes.Buffer
	var outcomes []string
	engine := newTestEngine(storage.NewMemoryLedger(), &buf, &outcomes)

	_, err := engine.Record(ctx, "bio", "run-1", []domain.ScoredItem{scored("Alpha Study", "https://a/1", 0.9)})
	require.NoError(t, err)

	rows, err := engine.LinkRows(ctx, "bio")
	require.NoError(t, err)
	assert.Equal(t, []LinkRow{{Title: "Alpha Study", URL: "https://a/1"}}, rows)

	n, err := engine.Clear(ctx, "bio")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rows, err = engine.LinkRows(ctx, "bio")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestCanonicalizeLink(t *testing.T) {
	t.Parallel()

	rows := []LinkRow{{Title: "Alpha Study", URL: "https://a/1"}}
	assert.Equal(t, "https://a/1", CanonicalizeLink("Alpha Study", "https://stale", rows))
	assert.Equal(t, "https://a/1", CanonicalizeLink("alpha study.", "https://stale", rows))
	assert.Equal(t, "https://stale", CanonicalizeLink("Beta", "https://stale", rows))

	ambiguous := []LinkRow{
		{Title: "Alpha Study", URL: "https://a/1"},
		{Title: "alpha  study!", URL: "https://a/2"},
	}
	assert.Equal(t, "https://stale", CanonicalizeLink("ALPHA STUDY", "https://stale", ambiguous))
	// the exact match is unique even though the normalized one is not
	assert.Equal(t, "https://a/1", CanonicalizeLink("Alpha Study", "https://stale", ambiguous))

	duplicated := []LinkRow{
		{Title: "Alpha Study", URL: "https://a/1"},
		{Title: "Alpha Study", URL: "https://a/2"},
	}
	assert.Equal(t, "https://stale", CanonicalizeLink("Alpha Study", "https://stale", duplicated))

	invalid := []LinkRow{{Title: "Alpha Study", URL: "/relative"}}
	assert.Equal(t, "https://stale", CanonicalizeLink("Alpha Study", "https://stale", invalid))
}

func TestRelinkHeadings(t *testing.T) {
	t.Parallel()

	rows := []LinkRow{
		{Title: "Alpha Study", URL: "https://a/1"},
		{Title: "Beta Trial", URL: "https://b/1"},
		{Title: "Gamma", URL: "https://g/1"},
		{Title: "gamma!", URL: "https://g/2"},
		{Title: "Delta", URL: "ftp://d/1"},
	}
	md := "# Weekly\n\n" +
		"## [Alpha Study](https://stale/alpha)\n" +
		"Body with [Alpha Study](https://stale/alpha) inline.\n\n" +
		"## [beta trial](https://stale/beta)\n" +
		"## [GAMMA](https://keep/g)\n" +
		"## [Delta](https://keep/d)\n" +
		"## [Unknown](https://keep/u)\n" +
		"## [Beta Trial](https://b/1)\n"

	out, stats := RelinkHeadings(md, rows)

	assert.Contains(t, out, "## [Alpha Study](https://a/1)\n")
	assert.Contains(t, out, "Body with [Alpha Study](https://stale/alpha) inline.")
	assert.Contains(t, out, "## [beta trial](https://b/1)\n")
	assert.Contains(t, out, "## [GAMMA](https://keep/g)\n")
	assert.Contains(t, out, "## [Delta](https://keep/d)\n")
	assert.Contains(t, out, "## [Unknown](https://keep/u)\n")

	assert.Equal(t, RelinkStats{
		Exact:      2,
		Normalized: 1,
		Ambiguous:  1,
		Missing:    1,
		InvalidURL: 1,
		Unchanged:  4,
	}, stats)
}
