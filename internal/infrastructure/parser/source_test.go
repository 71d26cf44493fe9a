package parser

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"FeedTriage/internal/config"
	"FeedTriage/internal/domain"
	"FeedTriage/internal/scanner"
)

const jsonlFeed = `{"id":"n1","title":"CRISPR   delivery","url":"https://example.org/1","summary":"<p>Lipid <b>nanoparticles</b></p>","published":"2026-03-02T08:00:00Z"}
# comment line
{"title":"Undated entry","link":"https://example.org/2","description":"no date"}
not json
{"title":"Too old","url":"https://example.org/3","published_at":"2026-01-01"}
{"summary":"neither title nor link"}
`

func TestJSONLScannerFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "feed.jsonl")
	if err := os.WriteFile(path, []byte(jsonlFeed), 0o600); err != nil {
		t.Fatalf("write feed: %v", err)
	}

	sc := NewJSONLScanner(nil, nil)
	items, err := sc.Scan(context.Background(), scanner.Request{
		Since:      time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC),
		SourceName: "drop",
		Categories: []scanner.Category{{Name: "news", URL: path}},
	})
	if err != nil {
		t.Fatalf("Scan error: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d: %+v", len(items), items)
	}
	if items[0].ID != "n1" || items[0].Title != "CRISPR delivery" || items[0].SourceName != "drop/news" {
		t.Fatalf("unexpected first item: %+v", items[0])
	}
	if items[0].PublishedAt == nil || !items[0].PublishedAt.Equal(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected published time: %v", items[0].PublishedAt)
	}
	if items[1].URL != "https://example.org/2" || items[1].Summary != "no date" || items[1].PublishedAt != nil {
		t.Fatalf("unexpected second item: %+v", items[1])
	}
}

func TestJSONLScannerHTTP(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(jsonlFeed))
	}))
	defer server.Close()

	sc := NewJSONLScanner(server.Client(), nil)
	items, err := sc.Scan(context.Background(), scanner.Request{
		SourceName: "drop",
		MaxItems:   1,
		Categories: []scanner.Category{{URL: server.URL + "/feed.jsonl"}},
	})
	if err != nil {
		t.Fatalf("Scan error: %v", err)
	}
	if len(items) != 1 || items[0].SourceName != "drop" {
		t.Fatalf("unexpected items: %+v", items)
	}
}

type stubScanner struct {
	name  string
	items []domain.Item
	err   error
	reqs  []scanner.Request
}

func (s *stubScanner) Name() string { return s.name }

func (s *stubScanner) Scan(_ context.Context, req scanner.Request) ([]domain.Item, error) {
	s.reqs = append(s.reqs, req)
	return s.items, s.err
}

func TestStrategySourceFetchItems(t *testing.T) {
	t.Parallel()

	good := &stubScanner{name: "good", items: []domain.Item{
		{ID: "1", Title: "a", Summary: "<p>Hello <b>world</b> again</p>"},
		{ID: "2", Title: "b", SourceName: "custom"},
		{ID: "3", Title: "c"},
	}}
	bad := &stubScanner{name: "bad", err: errors.New("feed down")}

	reg := scanner.NewRegistry()
	reg.Register(good)
	reg.Register(bad)

	topics := []config.TopicConfig{{
		Name: "bio",
		Sources: []config.SourceConfig{
			{Name: "broken", Scanner: "bad"},
			{Name: "feed", Scanner: "good", Categories: []config.CategoryConfig{{Name: "c", URL: "u"}}},
		},
	}}
	src := NewStrategySource(reg, topics, config.PipelineConfig{MaxItemsPerFeed: 5, MaxTotalItems: 2, SummaryMaxChars: 11}, nil)

	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	items, err := src.FetchItems(context.Background(), "bio", since)
	if err != nil {
		t.Fatalf("FetchItems error: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected total cap of 2, got %d", len(items))
	}
	if items[0].SourceName != "feed" || items[1].SourceName != "custom" {
		t.Fatalf("unexpected sources: %q %q", items[0].SourceName, items[1].SourceName)
	}
	if items[0].Summary != "Hello worl…" {
		t.Fatalf("unexpected summary: %q", items[0].Summary)
	}
	if len(good.reqs) != 1 || good.reqs[0].MaxItems != 5 || !good.reqs[0].Since.Equal(since) {
		t.Fatalf("unexpected scanner request: %+v", good.reqs)
	}

	if _, err := src.FetchItems(context.Background(), "unknown", since); err == nil {
		t.Fatal("expected error for unknown topic")
	}
}

func TestStrategySourceOrdersNewestFirst(t *testing.T) {
	t.Parallel()

	day := func(d int) *time.Time {
		ts := time.Date(2026, 3, d, 12, 0, 0, 0, time.UTC)
		return &ts
	}
	first := &stubScanner{name: "first", items: []domain.Item{
		{ID: "undated-a", Title: "a"},
		{ID: "mar-02", Title: "b", PublishedAt: day(2)},
	}}
	second := &stubScanner{name: "second", items: []domain.Item{
		{ID: "mar-05", Title: "c", PublishedAt: day(5)},
		{ID: "undated-b", Title: "d"},
		{ID: "mar-03", Title: "e", PublishedAt: day(3)},
	}}

	reg := scanner.NewRegistry()
	reg.Register(first)
	reg.Register(second)

	topics := []config.TopicConfig{{Name: "bio", Sources: []config.SourceConfig{
		{Name: "one", Scanner: "first"},
		{Name: "two", Scanner: "second"},
	}}}

	src := NewStrategySource(reg, topics, config.PipelineConfig{}, nil)
	items, err := src.FetchItems(context.Background(), "bio", time.Time{})
	if err != nil {
		t.Fatalf("FetchItems error: %v", err)
	}
	var ids []string
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	want := []string{"mar-05", "mar-03", "mar-02", "undated-a", "undated-b"}
	if strings.Join(ids, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected order: %v", ids)
	}

	capped := NewStrategySource(reg, topics, config.PipelineConfig{MaxTotalItems: 2}, nil)
	items, err = capped.FetchItems(context.Background(), "bio", time.Time{})
	if err != nil {
		t.Fatalf("FetchItems error: %v", err)
	}
	if len(items) != 2 || items[0].ID != "mar-05" || items[1].ID != "mar-03" {
		t.Fatalf("cap should keep the newest items, got %+v", items)
	}
}

func TestStrategySourceAllSourcesFailed(t *testing.T) {
	t.Parallel()

	reg := scanner.NewRegistry()
	reg.Register(&stubScanner{name: "bad", err: errors.New("feed down")})

	topics := []config.TopicConfig{{Name: "bio", Sources: []config.SourceConfig{
		{Name: "one", Scanner: "bad"},
		{Name: "two", Scanner: "missing"},
	}}}
	src := NewStrategySource(reg, topics, config.PipelineConfig{}, nil)

	_, err := src.FetchItems(context.Background(), "bio", time.Time{})
	if err == nil || !strings.Contains(err.Error(), "feed down") || !strings.Contains(err.Error(), "not registered") {
		t.Fatalf("expected joined source errors, got %v", err)
	}
}

func TestPlainTextAndTruncate(t *testing.T) {
	t.Parallel()

	got := PlainText("<p>Lipid <b>nanoparticles</b> &amp; more</p><script>x()</script>")
	if got != "Lipid nanoparticles & more" {
		t.Fatalf("unexpected plain text: %q", got)
	}
	if PlainText("  already   plain ") != "already plain" {
		t.Fatal("plain text should only collapse whitespace")
	}

	if Truncate("short", 10) != "short" {
		t.Fatal("short text must not change")
	}
	if got := Truncate("abcdefghij", 5); got != "abcd…" {
		t.Fatalf("unexpected truncation: %q", got)
	}
	if got := Truncate("héllo wörld", 7); got != "héllo…" {
		t.Fatalf("unexpected rune truncation: %q", got)
	}
}
