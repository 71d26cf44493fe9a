package parser

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"FeedTriage/internal/domain"
	"FeedTriage/internal/logging"
	"FeedTriage/internal/scanner"
)

const maxJSONLLine = 1 << 20

// JSONLScanner reads newline-delimited JSON entries from a local file or an
// http(s) URL. Collectors that already fetched a feed drop their output here.
type JSONLScanner struct {
	client *http.Client
	logger *slog.Logger
}

type jsonlEntry struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	URL         string `json:"url"`
	Link        string `json:"link"`
	Summary     string `json:"summary"`
	Description string `json:"description"`
	Published   string `json:"published"`
	PublishedAt string `json:"published_at"`
	Source      string `json:"source"`
}

// NewJSONLScanner wires an HTTP client used for remote files.
func NewJSONLScanner(client *http.Client, logger *slog.Logger) *JSONLScanner {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	return &JSONLScanner{client: client, logger: logging.OrDiscard(logger)}
}

// Name identifies the strategy inside the registry.
func (j *JSONLScanner) Name() string {
	return "jsonl"
}

// Scan reads every category location. Entries published before req.Since are
// skipped; undated entries are kept.
func (j *JSONLScanner) Scan(ctx context.Context, req scanner.Request) ([]domain.Item, error) {
	if len(req.Categories) == 0 {
		return nil, fmt.Errorf("no categories provided for source %s", req.SourceName)
	}

	var results []domain.Item
	for _, cat := range req.Categories {
		items, err := j.scanLocation(ctx, cat, req)
		if err != nil {
			return nil, fmt.Errorf("category %s: %w", cat.Name, err)
		}
		results = append(results, items...)
	}
	return results, nil
}

func (j *JSONLScanner) scanLocation(ctx context.Context, cat scanner.Category, req scanner.Request) ([]domain.Item, error) {
	body, err := j.open(ctx, cat.URL)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	source := req.SourceName
	if cat.Name != "" {
		source = fmt.Sprintf("%s/%s", req.SourceName, cat.Name)
	}

	var items []domain.Item
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), maxJSONLLine)
	for line := 1; sc.Scan(); line++ {
		raw := strings.TrimSpace(sc.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		var entry jsonlEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			j.logger.Warn("skip malformed jsonl entry", "location", cat.URL, "line", line, "error", err)
			continue
		}
		item, ok := entry.item(source)
		if !ok {
			continue
		}
		if item.PublishedAt != nil && item.PublishedAt.Before(req.Since) {
			continue
		}
		items = append(items, item)
		if req.MaxItems > 0 && len(items) >= req.MaxItems {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", cat.URL, err)
	}
	return items, nil
}

func (j *JSONLScanner) open(ctx context.Context, location string) (io.ReadCloser, error) {
	if !strings.HasPrefix(location, "http://") && !strings.HasPrefix(location, "https://") {
		f, err := os.Open(strings.TrimPrefix(location, "file://"))
		if err != nil {
			return nil, fmt.Errorf("open jsonl file: %w", err)
		}
		return f, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := j.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request jsonl: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("jsonl location returned %s", resp.Status)
	}
	return resp.Body, nil
}

func (e jsonlEntry) item(source string) (domain.Item, bool) {
	link := strings.TrimSpace(e.URL)
	if link == "" {
		link = strings.TrimSpace(e.Link)
	}
	title := collapseSpace(e.Title)
	if link == "" && title == "" {
		return domain.Item{}, false
	}

	summary := e.Summary
	if summary == "" {
		summary = e.Description
	}

	if e.Source != "" {
		source = e.Source
	}

	published := e.PublishedAt
	if published == "" {
		published = e.Published
	}

	return domain.Item{
		ID:          strings.TrimSpace(e.ID),
		Title:       title,
		URL:         link,
		Summary:     summary,
		SourceName:  source,
		PublishedAt: parsePublished(published),
	}, true
}

var publishedLayouts = []string{
	time.RFC3339,
	time.RFC1123Z,
	time.RFC1123,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parsePublished(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range publishedLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			utc := t.UTC()
			return &utc
		}
	}
	return nil
}
