package parser

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"FeedTriage/internal/domain"
	"FeedTriage/internal/logging"
	"FeedTriage/internal/scanner"
)

const (
	arxivBaseURL = "https://arxiv.org"
	userAgent    = "FeedTriage/1.0"
)

var dateExpr = regexp.MustCompile(`\d{1,2} [A-Za-z]{3} \d{4}`)

// ArxivScanner crawls category listing pages and extracts entries inside the lookback window.
type ArxivScanner struct {
	client   *http.Client
	pageSize int
	logger   *slog.Logger
}

// NewArxivScanner wires an HTTP client; pageSize defaults to 200.
func NewArxivScanner(client *http.Client, logger *slog.Logger) *ArxivScanner {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	return &ArxivScanner{client: client, pageSize: 200, logger: logging.OrDiscard(logger)}
}

// Name identifies the strategy inside the registry.
func (a *ArxivScanner) Name() string {
	return "arxiv"
}

// Scan walks through each category URL and returns the entries published since req.Since.
func (a *ArxivScanner) Scan(ctx context.Context, req scanner.Request) ([]domain.Item, error) {
	if len(req.Categories) == 0 {
		return nil, fmt.Errorf("no categories provided for source %s", req.SourceName)
	}

	sinceDay := req.Since.UTC().Truncate(24 * time.Hour)
	results := make([]domain.Item, 0)
	seen := map[string]struct{}{}

	for _, cat := range req.Categories {
		taken := 0
		skip := 0
		for {
			pageURL, err := buildPageURL(cat.URL, skip, a.pageSize)
			if err != nil {
				return nil, fmt.Errorf("category %s: %w", cat.Name, err)
			}

			doc, err := a.fetchDocument(ctx, pageURL)
			if err != nil {
				return nil, fmt.Errorf("category %s: %w", cat.Name, err)
			}

			pageItems, shouldContinue := a.extractItems(doc, sinceDay, req.SourceName, cat.Name)
			for _, item := range pageItems {
				if _, ok := seen[item.ID]; ok {
					continue
				}
				if req.MaxItems > 0 && taken >= req.MaxItems {
					shouldContinue = false
					break
				}
				seen[item.ID] = struct{}{}
				results = append(results, item)
				taken++
			}

			if !shouldContinue {
				break
			}
			skip += a.pageSize
		}
		a.logger.Debug("category scanned", "source", req.SourceName, "category", cat.Name, "items", taken)
	}

	return results, nil
}

func (a *ArxivScanner) fetchDocument(ctx context.Context, pageURL string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("arxiv returned %s", resp.Status)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}

	return doc, nil
}

func (a *ArxivScanner) extractItems(doc *goquery.Document, sinceDay time.Time, sourceName, category string) ([]domain.Item, bool) {
	var (
		collected    []domain.Item
		continueScan = true
		processed    int
	)

	doc.Find("dl > dt").EachWithBreak(func(i int, dt *goquery.Selection) bool {
		dd := dt.Next()
		processed++

		item, ok := parseEntry(dt, dd, sourceName, category)
		if !ok {
			return true
		}

		day := item.PublishedAt.UTC().Truncate(24 * time.Hour)
		if day.Before(sinceDay) {
			continueScan = false
			return false
		}
		collected = append(collected, item)
		return true
	})

	if processed < a.pageSize {
		continueScan = false
	}

	return collected, continueScan
}

// parseEntry turns one dt/dd pair of a listing page into an item. Entries
// without a link or a title are skipped.
func parseEntry(dt, dd *goquery.Selection, sourceName, category string) (domain.Item, bool) {
	anchor := dt.Find("a[href*=\"/abs/\"]").First()

	id := strings.TrimSpace(anchor.Text())
	href, _ := anchor.Attr("href")
	if id == "" {
		id = strings.TrimPrefix(href, "/abs/")
	}
	if href == "" {
		return domain.Item{}, false
	}
	if !strings.HasPrefix(href, "http") {
		href = strings.TrimSuffix(arxivBaseURL, "/") + href
	}

	title := strings.TrimSpace(dd.Find(".list-title").First().Text())
	title = strings.TrimSpace(strings.TrimPrefix(title, "Title:"))
	if title == "" {
		return domain.Item{}, false
	}

	summary := dd.Find("p.mathjax").First().Text()
	summary = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(summary), "Abstract:"))

	dateText := strings.TrimSpace(dd.Find(".list-date").First().Text())
	if dateText == "" {
		dateText = strings.TrimSpace(dd.Find(".list-dateline").First().Text())
	}

	var publishedAt *time.Time
	if match := dateExpr.FindString(dateText); match != "" {
		if parsed, err := time.Parse("2 Jan 2006", match); err == nil {
			publishedAt = &parsed
		}
	}
	if publishedAt == nil {
		now := time.Now().UTC()
		publishedAt = &now
	}

	if id == "" {
		id = href
	}

	source := sourceName
	if category != "" {
		source = fmt.Sprintf("%s/%s", sourceName, category)
	}

	return domain.Item{
		ID:          id,
		Title:       collapseSpace(title),
		Summary:     collapseSpace(summary),
		URL:         href,
		SourceName:  source,
		PublishedAt: publishedAt,
	}, true
}

func buildPageURL(base string, skip, pageSize int) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid category url %s: %w", base, err)
	}

	query := parsed.Query()
	query.Set("skip", strconv.Itoa(skip))
	query.Set("show", strconv.Itoa(pageSize))
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}
