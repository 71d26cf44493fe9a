package parser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"FeedTriage/internal/config"
	"FeedTriage/internal/domain"
	"FeedTriage/internal/logging"
	"FeedTriage/internal/ports"
	"FeedTriage/internal/scanner"
)

// StrategySource implements ItemSource via registered scanner strategies.
type StrategySource struct {
	registry   *scanner.Registry
	topics     []config.TopicConfig
	maxPerFeed int
	maxTotal   int
	summaryMax int
	logger     *slog.Logger
}

var _ ports.ItemSource = (*StrategySource)(nil)

// NewStrategySource wires the scanner registry with config-defined topics.
func NewStrategySource(reg *scanner.Registry, topics []config.TopicConfig, limits config.PipelineConfig, log *slog.Logger) *StrategySource {
	return &StrategySource{
		registry:   reg,
		topics:     topics,
		maxPerFeed: limits.MaxItemsPerFeed,
		maxTotal:   limits.MaxTotalItems,
		summaryMax: limits.SummaryMaxChars,
		logger:     logging.OrDiscard(log),
	}
}

// FetchItems runs the scanners of every source of topic and cleans item
// summaries. Items come back newest first, undated ones last, and the
// total cap applies after that ordering. A failing source is logged and skipped; the call only fails when
// every source failed.
func (s *StrategySource) FetchItems(ctx context.Context, topic string, since time.Time) ([]domain.Item, error) {
	if s.registry == nil {
		return nil, fmt.Errorf("scanner registry is not configured")
	}

	var cfg *config.TopicConfig
	for i := range s.topics {
		if s.topics[i].Name == topic {
			cfg = &s.topics[i]
			break
		}
	}
	if cfg == nil {
		return nil, fmt.Errorf("topic %q is not configured", topic)
	}

	s.logger.Debug("fetch items", "topic", topic, "sources", len(cfg.Sources), "since", since.Format(time.DateOnly))

	var (
		aggregated []domain.Item
		failures   []error
	)
	for _, src := range cfg.Sources {
		results, err := s.scanSource(ctx, src, since)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.logger.Warn("source failed", "topic", topic, "source", src.Name, "error", err)
			failures = append(failures, err)
			continue
		}
		s.logger.Debug("source produced items", "source", src.Name, "count", len(results))
		aggregated = append(aggregated, results...)
	}

	if len(cfg.Sources) > 0 && len(failures) == len(cfg.Sources) {
		return nil, fmt.Errorf("all sources failed: %w", errors.Join(failures...))
	}

	sortNewestFirst(aggregated)
	if s.maxTotal > 0 && len(aggregated) > s.maxTotal {
		s.logger.Info("item cap reached", "topic", topic, "max_total", s.maxTotal, "dropped", len(aggregated)-s.maxTotal)
		aggregated = aggregated[:s.maxTotal]
	}

	s.logger.Debug("strategy source done", "topic", topic, "total_items", len(aggregated))
	return aggregated, nil
}

func (s *StrategySource) scanSource(ctx context.Context, src config.SourceConfig, since time.Time) ([]domain.Item, error) {
	strategy, err := s.registry.Resolve(src.Scanner)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", src.Name, err)
	}

	req := scanner.Request{
		Since:      since,
		SourceName: src.Name,
		Options:    src.Options,
		Categories: toScannerCategories(src.Categories),
		MaxItems:   s.maxPerFeed,
	}

	results, err := strategy.Scan(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("scan source %s: %w", src.Name, err)
	}
	for i := range results {
		if results[i].SourceName == "" {
			results[i].SourceName = src.Name
		}
		results[i].Summary = Truncate(PlainText(results[i].Summary), s.summaryMax)
	}
	return results, nil
}

func toScannerCategories(cfg []config.CategoryConfig) []scanner.Category {
	categories := make([]scanner.Category, 0, len(cfg))
	for _, cat := range cfg {
		categories = append(categories, scanner.Category{
			Name: cat.Name,
			URL:  cat.URL,
		})
	}
	return categories
}

// sortNewestFirst orders items by publication time, newest first. Undated
// items go last; ties keep source order.
func sortNewestFirst(items []domain.Item) {
	slices.SortStableFunc(items, func(a, b domain.Item) int {
		switch {
		case a.PublishedAt == nil && b.PublishedAt == nil:
			return 0
		case a.PublishedAt == nil:
			return 1
		case b.PublishedAt == nil:
			return -1
		}
		return b.PublishedAt.Compare(*a.PublishedAt)
	})
}
