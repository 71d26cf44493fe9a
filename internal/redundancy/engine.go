package redundancy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"FeedTriage/internal/domain"
	"FeedTriage/internal/logging"
	"FeedTriage/internal/ports"
)

// Append outcomes reported to Hooks.OnAppend.
const (
	OutcomeCreated   = "created"
	OutcomeDuplicate = "duplicate"
	OutcomeConflict  = "conflict"
)

// Hooks receives one call per record handed to the ledger.
type Hooks struct {
	OnAppend func(outcome string)
}

// EngineOptions configures NewEngine.
type EngineOptions struct {
	AggregatorDomains []string
	Logger            *slog.Logger
	Hooks             Hooks
	Now               func() time.Time
}

// Engine is the sole writer of the ledger. It decides which items were
// already surfaced and records newly accepted ones.
type Engine struct {
	ledger      ports.Ledger
	fingerprint *Fingerprinter
	logger      *slog.Logger
	hooks       Hooks
	now         func() time.Time
}

// NewEngine builds an Engine over ledger.
func NewEngine(ledger ports.Ledger, opts EngineOptions) *Engine {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		ledger:      ledger,
		fingerprint: NewFingerprinter(opts.AggregatorDomains),
		logger:      logging.OrDiscard(opts.Logger),
		hooks:       opts.Hooks,
		now:         now,
	}
}

// Fingerprint returns the stable identity of item.
func (e *Engine) Fingerprint(item domain.Item) string {
	return e.fingerprint.Fingerprint(item)
}

// Index is a read-only snapshot of a topic's ledger.
type Index struct {
	topic   string
	records map[string]domain.RedundancyRecord
}

// Load snapshots the ledger records of topic.
func (e *Engine) Load(ctx context.Context, topic string) (*Index, error) {
	records, err := e.ledger.ListRecords(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("list ledger records for %s: %w", topic, err)
	}
	idx := &Index{topic: topic, records: make(map[string]domain.RedundancyRecord, len(records))}
	for _, rec := range records {
		if _, ok := idx.records[rec.Fingerprint]; !ok {
			idx.records[rec.Fingerprint] = rec
		}
	}
	return idx, nil
}

// IsRedundant reports whether item's fingerprint is already recorded.
func (ix *Index) IsRedundant(item domain.Item) bool {
	_, ok := ix.records[item.Fingerprint]
	return ok
}

// Lookup returns the first-seen record for fingerprint.
func (ix *Index) Lookup(fingerprint string) (domain.RedundancyRecord, bool) {
	rec, ok := ix.records[fingerprint]
	return rec, ok
}

// Len returns the number of distinct fingerprints in the snapshot.
func (ix *Index) Len() int {
	return len(ix.records)
}

// RecordSummary reports the outcome of Record.
type RecordSummary struct {
	Created    int
	Duplicates int
	Conflicts  []*domain.ConflictError
}

// Record appends a ledger row for every accepted item in one write. A
// fingerprint that is already stored with another URL is a conflict: it is
// logged, the stored record wins and the run continues.
func (e *Engine) Record(ctx context.Context, topic, runID string, accepted []domain.ScoredItem) (RecordSummary, error) {
	var summary RecordSummary
	if len(accepted) == 0 {
		return summary, nil
	}

	now := e.now().UTC()
	records := make([]domain.RedundancyRecord, 0, len(accepted))
	for _, si := range accepted {
		fp := si.Item.Fingerprint
		if fp == "" {
			fp = e.Fingerprint(si.Item)
		}
		records = append(records, domain.RedundancyRecord{
			Fingerprint:    fp,
			Topic:          topic,
			FirstSeenRunID: runID,
			CanonicalTitle: strings.TrimSpace(si.Item.Title),
			CanonicalURL:   si.Item.Link(),
			SourceName:     si.Item.SourceName,
			Score:          si.Judgment.Score,
			Tags:           si.Judgment.Tags,
			RecordedAt:     now,
		})
	}

	outcomes, err := e.ledger.AppendRecords(ctx, records)
	if err != nil {
		return summary, fmt.Errorf("append ledger records: %w", err)
	}

	for i, out := range outcomes {
		incoming := records[i]
		switch {
		case out.Created:
			summary.Created++
			e.observe(OutcomeCreated)
		case out.Stored.CanonicalURL != incoming.CanonicalURL:
			conflict := &domain.ConflictError{
				Fingerprint: incoming.Fingerprint,
				Topic:       topic,
				ExistingURL: out.Stored.CanonicalURL,
				IncomingURL: incoming.CanonicalURL,
			}
			summary.Conflicts = append(summary.Conflicts, conflict)
			e.observe(OutcomeConflict)
			e.logger.Warn("ledger conflict, keeping first-seen record",
				"topic", topic,
				"fingerprint", incoming.Fingerprint,
				"first_seen_run_id", out.Stored.FirstSeenRunID,
				"existing_url", out.Stored.CanonicalURL,
				"incoming_url", incoming.CanonicalURL,
				"error", conflict)
		default:
			summary.Duplicates++
			e.observe(OutcomeDuplicate)
		}
	}

	e.logger.Info("ledger updated",
		"topic", topic,
		"run_id", runID,
		"created", summary.Created,
		"duplicates", summary.Duplicates,
		"conflicts", len(summary.Conflicts))
	return summary, nil
}

// Clear removes every record of topic. It is the only deletion path.
func (e *Engine) Clear(ctx context.Context, topic string) (int, error) {
	n, err := e.ledger.ClearTopic(ctx, topic)
	if err != nil {
		return 0, fmt.Errorf("clear topic %s: %w", topic, err)
	}
	e.logger.Info("topic cleared", "topic", topic, "records", n)
	return n, nil
}

// Records lists the ledger rows of topic in insertion order.
func (e *Engine) Records(ctx context.Context, topic string) ([]domain.RedundancyRecord, error) {
	records, err := e.ledger.ListRecords(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("list ledger records for %s: %w", topic, err)
	}
	return records, nil
}

// LinkRows returns the title and URL metadata used to canonicalize headings.
func (e *Engine) LinkRows(ctx context.Context, topic string) ([]LinkRow, error) {
	records, err := e.Records(ctx, topic)
	if err != nil {
		return nil, err
	}
	rows := make([]LinkRow, 0, len(records))
	for _, rec := range records {
		rows = append(rows, LinkRow{Title: rec.CanonicalTitle, URL: rec.CanonicalURL})
	}
	return rows, nil
}

func (e *Engine) observe(outcome string) {
	if e.hooks.OnAppend != nil {
		e.hooks.OnAppend(outcome)
	}
}
