package ports

import (
	"context"
	"time"

	"FeedTriage/internal/domain"
)

// ItemSource returns raw items for a topic. Feed acquisition lives behind it.
type ItemSource interface {
	FetchItems(ctx context.Context, topic string, since time.Time) ([]domain.Item, error)
}

// Ledger persists RedundancyRecords. Implementations must be append-only
// except for ClearTopic.
type Ledger interface {
	ListRecords(ctx context.Context, topic string) ([]domain.RedundancyRecord, error)
	// AppendRecords writes records that are not yet present for (topic, fingerprint)
	// and reports the stored record for each input. Either every new record is
	// written or none is.
	AppendRecords(ctx context.Context, records []domain.RedundancyRecord) ([]domain.AppendOutcome, error)
	ClearTopic(ctx context.Context, topic string) (int, error)
}

// LinkResolver rewrites redirector links to their destinations. It never fails.
type LinkResolver interface {
	ResolveAll(ctx context.Context, urls []string) map[string]domain.ResolutionResult
}

// Scorer produces one judgment per item, in input order.
type Scorer interface {
	ScoreBatch(ctx context.Context, items []domain.Item, profile domain.TopicProfile, template string) (ScoreResult, error)
}

// ScoreResult is the outcome of scoring one batch.
type ScoreResult struct {
	Judgments []domain.Judgment
	Warnings  []domain.ParseWarning
	Notes     string
	Attempts  int
}
