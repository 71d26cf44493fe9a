package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"FeedTriage/internal/domain"
	"FeedTriage/internal/logging"
	"FeedTriage/internal/ports"
	"FeedTriage/internal/redundancy"
)

// State is a stage of a run. States are entered in declaration order and never re-entered.
type State string

const (
	StateCollecting         State = "COLLECTING"
	StateResolvingLinks     State = "RESOLVING_LINKS"
	StateFilteringRedundant State = "FILTERING_REDUNDANT"
	StateScoring            State = "SCORING"
	StatePersisting         State = "PERSISTING"
	StateDone               State = "DONE"
	StateFailed             State = "FAILED"
)

const maxNotesChars = 1000

// RedundancyEngine is the ledger-facing part of the pipeline.
type RedundancyEngine interface {
	Fingerprint(item domain.Item) string
	Load(ctx context.Context, topic string) (*redundancy.Index, error)
	Record(ctx context.Context, topic, runID string, accepted []domain.ScoredItem) (redundancy.RecordSummary, error)
}

// Hooks receives stage timings and the final state of each run.
type Hooks struct {
	OnStage  func(stage State, d time.Duration)
	OnFinish func(topic string, state State, accepted int)
}

// Options holds the run parameters.
type Options struct {
	Threshold        float64
	BatchSize        int
	PrefilterKeepTop int
	MaxReturned      int
	Lookback         time.Duration
	PromptTemplate   string
}

// PipelineDeps wires all driven adapters into the orchestration pipeline.
// A nil Resolver disables link resolution.
type PipelineDeps struct {
	Source   ports.ItemSource
	Resolver ports.LinkResolver
	Engine   RedundancyEngine
	Scorer   ports.Scorer
	Options  Options
	Logger   *slog.Logger
	Hooks    Hooks
	Now      func() time.Time
	NewRunID func() string
}

// Pipeline implements the batch orchestrator for one topic run.
type Pipeline struct {
	source   ports.ItemSource
	resolver ports.LinkResolver
	engine   RedundancyEngine
	scorer   ports.Scorer
	opts     Options
	logger   *slog.Logger
	hooks    Hooks
	now      func() time.Time
	newRunID func() string
}

// RunResult summarizes one run. Accepted is ordered by score, highest first.
type RunResult struct {
	RunID      string    `json:"run_id"`
	Topic      string    `json:"topic"`
	State      State     `json:"state"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Collected       int `json:"collected"`
	LinksResolved   int `json:"links_resolved"`
	LinksFailed     int `json:"links_failed"`
	Redundant       int `json:"redundant"`
	DuplicatesInRun int `json:"duplicates_in_run"`
	Prefiltered     int `json:"prefiltered"`
	Scored          int `json:"scored"`
	Rejected        int `json:"rejected"`
	CappedOut       int `json:"capped_out"`

	Accepted []domain.ScoredItem   `json:"accepted"`
	Warnings []domain.ParseWarning `json:"warnings,omitempty"`
	Notes    string                `json:"notes,omitempty"`

	LedgerCreated    int `json:"ledger_created"`
	LedgerDuplicates int `json:"ledger_duplicates"`
	LedgerConflicts  int `json:"ledger_conflicts"`
}

// NewPipeline constructs the orchestration component.
func NewPipeline(deps PipelineDeps) *Pipeline {
	opts := deps.Options
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	newRunID := deps.NewRunID
	if newRunID == nil {
		newRunID = func() string { return ulid.Make().String() }
	}
	return &Pipeline{
		source:   deps.Source,
		resolver: deps.Resolver,
		engine:   deps.Engine,
		scorer:   deps.Scorer,
		opts:     opts,
		logger:   logging.OrDiscard(deps.Logger),
		hooks:    deps.Hooks,
		now:      now,
		newRunID: newRunID,
	}
}

// Run drives profile.Topic through collection, resolution, redundancy
// filtering, scoring and persistence. The ledger is only written in the
// PERSISTING stage, so a run that fails earlier leaves it untouched.
func (p *Pipeline) Run(ctx context.Context, profile domain.TopicProfile) (*RunResult, error) {
	if p.source == nil || p.engine == nil || p.scorer == nil {
		return nil, errors.New("pipeline is missing a source, redundancy engine or scorer")
	}

	res := &RunResult{
		RunID:     p.newRunID(),
		Topic:     profile.Topic,
		StartedAt: p.now().UTC(),
		Accepted:  []domain.ScoredItem{},
	}
	logger := p.logger.With("topic", profile.Topic, "run_id", res.RunID)
	logger.Info("run started")

	err := p.run(ctx, logger, profile, res)
	res.FinishedAt = p.now().UTC()
	if err != nil {
		res.State = StateFailed
		logger.Error("run failed", "error", err)
		p.finish(profile.Topic, StateFailed, 0)
		return res, err
	}

	res.State = StateDone
	logger.Info("run finished",
		"accepted", len(res.Accepted),
		"rejected", res.Rejected,
		"redundant", res.Redundant,
		"ledger_created", res.LedgerCreated,
		"ledger_conflicts", res.LedgerConflicts)
	p.finish(profile.Topic, StateDone, len(res.Accepted))
	return res, nil
}

func (p *Pipeline) run(ctx context.Context, logger *slog.Logger, profile domain.TopicProfile, res *RunResult) error {
	var items []domain.Item

	err := p.stage(ctx, logger, res, StateCollecting, func() error {
		since := time.Time{}
		if p.opts.Lookback > 0 {
			since = p.now().Add(-p.opts.Lookback)
		}
		fetched, err := p.source.FetchItems(ctx, profile.Topic, since)
		if err != nil {
			return fmt.Errorf("fetch items: %w", err)
		}
		items = fetched
		res.Collected = len(items)
		return nil
	})
	if err != nil {
		return err
	}

	err = p.stage(ctx, logger, res, StateResolvingLinks, func() error {
		p.resolveLinks(ctx, items, res)
		return nil
	})
	if err != nil {
		return err
	}

	err = p.stage(ctx, logger, res, StateFilteringRedundant, func() error {
		fresh, err := p.filterRedundant(ctx, profile.Topic, items, res)
		if err != nil {
			return err
		}
		items = prefilter(fresh, profile.Keywords, p.opts.PrefilterKeepTop)
		res.Prefiltered = len(fresh) - len(items)
		return nil
	})
	if err != nil {
		return err
	}

	var accepted []domain.ScoredItem
	err = p.stage(ctx, logger, res, StateScoring, func() error {
		scored, err := p.score(ctx, logger, profile, items, res)
		if err != nil {
			return err
		}
		accepted = p.selectAccepted(scored, res)
		return nil
	})
	if err != nil {
		return err
	}

	return p.stage(ctx, logger, res, StatePersisting, func() error {
		summary, err := p.engine.Record(ctx, profile.Topic, res.RunID, accepted)
		if err != nil {
			return fmt.Errorf("record accepted items: %w", err)
		}
		res.Accepted = accepted
		res.LedgerCreated = summary.Created
		res.LedgerDuplicates = summary.Duplicates
		res.LedgerConflicts = len(summary.Conflicts)
		return nil
	})
}

// stage runs fn as state, wrapping failures in a StageError.
func (p *Pipeline) stage(ctx context.Context, logger *slog.Logger, res *RunResult, state State, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return &domain.StageError{Stage: string(state), Err: err}
	}
	res.State = state
	logger.Debug("entering stage", "stage", state)

	start := time.Now()
	err := fn()
	if p.hooks.OnStage != nil {
		p.hooks.OnStage(state, time.Since(start))
	}
	if err != nil {
		return &domain.StageError{Stage: string(state), Err: err}
	}
	return nil
}

func (p *Pipeline) finish(topic string, state State, accepted int) {
	if p.hooks.OnFinish != nil {
		p.hooks.OnFinish(topic, state, accepted)
	}
}

// resolveLinks fills ResolvedURL for every item. Failed resolutions keep
// the original URL.
func (p *Pipeline) resolveLinks(ctx context.Context, items []domain.Item, res *RunResult) {
	if p.resolver == nil {
		for i := range items {
			items[i].ResolvedURL = items[i].URL
		}
		return
	}

	urls := make([]string, 0, len(items))
	for _, item := range items {
		if item.URL != "" {
			urls = append(urls, item.URL)
		}
	}
	results := p.resolver.ResolveAll(ctx, urls)

	for i := range items {
		items[i].ResolvedURL = items[i].URL
		r, ok := results[items[i].URL]
		if !ok || r.Method == domain.MethodSkipped {
			continue
		}
		if r.Succeeded {
			items[i].ResolvedURL = r.FinalURL
			res.LinksResolved++
		} else {
			res.LinksFailed++
		}
	}
}

// filterRedundant assigns fingerprints and drops items already in the ledger
// or already seen earlier in this run.
func (p *Pipeline) filterRedundant(ctx context.Context, topic string, items []domain.Item, res *RunResult) ([]domain.Item, error) {
	index, err := p.engine.Load(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}

	fresh := make([]domain.Item, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	ids := make(map[string]struct{}, len(items))
	for _, item := range items {
		item.Fingerprint = p.engine.Fingerprint(item)
		if index.IsRedundant(item) {
			res.Redundant++
			continue
		}
		if _, dup := seen[item.Fingerprint]; dup {
			res.DuplicatesInRun++
			continue
		}
		seen[item.Fingerprint] = struct{}{}

		if _, taken := ids[item.ID]; item.ID == "" || taken {
			item.ID = item.Fingerprint[:16]
		}
		ids[item.ID] = struct{}{}
		fresh = append(fresh, item)
	}
	return fresh, nil
}

// score sends items to the scorer in sequential batches and merges the
// judgments back in input order.
func (p *Pipeline) score(ctx context.Context, logger *slog.Logger, profile domain.TopicProfile, items []domain.Item, res *RunResult) ([]domain.ScoredItem, error) {
	scored := make([]domain.ScoredItem, 0, len(items))
	var notes []string

	for start := 0; start < len(items); start += p.opts.BatchSize {
		end := min(start+p.opts.BatchSize, len(items))
		batch := items[start:end]

		out, err := p.scorer.ScoreBatch(ctx, batch, profile, p.opts.PromptTemplate)
		if err != nil {
			return nil, fmt.Errorf("score batch %d-%d: %w", start, end, err)
		}
		if len(out.Judgments) != len(batch) {
			return nil, fmt.Errorf("score batch %d-%d: got %d judgments for %d items", start, end, len(out.Judgments), len(batch))
		}
		for i, item := range batch {
			scored = append(scored, domain.ScoredItem{Item: item, Judgment: out.Judgments[i]})
		}
		res.Warnings = append(res.Warnings, out.Warnings...)
		if n := strings.TrimSpace(out.Notes); n != "" {
			notes = append(notes, n)
		}
		logger.Debug("batch scored", "from", start, "to", end, "attempts", out.Attempts, "warnings", len(out.Warnings))
	}

	res.Scored = len(scored)
	res.Notes = truncateRunes(strings.Join(notes, "\n"), maxNotesChars)
	logger.Info(fmt.Sprintf("Scored: %d total items", len(scored)), "warnings", len(res.Warnings))
	return scored, nil
}

// selectAccepted keeps items at or above the threshold, ordered by score
// with ties in input order, and applies the MaxReturned cap.
func (p *Pipeline) selectAccepted(scored []domain.ScoredItem, res *RunResult) []domain.ScoredItem {
	accepted := make([]domain.ScoredItem, 0, len(scored))
	for _, si := range scored {
		if si.Judgment.Score >= p.opts.Threshold {
			accepted = append(accepted, si)
		}
	}
	sort.SliceStable(accepted, func(i, j int) bool {
		return accepted[i].Judgment.Score > accepted[j].Judgment.Score
	})

	res.Rejected = len(scored) - len(accepted)
	if p.opts.MaxReturned > 0 && len(accepted) > p.opts.MaxReturned {
		res.CappedOut = len(accepted) - p.opts.MaxReturned
		res.Rejected += res.CappedOut
		accepted = accepted[:p.opts.MaxReturned]
	}
	return accepted
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
