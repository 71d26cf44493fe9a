package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"FeedTriage/internal/config"
	"FeedTriage/internal/domain"
	"FeedTriage/internal/infrastructure/llm"
	"FeedTriage/internal/infrastructure/parser"
	"FeedTriage/internal/infrastructure/resolver"
	"FeedTriage/internal/infrastructure/storage"
	"FeedTriage/internal/logging"
	"FeedTriage/internal/metrics"
	"FeedTriage/internal/ports"
	"FeedTriage/internal/redundancy"
	"FeedTriage/internal/scanner"
	"FeedTriage/internal/triage"
	"FeedTriage/internal/usecase"
)

// Application wires configs to use cases.
type Application struct {
	cfg      config.Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	ledger   ports.Ledger
	engine   *redundancy.Engine
	source   ports.ItemSource
	resolver ports.LinkResolver
	backends *triage.Registry
	closers  []func() error
}

// New opens the ledger and builds every adapter. Backends are only selected
// when a run starts, so ledger maintenance works without credentials.
func New(ctx context.Context, cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level, cfg.Logging.Format)
	}

	a := &Application{
		cfg:     cfg,
		logger:  baseLogger,
		metrics: metrics.New(),
	}

	ledger, err := a.openLedger(ctx)
	if err != nil {
		return nil, err
	}
	a.ledger = ledger

	a.engine = redundancy.NewEngine(ledger, redundancy.EngineOptions{
		AggregatorDomains: cfg.Resolver.RedirectorDomains,
		Logger:            baseLogger.With("component", "redundancy"),
		Hooks:             a.metrics.LedgerHooks(),
	})

	registry := scanner.NewRegistry()
	registry.Register(parser.NewArxivScanner(nil, baseLogger.With("component", "scanner.arxiv")))
	registry.Register(parser.NewJSONLScanner(nil, baseLogger.With("component", "scanner.jsonl")))
	a.source = parser.NewStrategySource(registry, cfg.Topics, cfg.Pipeline, baseLogger.With("component", "source"))

	if cfg.Resolver.IsEnabled() {
		a.resolver = resolver.New(resolver.Options{
			Workers:           cfg.Resolver.Workers,
			MaxRedirects:      cfg.Resolver.RedirectLimit(),
			Timeout:           cfg.Resolver.Timeout,
			UserAgent:         cfg.Resolver.UserAgent,
			RedirectorDomains: cfg.Resolver.RedirectorDomains,
			Logger:            baseLogger.With("component", "resolver"),
			Hooks:             a.metrics.ResolverHooks(),
		})
	}

	httpClient := &http.Client{Timeout: cfg.Triage.RequestTimeout + 5*time.Second}
	a.backends = triage.NewRegistry()
	a.backends.Register(llm.NewOpenAIBackend(cfg.Triage.OpenAI, httpClient))
	a.backends.Register(llm.NewGeminiBackend(cfg.Triage.Gemini, httpClient))
	a.backends.Register(llm.NewAnthropicBackend(cfg.Triage.Anthropic))
	a.backends.Register(llm.NewAgentBackend(cfg.Triage.Agent))

	return a, nil
}

func (a *Application) openLedger(ctx context.Context) (ports.Ledger, error) {
	logger := a.logger.With("component", "ledger", "driver", a.cfg.Ledger.Driver)
	switch a.cfg.Ledger.Driver {
	case config.LedgerCSV:
		return storage.NewCSVLedger(a.cfg.Ledger.Path, logger)
	case config.LedgerSQLite:
		path := a.cfg.Ledger.Path
		if path == "" {
			path = a.cfg.Ledger.DSN
		}
		l, err := storage.OpenSQLite(ctx, path, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, l.Close)
		return l, nil
	case config.LedgerPostgres:
		l, err := storage.OpenPostgres(ctx, a.cfg.Ledger.DSN, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, l.Close)
		return l, nil
	case config.LedgerMemory:
		return storage.NewMemoryLedger(), nil
	default:
		return nil, fmt.Errorf("ledger driver %q is not supported", a.cfg.Ledger.Driver)
	}
}

// Close releases the ledger.
func (a *Application) Close() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// RunOptions adjusts a single run.
type RunOptions struct {
	// Backend overrides the configured backend choice when set.
	Backend string
}

// Run executes one pipeline run for topic.
func (a *Application) Run(ctx context.Context, topic string, opts RunOptions) (*usecase.RunResult, error) {
	topicCfg, ok := a.cfg.Topic(topic)
	if !ok {
		return nil, fmt.Errorf("topic %q is not configured", topic)
	}

	choice := a.cfg.Triage.Backend
	if opts.Backend != "" {
		choice = opts.Backend
	}
	backend, err := a.backends.Select(choice, a.cfg.Triage.Priority)
	if err != nil {
		return nil, fmt.Errorf("select backend: %w", err)
	}
	a.logger.Info("backend selected", "backend", backend.ID(), "model", backend.Model())

	template, err := a.promptTemplate()
	if err != nil {
		return nil, err
	}

	router := triage.NewRouter(backend, triage.RouterOptions{
		Retry: triage.RetryPolicy{
			MaxAttempts:    a.cfg.Triage.MaxAttempts,
			InitialBackoff: a.cfg.Triage.InitialBackoff,
			MaxBackoff:     a.cfg.Triage.MaxBackoff,
			RequestTimeout: a.cfg.Triage.RequestTimeout,
		},
		RequestsPerMinute: a.cfg.Triage.RequestsPerMinute,
		Logger:            a.logger.With("component", "router"),
		Hooks:             a.metrics.RouterHooks(),
	})

	pipeline := usecase.NewPipeline(usecase.PipelineDeps{
		Source:   a.source,
		Resolver: a.resolver,
		Engine:   a.engine,
		Scorer:   router,
		Options: usecase.Options{
			Threshold:        a.cfg.Triage.MinScore(),
			BatchSize:        a.cfg.Triage.BatchSize,
			PrefilterKeepTop: a.cfg.Pipeline.PrefilterKeepTop,
			MaxReturned:      a.cfg.Pipeline.MaxReturned,
			Lookback:         time.Duration(a.cfg.Pipeline.LookbackDays) * 24 * time.Hour,
			PromptTemplate:   template,
		},
		Logger: a.logger.With("component", "pipeline"),
		Hooks:  a.metrics.PipelineHooks(),
	})

	result, runErr := pipeline.Run(ctx, domain.TopicProfile{
		Topic:     topicCfg.Name,
		Keywords:  topicCfg.Keywords,
		Narrative: topicCfg.Narrative,
		Companies: topicCfg.Companies,
	})

	if err := a.metrics.WriteTextfile(a.cfg.Metrics.TextfilePath); err != nil {
		a.logger.Warn("metrics export failed", "error", err)
	}
	return result, runErr
}

func (a *Application) promptTemplate() (string, error) {
	path := a.cfg.Triage.PromptTemplatePath
	if path == "" {
		return "", nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read prompt template: %w", err)
	}
	return string(raw), nil
}

// Clear removes every ledger record of topic.
func (a *Application) Clear(ctx context.Context, topic string) (int, error) {
	return a.engine.Clear(ctx, topic)
}

// Records lists the ledger records of topic.
func (a *Application) Records(ctx context.Context, topic string) ([]domain.RedundancyRecord, error) {
	return a.engine.Records(ctx, topic)
}

// Relink rewrites the heading links of markdown to the ledger's canonical URLs.
func (a *Application) Relink(ctx context.Context, topic, markdown string) (string, redundancy.RelinkStats, error) {
	rows, err := a.engine.LinkRows(ctx, topic)
	if err != nil {
		return "", redundancy.RelinkStats{}, err
	}
	out, stats := redundancy.RelinkHeadings(markdown, rows)
	a.logger.Info("headings relinked",
		"topic", topic,
		"exact", stats.Exact,
		"normalized", stats.Normalized,
		"ambiguous", stats.Ambiguous,
		"missing", stats.Missing,
		"invalid_url", stats.InvalidURL,
		"unchanged", stats.Unchanged)
	return out, stats, nil
}
