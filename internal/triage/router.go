package triage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"FeedTriage/internal/domain"
	"FeedTriage/internal/logging"
	"FeedTriage/internal/ports"
)

// RetryPolicy bounds the attempts made for one batch.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	RequestTimeout time.Duration
}

// RouterHooks receives per-call observations. Nil funcs are skipped.
type RouterHooks struct {
	OnCall          func(backend, outcome string, duration time.Duration)
	OnParseWarnings func(backend string, count int)
}

// RouterOptions configures NewRouter.
type RouterOptions struct {
	Retry             RetryPolicy
	RequestsPerMinute int
	Logger            *slog.Logger
	Hooks             RouterHooks
}

// Router invokes the single backend chosen for a run and normalizes its output.
type Router struct {
	backend Backend
	limiter *rate.Limiter
	retry   RetryPolicy
	logger  *slog.Logger
	hooks   RouterHooks
}

var _ ports.Scorer = (*Router)(nil)

// NewRouter wraps backend with retries, throttling and normalization.
func NewRouter(backend Backend, opts RouterOptions) *Router {
	retry := opts.Retry
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 3
	}
	if retry.InitialBackoff <= 0 {
		retry.InitialBackoff = time.Second
	}
	if retry.MaxBackoff <= 0 {
		retry.MaxBackoff = 30 * time.Second
	}
	if retry.RequestTimeout <= 0 {
		retry.RequestTimeout = 2 * time.Minute
	}

	var limiter *rate.Limiter
	if backend.Capabilities().RateLimited && opts.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RequestsPerMinute)), 1)
	}

	return &Router{
		backend: backend,
		limiter: limiter,
		retry:   retry,
		logger:  logging.OrDiscard(opts.Logger),
		hooks:   opts.Hooks,
	}
}

// Backend returns the backend this router drives.
func (r *Router) Backend() Backend {
	return r.backend
}

// ScoreBatch renders the prompt for items and returns one judgment per item,
// in input order. Timeouts and malformed structured output are retried with
// exponential backoff; an unavailable backend fails immediately.
func (r *Router) ScoreBatch(ctx context.Context, items []domain.Item, profile domain.TopicProfile, template string) (ports.ScoreResult, error) {
	if len(items) == 0 {
		return ports.ScoreResult{Judgments: []domain.Judgment{}}, nil
	}

	prompt, err := BuildPrompt(template, profile, items)
	if err != nil {
		return ports.ScoreResult{}, fmt.Errorf("build prompt: %w", err)
	}

	attempts := 0
	operation := func() (ports.ScoreResult, error) {
		attempts++
		res, err := r.attempt(ctx, prompt, items)
		if err == nil {
			res.Attempts = attempts
			return res, nil
		}
		if errors.Is(err, domain.ErrBackendUnavailable) || ctx.Err() != nil {
			return res, backoff.Permanent(err)
		}
		return res, err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.retry.InitialBackoff
	policy.MaxInterval = r.retry.MaxBackoff

	res, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(r.retry.MaxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			r.logger.Warn("backend attempt failed, retrying",
				"backend", r.backend.ID(),
				"attempt", attempts,
				"wait", wait,
				"error", err)
		}),
	)
	if err != nil {
		return ports.ScoreResult{}, &domain.BackendError{
			Backend:  r.backend.ID(),
			Kind:     domain.BackendKind(err),
			Attempts: attempts,
			Err:      err,
		}
	}

	if n := len(res.Warnings); n > 0 {
		r.logger.Warn("parse recovery fell back to default judgments",
			"backend", r.backend.ID(),
			"items", len(items),
			"warnings", n)
		if r.hooks.OnParseWarnings != nil {
			r.hooks.OnParseWarnings(r.backend.ID(), n)
		}
	}
	return res, nil
}

func (r *Router) attempt(ctx context.Context, prompt string, items []domain.Item) (ports.ScoreResult, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return ports.ScoreResult{}, fmt.Errorf("%w: wait for rate limiter: %v", domain.ErrBackendTimeout, err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, r.retry.RequestTimeout)
	defer cancel()

	start := time.Now()
	resp, err := r.backend.Triage(callCtx, Request{Prompt: prompt, Items: items})
	elapsed := time.Since(start)
	if err != nil {
		if domain.BackendKind(err) == nil {
			if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
				err = fmt.Errorf("%w: %v", domain.ErrBackendTimeout, err)
			} else {
				err = fmt.Errorf("%w: %v", domain.ErrBackendMalformed, err)
			}
		}
		r.observe(outcomeOf(err), elapsed)
		return ports.ScoreResult{}, err
	}

	judgments, warnings, err := Normalize(resp, items, r.backend.ID(), r.backend.Model())
	if err != nil {
		r.observe(outcomeOf(err), elapsed)
		return ports.ScoreResult{}, err
	}
	r.observe("ok", elapsed)

	r.logger.Debug("backend call completed",
		"backend", r.backend.ID(),
		"items", len(items),
		"structured", resp.IsStructured(),
		"duration", elapsed)

	return ports.ScoreResult{
		Judgments: judgments,
		Warnings:  warnings,
		Notes:     resp.Notes(),
	}, nil
}

func (r *Router) observe(outcome string, elapsed time.Duration) {
	if r.hooks.OnCall != nil {
		r.hooks.OnCall(r.backend.ID(), outcome, elapsed)
	}
}

func outcomeOf(err error) string {
	switch domain.BackendKind(err) {
	case domain.ErrBackendUnavailable:
		return "unavailable"
	case domain.ErrBackendTimeout:
		return "timeout"
	case domain.ErrBackendMalformed:
		return "malformed"
	default:
		return "error"
	}
}
