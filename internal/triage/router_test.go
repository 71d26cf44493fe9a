package triage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FeedTriage/internal/domain"
)

type step struct {
	resp Response
	err  error
}

type fakeBackend struct {
	id        string
	caps      Capabilities
	available error
	mu        sync.Mutex
	steps     []step
	calls     int
	prompts   []string
}

func (f *fakeBackend) ID() string                 { return f.id }
func (f *fakeBackend) Model() string              { return "fake-model" }
func (f *fakeBackend) Capabilities() Capabilities { return f.caps }
func (f *fakeBackend) Available() error           { return f.available }

func (f *fakeBackend) Triage(ctx context.Context, req Request) (Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.prompts = append(f.prompts, req.Prompt)
	if len(f.steps) == 0 {
		return Response{}, errors.New("no scripted step")
	}
	s := f.steps[0]
	if len(f.steps) > 1 {
		f.steps = f.steps[1:]
	}
	return s.resp, s.err
}

func fastRetry() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		RequestTimeout: time.Second,
	}
}

func structuredScores(scores ...float64) Response {
	entries := make([]Entry, len(scores))
	for i, s := range scores {
		entries[i] = Entry{ID: sampleItems()[i].ID, Score: ptr(s), Tags: []string{"t"}, Rationale: "r."}
	}
	return Structured(entries, "notes")
}

func TestRouterScoreBatchStructured(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{id: "openai", steps: []step{{resp: structuredScores(0.9, 0.5, 0.7)}}}
	var outcomes []string
	router := NewRouter(backend, RouterOptions{
		Retry: fastRetry(),
		Hooks: RouterHooks{OnCall: func(_, outcome string, _ time.Duration) { outcomes = append(outcomes, outcome) }},
	})

	res, err := router.ScoreBatch(context.Background(), sampleItems(), domain.TopicProfile{Keywords: []string{"crispr"}}, "")
	require.NoError(t, err)
	require.Len(t, res.Judgments, 3)
	assert.InDelta(t, 0.9, res.Judgments[0].Score, 1e-9)
	assert.InDelta(t, 0.5, res.Judgments[1].Score, 1e-9)
	assert.InDelta(t, 0.7, res.Judgments[2].Score, 1e-9)
	assert.Equal(t, "notes", res.Notes)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, []string{"ok"}, outcomes)
	assert.Contains(t, backend.prompts[0], "crispr")
}

func TestRouterRetriesTimeouts(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{id: "openai", steps: []step{
		{err: fmt.Errorf("%w: slow", domain.ErrBackendTimeout)},
		{resp: structuredScores(0.1, 0.2, 0.3)},
	}}
	router := NewRouter(backend, RouterOptions{Retry: fastRetry()})

	res, err := router.ScoreBatch(context.Background(), sampleItems(), domain.TopicProfile{}, "")
	require.NoError(t, err)
	assert.Equal(t, 2, backend.calls)
	assert.Equal(t, 2, res.Attempts)
}

func TestRouterGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{id: "openai", steps: []step{
		{err: fmt.Errorf("%w: bad json", domain.ErrBackendMalformed)},
	}}
	router := NewRouter(backend, RouterOptions{Retry: fastRetry()})

	_, err := router.ScoreBatch(context.Background(), sampleItems(), domain.TopicProfile{}, "")
	require.Error(t, err)
	assert.Equal(t, 3, backend.calls)
	assert.ErrorIs(t, err, domain.ErrBackendMalformed)

	var backendErr *domain.BackendError
	require.ErrorAs(t, err, &backendErr)
	assert.Equal(t, 3, backendErr.Attempts)
	assert.Equal(t, "openai", backendErr.Backend)
}

func TestRouterFailsFastWhenUnavailable(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{id: "agent", steps: []step{
		{err: fmt.Errorf("%w: agent command was not found on PATH", domain.ErrBackendUnavailable)},
	}}
	router := NewRouter(backend, RouterOptions{Retry: fastRetry()})

	_, err := router.ScoreBatch(context.Background(), sampleItems(), domain.TopicProfile{}, "")
	require.Error(t, err)
	assert.Equal(t, 1, backend.calls)
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
	assert.Contains(t, err.Error(), "not found on PATH")
}

func TestRouterRetriesStructuredMismatch(t *testing.T) {
	t.Parallel()

	empty, err := DecodeStructured([]byte(`{"notes":"","ranked":[]}`))
	require.NoError(t, err)

	backend := &fakeBackend{id: "openai", steps: []step{
		{resp: Structured([]Entry{{ID: "unknown", Score: ptr(0.5)}}, "")},
		{resp: empty},
		{resp: structuredScores(0.4, 0.4, 0.4)},
	}}
	router := NewRouter(backend, RouterOptions{Retry: fastRetry()})

	res, err := router.ScoreBatch(context.Background(), sampleItems(), domain.TopicProfile{}, "")
	require.NoError(t, err)
	assert.Equal(t, 3, backend.calls)
	assert.Equal(t, 3, res.Attempts)
	assert.Len(t, res.Judgments, 3)
}

func TestRouterUnstructuredWarnings(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{id: "agent", caps: Capabilities{StdinDelivery: true}, steps: []step{
		{resp: Unstructured("CRISPR Delivery Breakthrough: score 0.8")},
	}}
	warned := 0
	router := NewRouter(backend, RouterOptions{
		Retry: fastRetry(),
		Hooks: RouterHooks{OnParseWarnings: func(_ string, n int) { warned += n }},
	})

	res, err := router.ScoreBatch(context.Background(), sampleItems(), domain.TopicProfile{}, "")
	require.NoError(t, err)
	require.Len(t, res.Judgments, 3)
	assert.InDelta(t, 0.8, res.Judgments[0].Score, 1e-9)
	assert.Len(t, res.Warnings, 2)
	assert.Equal(t, 2, warned)
}

func TestRouterEmptyBatch(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{id: "openai"}
	router := NewRouter(backend, RouterOptions{Retry: fastRetry()})

	res, err := router.ScoreBatch(context.Background(), nil, domain.TopicProfile{}, "")
	require.NoError(t, err)
	assert.Empty(t, res.Judgments)
	assert.Zero(t, backend.calls)
}

func TestRouterRequestTimeoutIsRetryable(t *testing.T) {
	t.Parallel()

	backend := &blockingBackend{}
	policy := fastRetry()
	policy.RequestTimeout = 5 * time.Millisecond
	policy.MaxAttempts = 2
	router := NewRouter(backend, RouterOptions{Retry: policy})

	_, err := router.ScoreBatch(context.Background(), sampleItems(), domain.TopicProfile{}, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrBackendTimeout)
	assert.Equal(t, 2, backend.count())
}

type blockingBackend struct {
	mu    sync.Mutex
	calls int
}

func (b *blockingBackend) ID() string                 { return "slow" }
func (b *blockingBackend) Model() string              { return "" }
func (b *blockingBackend) Capabilities() Capabilities { return Capabilities{} }
func (b *blockingBackend) Available() error           { return nil }

func (b *blockingBackend) Triage(ctx context.Context, _ Request) (Response, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	<-ctx.Done()
	return Response{}, ctx.Err()
}

func (b *blockingBackend) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func TestRegistrySelect(t *testing.T) {
	t.Parallel()

	unavailable := fmt.Errorf("%w: set OPENAI_API_KEY", domain.ErrBackendUnavailable)

	registry := NewRegistry()
	registry.Register(&fakeBackend{id: "openai", available: unavailable})
	registry.Register(&fakeBackend{id: "anthropic"})
	registry.Register(&fakeBackend{id: "agent"})

	b, err := registry.Select("auto", []string{"openai", "anthropic", "agent"})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", b.ID())

	b, err = registry.Select("auto", []string{"agent", "anthropic"})
	require.NoError(t, err)
	assert.Equal(t, "agent", b.ID())

	b, err = registry.Select("agent", nil)
	require.NoError(t, err)
	assert.Equal(t, "agent", b.ID())

	_, err = registry.Select("openai", nil)
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
	assert.Contains(t, err.Error(), "OPENAI_API_KEY")

	_, err = registry.Select("gemini", nil)
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)

	_, err = registry.Select("auto", []string{"openai"})
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)

	assert.Equal(t, []string{"agent", "anthropic", "openai"}, registry.IDs())
}
