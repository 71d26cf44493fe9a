package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FeedTriage/internal/domain"
	"FeedTriage/internal/redundancy"
	"FeedTriage/internal/usecase"
)

func TestHooksFeedCollectors(t *testing.T) {
	t.Parallel()

	m := New()

	router := m.RouterHooks()
	router.OnCall("openai", "ok", 1500*time.Millisecond)
	router.OnCall("openai", "timeout", 2*time.Second)
	router.OnParseWarnings("agent", 3)

	res := m.ResolverHooks()
	res.OnResolve(domain.ResolutionResult{Method: domain.MethodRedirect, Succeeded: true, HopCount: 2, ErrorKind: domain.ErrorKindNone})
	res.OnResolve(domain.ResolutionResult{Method: domain.MethodRedirect, ErrorKind: domain.ErrorKindTimeout})

	m.LedgerHooks().OnAppend(redundancy.OutcomeConflict)

	pipe := m.PipelineHooks()
	pipe.OnStage(usecase.StateScoring, 250*time.Millisecond)
	pipe.OnFinish("bio", usecase.StateDone, 2)

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	counts := map[string]int{}
	for _, mf := range families {
		counts[mf.GetName()] = len(mf.GetMetric())
	}
	assert.Equal(t, 2, counts["feedtriage_backend_calls_total"])
	assert.Equal(t, 1, counts["feedtriage_parse_warnings_total"])
	assert.Equal(t, 2, counts["feedtriage_link_resolutions_total"])
	assert.Equal(t, 1, counts["feedtriage_ledger_writes_total"])
	assert.Equal(t, 1, counts["feedtriage_runs_total"])
	assert.Equal(t, 1, counts["feedtriage_stage_duration_seconds"])

	for _, mf := range families {
		if mf.GetName() == "feedtriage_items_accepted_total" {
			assert.InDelta(t, 2, mf.GetMetric()[0].GetCounter().GetValue(), 1e-9)
		}
	}
}

func TestWriteTextfile(t *testing.T) {
	t.Parallel()

	m := New()
	m.RouterHooks().OnCall("agent", "malformed", time.Second)

	path := filepath.Join(t.TempDir(), "collector", "feedtriage.prom")
	require.NoError(t, m.WriteTextfile(path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `feedtriage_backend_calls_total{backend="agent",outcome="malformed"} 1`)

	assert.NoError(t, m.WriteTextfile(""))
}
