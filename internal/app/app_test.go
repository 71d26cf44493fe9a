package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FeedTriage/internal/config"
	"FeedTriage/internal/logging"
)

const feed = `{"id":"alpha","title":"Alpha paper","url":"https://example.org/alpha","summary":"<p>CRISPR delivery</p>"}
{"id":"beta","title":"Beta paper","url":"https://example.org/beta","summary":"earnings"}
`

func fakeOpenAI(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		content := `{"notes":"","ranked":[` +
			`{"id":"alpha","score":0.9,"tags":["crispr"],"rationale":"On topic."},` +
			`{"id":"beta","score":0.2,"tags":["finance"],"rationale":"Off topic."}]}`
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"content": content}}},
		})
	}))
}

func testConfig(t *testing.T, endpoint string) config.Config {
	t.Helper()
	dir := t.TempDir()
	feedPath := filepath.Join(dir, "feed.jsonl")
	require.NoError(t, os.WriteFile(feedPath, []byte(feed), 0o600))

	disabled := false
	threshold := 0.5
	return config.Config{
		Triage: config.TriageConfig{
			Backend:        config.BackendOpenAI,
			Priority:       []string{config.BackendOpenAI},
			Threshold:      &threshold,
			BatchSize:      10,
			MaxAttempts:    1,
			RequestTimeout: 5 * time.Second,
			OpenAI:         config.OpenAIConfig{Endpoint: endpoint, Model: "gpt-test", APIKey: "sk-test"},
		},
		Resolver: config.ResolverConfig{Enabled: &disabled, Workers: 1, Timeout: time.Second},
		Ledger:   config.LedgerConfig{Driver: config.LedgerCSV, Path: filepath.Join(dir, "ledger.csv")},
		Pipeline: config.PipelineConfig{SummaryMaxChars: 100},
		Metrics:  config.MetricsConfig{TextfilePath: filepath.Join(dir, "metrics", "feedtriage.prom")},
		Topics: []config.TopicConfig{{
			Name:     "bio",
			Keywords: []string{"crispr"},
			Sources: []config.SourceConfig{{
				Name:       "local",
				Scanner:    "jsonl",
				Categories: []config.CategoryConfig{{Name: "feed", URL: feedPath}},
			}},
		}},
	}
}

func TestApplicationRunIsIdempotent(t *testing.T) {
	var hits atomic.Int32
	srv := fakeOpenAI(t, &hits)
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	ctx := context.Background()

	application, err := New(ctx, cfg, logging.Discard())
	require.NoError(t, err)
	defer application.Close()

	first, err := application.Run(ctx, "bio", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, first.Collected)
	assert.Equal(t, 2, first.Scored)
	require.Len(t, first.Accepted, 1)
	assert.Equal(t, "alpha", first.Accepted[0].Item.ID)
	assert.Equal(t, "CRISPR delivery", first.Accepted[0].Item.Summary)
	assert.Equal(t, 1, first.LedgerCreated)
	assert.EqualValues(t, 1, hits.Load())

	second, err := application.Run(ctx, "bio", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, second.Redundant)
	assert.Empty(t, second.Accepted)
	assert.Zero(t, second.LedgerCreated)

	records, err := application.Records(ctx, "bio")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "https://example.org/alpha", records[0].CanonicalURL)

	_, err = os.Stat(cfg.Metrics.TextfilePath)
	assert.NoError(t, err)
}

func TestApplicationRelinkAndClear(t *testing.T) {
	var hits atomic.Int32
	srv := fakeOpenAI(t, &hits)
	defer srv.Close()

	ctx := context.Background()
	application, err := New(ctx, testConfig(t, srv.URL), logging.Discard())
	require.NoError(t, err)
	defer application.Close()

	_, err = application.Run(ctx, "bio", RunOptions{})
	require.NoError(t, err)

	out, stats, err := application.Relink(ctx, "bio", "## [Alpha paper](https://tracker.example/x)\n")
	require.NoError(t, err)
	assert.Equal(t, "## [Alpha paper](https://example.org/alpha)\n", out)
	assert.Equal(t, 1, stats.Exact)

	removed, err := application.Clear(ctx, "bio")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	records, err := application.Records(ctx, "bio")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestApplicationRunErrors(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, "")
	cfg.Triage.OpenAI.APIKey = ""

	application, err := New(ctx, cfg, logging.Discard())
	require.NoError(t, err)
	defer application.Close()

	_, err = application.Run(ctx, "unknown", RunOptions{})
	assert.ErrorContains(t, err, `topic "unknown"`)

	_, err = application.Run(ctx, "bio", RunOptions{})
	assert.ErrorContains(t, err, "OPENAI_API_KEY")

	cfg.Ledger.Driver = "etcd"
	_, err = New(ctx, cfg, logging.Discard())
	assert.ErrorContains(t, err, "etcd")
}
