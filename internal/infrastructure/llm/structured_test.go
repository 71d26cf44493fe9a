package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FeedTriage/internal/config"
	"FeedTriage/internal/domain"
	"FeedTriage/internal/triage"
)

const rankedPayload = `{"notes":"n","ranked":[{"id":"a1","score":0.8,"tags":["x"],"rationale":"Fits."}]}`

func TestOpenAIBackendTriage(t *testing.T) {
	t.Parallel()

	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)

		content, _ := json.Marshal(rankedPayload)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":` + string(content) + `}}]}`))
	}))
	defer server.Close()

	backend := NewOpenAIBackend(config.OpenAIConfig{Endpoint: server.URL, Model: "gpt-4o", APIKey: "sk-test"}, server.Client())
	require.NoError(t, backend.Available())

	resp, err := backend.Triage(context.Background(), triage.Request{Prompt: "score these"})
	require.NoError(t, err)
	require.True(t, resp.IsStructured())
	require.Len(t, resp.Entries(), 1)
	assert.Equal(t, "a1", resp.Entries()[0].ID)

	assert.Equal(t, "gpt-4o", gotBody["model"])
	format, ok := gotBody["response_format"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "json_schema", format["type"])
}

func TestOpenAIBackendErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		body   string
		want   error
	}{
		{http.StatusUnauthorized, `{"error":"bad key"}`, domain.ErrBackendUnavailable},
		{http.StatusTooManyRequests, `{"error":"slow down"}`, domain.ErrBackendTimeout},
		{http.StatusBadGateway, `oops`, domain.ErrBackendTimeout},
		{http.StatusBadRequest, `{"error":"bad schema"}`, domain.ErrBackendMalformed},
		{http.StatusOK, `{"choices":[{"message":{"content":"not json"}}]}`, domain.ErrBackendMalformed},
		{http.StatusOK, `{"choices":[]}`, domain.ErrBackendMalformed},
	}
	for _, tc := range cases {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(tc.body))
		}))
		backend := NewOpenAIBackend(config.OpenAIConfig{Endpoint: server.URL, Model: "m", APIKey: "k"}, server.Client())
		_, err := backend.Triage(context.Background(), triage.Request{Prompt: "p"})
		assert.ErrorIs(t, err, tc.want, "status %d", tc.status)
		server.Close()
	}
}

func TestOpenAIBackendUnavailableWithoutKey(t *testing.T) {
	t.Parallel()

	backend := NewOpenAIBackend(config.OpenAIConfig{Endpoint: "http://unused", Model: "m"}, nil)
	err := backend.Available()
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
	assert.Contains(t, err.Error(), "OPENAI_API_KEY")
}

func TestGeminiBackendTriage(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/gemini-2.0-flash:generateContent", r.URL.Path)
		assert.Equal(t, "g-key", r.Header.Get("x-goog-api-key"))
		text, _ := json.Marshal(rankedPayload)
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":` + string(text) + `}]}}]}`))
	}))
	defer server.Close()

	backend := NewGeminiBackend(config.GeminiConfig{Endpoint: server.URL + "/", Model: "gemini-2.0-flash", APIKey: "g-key"}, server.Client())
	resp, err := backend.Triage(context.Background(), triage.Request{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "n", resp.Notes())
}

type fakeMessages struct {
	msg    *sdk.Message
	err    error
	params sdk.MessageNewParams
}

func (f *fakeMessages) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	f.params = body
	return f.msg, f.err
}

func TestAnthropicBackendDecodesToolCall(t *testing.T) {
	t.Parallel()

	fake := &fakeMessages{msg: &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: "Recording now."},
			{Type: "tool_use", Name: toolName, Input: json.RawMessage(rankedPayload)},
		},
		StopReason: sdk.StopReasonToolUse,
	}}
	backend := &AnthropicBackend{messages: fake, model: "claude-test", apiKey: "k", maxTokens: 1000}

	resp, err := backend.Triage(context.Background(), triage.Request{Prompt: "p"})
	require.NoError(t, err)
	require.Len(t, resp.Entries(), 1)
	assert.Equal(t, sdk.Model("claude-test"), fake.params.Model)
	assert.Equal(t, int64(1000), fake.params.MaxTokens)
	require.Len(t, fake.params.Tools, 1)
}

func TestAnthropicBackendMalformedReplies(t *testing.T) {
	t.Parallel()

	noTool := &fakeMessages{msg: &sdk.Message{
		Content:    []sdk.ContentBlockUnion{{Type: "text", Text: "I refuse."}},
		StopReason: sdk.StopReasonEndTurn,
	}}
	backend := &AnthropicBackend{messages: noTool, model: "m", apiKey: "k"}
	_, err := backend.Triage(context.Background(), triage.Request{Prompt: "p"})
	assert.ErrorIs(t, err, domain.ErrBackendMalformed)

	truncated := &fakeMessages{msg: &sdk.Message{StopReason: sdk.StopReasonMaxTokens}}
	backend = &AnthropicBackend{messages: truncated, model: "m", apiKey: "k"}
	_, err = backend.Triage(context.Background(), triage.Request{Prompt: "p"})
	assert.ErrorIs(t, err, domain.ErrBackendMalformed)

	transport := &fakeMessages{err: errors.New("connection reset by peer")}
	backend = &AnthropicBackend{messages: transport, model: "m", apiKey: "k"}
	_, err = backend.Triage(context.Background(), triage.Request{Prompt: "p"})
	assert.ErrorIs(t, err, domain.ErrBackendTimeout)

	backend = &AnthropicBackend{messages: transport, model: "m"}
	_, err = backend.Triage(context.Background(), triage.Request{Prompt: "p"})
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
}
