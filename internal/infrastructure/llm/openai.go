package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"FeedTriage/internal/config"
	"FeedTriage/internal/domain"
	"FeedTriage/internal/triage"
)

const systemPrompt = "You triage feed items for relevance to a research topic and answer only with the requested JSON."

// OpenAIBackend implements triage.Backend against OpenAI-compatible chat
// completions with a strict JSON schema response format.
type OpenAIBackend struct {
	endpoint   string
	model      string
	apiKey     string
	httpClient *http.Client
}

var _ triage.Backend = (*OpenAIBackend)(nil)

// NewOpenAIBackend builds a backend from configuration. A nil client gets
// http.DefaultClient; the router bounds each call with a context deadline.
func NewOpenAIBackend(cfg config.OpenAIConfig, client *http.Client) *OpenAIBackend {
	if client == nil {
		client = http.DefaultClient
	}
	return &OpenAIBackend{
		endpoint:   cfg.Endpoint,
		model:      cfg.Model,
		apiKey:     cfg.APIKey,
		httpClient: client,
	}
}

func (c *OpenAIBackend) ID() string    { return config.BackendOpenAI }
func (c *OpenAIBackend) Model() string { return c.model }

func (c *OpenAIBackend) Capabilities() triage.Capabilities {
	return triage.Capabilities{StructuredJSON: true, RateLimited: true}
}

// Available requires an API key, an endpoint and a model.
func (c *OpenAIBackend) Available() error {
	if c.apiKey == "" {
		return fmt.Errorf("%w: openai needs an API key, set OPENAI_API_KEY or triage.openai.apiKey", domain.ErrBackendUnavailable)
	}
	if c.endpoint == "" || c.model == "" {
		return fmt.Errorf("%w: openai endpoint or model is empty", domain.ErrBackendUnavailable)
	}
	return nil
}

// Triage posts the prompt and decodes the schema-constrained reply.
func (c *OpenAIBackend) Triage(ctx context.Context, req triage.Request) (triage.Response, error) {
	if err := c.Available(); err != nil {
		return triage.Response{}, err
	}

	body, err := json.Marshal(map[string]any{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": req.Prompt},
		},
		"response_format": map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   "triage",
				"strict": true,
				"schema": triageSchema(),
			},
		},
	})
	if err != nil {
		return triage.Response{}, fmt.Errorf("marshal openai payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return triage.Response{}, fmt.Errorf("%w: new request: %v", domain.ErrBackendUnavailable, err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return triage.Response{}, classifyTransport("openai", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return triage.Response{}, classifyStatus("openai", resp, payload)
	}

	var completion struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
				Refusal string `json:"refusal"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return triage.Response{}, fmt.Errorf("%w: decode openai completion: %v", domain.ErrBackendMalformed, err)
	}
	if len(completion.Choices) == 0 {
		return triage.Response{}, fmt.Errorf("%w: openai returned no choices", domain.ErrBackendMalformed)
	}
	msg := completion.Choices[0].Message
	if msg.Refusal != "" {
		return triage.Response{}, fmt.Errorf("%w: openai refused: %s", domain.ErrBackendMalformed, strings.TrimSpace(msg.Refusal))
	}

	return triage.DecodeStructured([]byte(msg.Content))
}
