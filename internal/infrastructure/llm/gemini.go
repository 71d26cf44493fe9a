package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"FeedTriage/internal/config"
	"FeedTriage/internal/domain"
	"FeedTriage/internal/triage"
)

// GeminiBackend implements triage.Backend against generateContent with a
// JSON response schema.
type GeminiBackend struct {
	endpoint   string
	model      string
	apiKey     string
	httpClient *http.Client
}

var _ triage.Backend = (*GeminiBackend)(nil)

// NewGeminiBackend builds a backend from configuration.
func NewGeminiBackend(cfg config.GeminiConfig, client *http.Client) *GeminiBackend {
	if client == nil {
		client = http.DefaultClient
	}
	return &GeminiBackend{
		endpoint:   strings.TrimSuffix(cfg.Endpoint, "/"),
		model:      cfg.Model,
		apiKey:     cfg.APIKey,
		httpClient: client,
	}
}

func (g *GeminiBackend) ID() string    { return config.BackendGemini }
func (g *GeminiBackend) Model() string { return g.model }

func (g *GeminiBackend) Capabilities() triage.Capabilities {
	return triage.Capabilities{StructuredJSON: true, RateLimited: true}
}

func (g *GeminiBackend) Available() error {
	if g.apiKey == "" {
		return fmt.Errorf("%w: gemini needs an API key, set GEMINI_API_KEY or triage.gemini.apiKey", domain.ErrBackendUnavailable)
	}
	if g.endpoint == "" || g.model == "" {
		return fmt.Errorf("%w: gemini endpoint or model is empty", domain.ErrBackendUnavailable)
	}
	return nil
}

func (g *GeminiBackend) Triage(ctx context.Context, req triage.Request) (triage.Response, error) {
	if err := g.Available(); err != nil {
		return triage.Response{}, err
	}

	body, err := json.Marshal(map[string]any{
		"systemInstruction": map[string]any{
			"parts": []map[string]string{{"text": systemPrompt}},
		},
		"contents": []map[string]any{
			{"role": "user", "parts": []map[string]string{{"text": req.Prompt}}},
		},
		"generationConfig": map[string]any{
			"responseMimeType": "application/json",
			"responseSchema":   geminiSchema(),
		},
	})
	if err != nil {
		return triage.Response{}, fmt.Errorf("marshal gemini payload: %w", err)
	}

	target := fmt.Sprintf("%s/models/%s:generateContent", g.endpoint, url.PathEscape(g.model))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return triage.Response{}, fmt.Errorf("%w: new request: %v", domain.ErrBackendUnavailable, err)
	}
	httpReq.Header.Set("x-goog-api-key", g.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return triage.Response{}, classifyTransport("gemini", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return triage.Response{}, classifyStatus("gemini", resp, payload)
	}

	var generated struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&generated); err != nil {
		return triage.Response{}, fmt.Errorf("%w: decode gemini response: %v", domain.ErrBackendMalformed, err)
	}
	if len(generated.Candidates) == 0 || len(generated.Candidates[0].Content.Parts) == 0 {
		return triage.Response{}, fmt.Errorf("%w: gemini returned no candidates", domain.ErrBackendMalformed)
	}

	var text strings.Builder
	for _, part := range generated.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}
	return triage.DecodeStructured([]byte(text.String()))
}

// geminiSchema is triageSchema in the OpenAPI subset generateContent accepts.
func geminiSchema() map[string]any {
	return map[string]any{
		"type":     "OBJECT",
		"required": []string{"notes", "ranked"},
		"properties": map[string]any{
			"notes": map[string]any{"type": "STRING"},
			"ranked": map[string]any{
				"type": "ARRAY",
				"items": map[string]any{
					"type":     "OBJECT",
					"required": []string{"id", "score", "tags", "rationale"},
					"properties": map[string]any{
						"id":        map[string]any{"type": "STRING"},
						"score":     map[string]any{"type": "NUMBER"},
						"tags":      map[string]any{"type": "ARRAY", "items": map[string]any{"type": "STRING"}},
						"rationale": map[string]any{"type": "STRING"},
					},
				},
			},
		},
	}
}
