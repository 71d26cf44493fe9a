package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"FeedTriage/internal/config"
	"FeedTriage/internal/domain"
	"FeedTriage/internal/triage"
)

type messageCreator interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicBackend implements triage.Backend with the Messages API. The
// model is forced to call a single tool whose input schema is the triage
// payload, so the reply is always a typed object.
type AnthropicBackend struct {
	messages  messageCreator
	model     string
	apiKey    string
	maxTokens int64
}

var _ triage.Backend = (*AnthropicBackend)(nil)

// NewAnthropicBackend builds an SDK-backed client. Retries are left to the router.
func NewAnthropicBackend(cfg config.AnthropicConfig) *AnthropicBackend {
	client := sdk.NewClient(
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	)
	return &AnthropicBackend{
		messages:  &client.Messages,
		model:     cfg.Model,
		apiKey:    cfg.APIKey,
		maxTokens: cfg.MaxTokens,
	}
}

func (a *AnthropicBackend) ID() string    { return config.BackendAnthropic }
func (a *AnthropicBackend) Model() string { return a.model }

func (a *AnthropicBackend) Capabilities() triage.Capabilities {
	return triage.Capabilities{StructuredJSON: true, RateLimited: true}
}

func (a *AnthropicBackend) Available() error {
	if a.apiKey == "" {
		return fmt.Errorf("%w: anthropic needs an API key, set ANTHROPIC_API_KEY or triage.anthropic.apiKey", domain.ErrBackendUnavailable)
	}
	if a.model == "" {
		return fmt.Errorf("%w: anthropic model is empty", domain.ErrBackendUnavailable)
	}
	return nil
}

func (a *AnthropicBackend) Triage(ctx context.Context, req triage.Request) (triage.Response, error) {
	if err := a.Available(); err != nil {
		return triage.Response{}, err
	}

	schema := triageSchema()
	maxTokens := a.maxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(a.model),
		MaxTokens: maxTokens,
		System:    []sdk.TextBlockParam{{Text: systemPrompt}},
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt))},
		Tools: []sdk.ToolUnionParam{{
			OfTool: &sdk.ToolParam{
				Name:        toolName,
				Description: sdk.String("Record the relevance judgment for every submitted item."),
				InputSchema: sdk.ToolInputSchemaParam{
					Properties: schema["properties"],
					Required:   []string{"notes", "ranked"},
				},
			},
		}},
		ToolChoice: sdk.ToolChoiceUnionParam{
			OfTool: &sdk.ToolChoiceToolParam{Name: toolName},
		},
	}

	msg, err := a.messages.New(ctx, params)
	if err != nil {
		return triage.Response{}, classifyAnthropic(err)
	}

	if msg.StopReason == sdk.StopReasonMaxTokens {
		return triage.Response{}, fmt.Errorf("%w: anthropic reply hit max_tokens (%d)", domain.ErrBackendMalformed, maxTokens)
	}
	for _, block := range msg.Content {
		if block.Type == "tool_use" && block.Name == toolName {
			return triage.DecodeStructured(block.Input)
		}
	}
	return triage.Response{}, fmt.Errorf("%w: anthropic reply has no %s call", domain.ErrBackendMalformed, toolName)
}

func classifyAnthropic(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
			return fmt.Errorf("%w: anthropic rejected credentials: %v", domain.ErrBackendUnavailable, err)
		case apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= http.StatusInternalServerError:
			return fmt.Errorf("%w: anthropic: %v", domain.ErrBackendTimeout, err)
		default:
			return fmt.Errorf("%w: anthropic: %v", domain.ErrBackendMalformed, err)
		}
	}
	return classifyTransport("anthropic", err)
}
