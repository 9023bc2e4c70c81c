// Package anthropic implements providers.Adapter on top of the Anthropic
// Claude Messages API using github.com/anthropics/anthropic-sdk-go. It
// mirrors the request/response shape of the teacher's model-client adapter
// but reports classified model.ProviderError values instead of raw SDK
// errors, and detects policy refusals before reading generated content.
package anthropic

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/jgilcrest/tradingagent/model"
)

// MessagesClient captures the subset of the Anthropic SDK used by the
// adapter, satisfied by *sdk.MessageService in production and by a fake in
// tests.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Options configures the adapter.
type Options struct {
	// DefaultModel is used when a request does not specify Model.
	DefaultModel string
	// MaxTokens caps completion length when a request does not set one.
	MaxTokens int
}

// Client implements providers.Adapter against Anthropic Messages.
type Client struct {
	msg          MessagesClient
	defaultModel string
	maxTokens    int
}

// New builds a Client from an explicit MessagesClient and Options.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("anthropic: default model is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Client{msg: msg, defaultModel: opts.DefaultModel, maxTokens: maxTokens}, nil
}

// NewFromAPIKey constructs a Client using the SDK's default HTTP transport.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

// Name implements providers.Adapter.
func (c *Client) Name() string { return "anthropic" }

// Invoke implements providers.Adapter. Safety is checked once, by
// inspecting the response's stop reason below before any content is read;
// buildParams sets no safety configuration on the request.
func (c *Client) Invoke(ctx context.Context, keyID string, req *model.Request) (*model.Response, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, model.NewProviderError("anthropic", "messages.new", model.ErrorKindFatal, 0, err.Error(), "", false, err)
	}

	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return nil, classifyError(err)
	}

	// Pre-validate the response before reading any generated text: a
	// "refusal" stop reason means Anthropic's safety system rejected the
	// request on policy grounds, which must never be surfaced as a capacity
	// or transport failure.
	if string(msg.StopReason) == "refusal" {
		return nil, model.NewProviderError("anthropic", "messages.new", model.ErrorKindSafetyBlock, 0, "request refused on safety grounds", string(msg.ID), false, nil)
	}

	return translateResponse(msg), nil
}

func (c *Client) buildParams(req *model.Request) (sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return sdk.MessageNewParams{}, errors.New("anthropic: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	maxTokens := req.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	msgs := make([]sdk.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case model.RoleUser:
			msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case model.RoleAssistant:
			msgs = append(msgs, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			// System turns are carried via params.System below, not as a
			// message; skip any stray system-role entries in Messages.
		}
	}

	params := sdk.MessageNewParams{
		Model:       sdk.Model(modelID),
		MaxTokens:   int64(maxTokens),
		Messages:    msgs,
		Temperature: sdk.Float(float64(req.Temperature)),
	}
	if req.SystemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: req.SystemPrompt}}
	}
	return params, nil
}

func translateResponse(msg *sdk.Message) *model.Response {
	var text string
	for _, block := range msg.Content {
		if tb := block.AsText(); tb.Text != "" {
			text += tb.Text
		}
	}
	return &model.Response{
		Content:    text,
		Model:      string(msg.Model),
		StopReason: string(msg.StopReason),
		Usage: model.TokenUsage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
			TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}
}

// classifyError maps SDK-level errors to the provider error taxonomy the
// router relies on. The Anthropic Go SDK surfaces HTTP status via
// *sdk.Error; it is examined here rather than string-matched.
func classifyError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		status := apiErr.StatusCode
		switch {
		case status == 429:
			return model.NewProviderError("anthropic", "messages.new", model.ErrorKindRateLimited, status, apiErr.Error(), "", true, err)
		case status >= 500:
			return model.NewProviderError("anthropic", "messages.new", model.ErrorKindTransient, status, apiErr.Error(), "", true, err)
		case status == 401 || status == 403 || status == 404:
			return model.NewProviderError("anthropic", "messages.new", model.ErrorKindFatal, status, apiErr.Error(), "", false, err)
		default:
			return model.NewProviderError("anthropic", "messages.new", model.ErrorKindFatal, status, apiErr.Error(), "", false, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.NewProviderError("anthropic", "messages.new", model.ErrorKindTimeout, 0, err.Error(), "", true, err)
	}
	return model.NewProviderError("anthropic", "messages.new", model.ErrorKindTransient, 0, fmt.Sprintf("transport error: %v", err), "", true, err)
}
