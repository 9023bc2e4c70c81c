// Package openai implements providers.Adapter on top of the OpenAI Chat
// Completions API using github.com/openai/openai-go. It mirrors the shape of
// the sibling anthropic adapter, but detects policy blocks via the
// "content_filter" finish reason instead of a refusal stop reason.
package openai

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/jgilcrest/tradingagent/model"
)

// ChatClient captures the subset of the OpenAI SDK used by the adapter,
// satisfied by openai.Client.Chat.Completions in production and by a fake in
// tests.
type ChatClient interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Options configures the adapter.
type Options struct {
	// DefaultModel is used when a request does not specify Model.
	DefaultModel string
}

// Client implements providers.Adapter against OpenAI Chat Completions.
type Client struct {
	chat         ChatClient
	defaultModel string
}

// New builds a Client from an explicit ChatClient and Options.
func New(chat ChatClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai: chat client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("openai: default model is required")
	}
	return &Client{chat: chat, defaultModel: opts.DefaultModel}, nil
}

// NewFromAPIKey constructs a Client using the SDK's default HTTP transport.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	oc := openai.NewClient(option.WithAPIKey(apiKey))
	return New(&oc.Chat.Completions, Options{DefaultModel: defaultModel})
}

// Name implements providers.Adapter.
func (c *Client) Name() string { return "openai" }

// Invoke implements providers.Adapter. The response's finish reason is
// inspected before any generated text is read: "content_filter" signals a
// policy block, which must never be reported as a capacity or transport
// failure.
func (c *Client) Invoke(ctx context.Context, keyID string, req *model.Request) (*model.Response, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, model.NewProviderError("openai", "chat.completions.new", model.ErrorKindFatal, 0, err.Error(), "", false, err)
	}

	resp, err := c.chat.New(ctx, params)
	if err != nil {
		return nil, classifyError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, model.NewProviderError("openai", "chat.completions.new", model.ErrorKindFatal, 0, "empty choices in response", resp.ID, false, nil)
	}

	choice := resp.Choices[0]
	if string(choice.FinishReason) == "content_filter" {
		return nil, model.NewProviderError("openai", "chat.completions.new", model.ErrorKindSafetyBlock, 0, "request blocked by content filter", resp.ID, false, nil)
	}

	return translateResponse(resp, choice), nil
}

func (c *Client) buildParams(req *model.Request) (openai.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return openai.ChatCompletionNewParams{}, errors.New("openai: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}

	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, openai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case model.RoleUser:
			msgs = append(msgs, openai.UserMessage(m.Content))
		case model.RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		case model.RoleSystem:
			msgs = append(msgs, openai.SystemMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(modelID),
		Messages:    msgs,
		Temperature: openai.Float(float64(req.Temperature)),
	}
	if req.MaxOutputTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxOutputTokens))
	}
	return params, nil
}

func translateResponse(resp *openai.ChatCompletion, choice openai.ChatCompletionChoice) *model.Response {
	return &model.Response{
		Content:    choice.Message.Content,
		Model:      resp.Model,
		StopReason: string(choice.FinishReason),
		Usage: model.TokenUsage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
	}
}

// classifyError maps SDK-level errors to the provider error taxonomy the
// router relies on, examining the SDK's typed *openai.Error rather than
// string-matching messages.
func classifyError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		status := apiErr.StatusCode
		switch {
		case status == 429:
			return model.NewProviderError("openai", "chat.completions.new", model.ErrorKindRateLimited, status, apiErr.Error(), "", true, err)
		case status >= 500:
			return model.NewProviderError("openai", "chat.completions.new", model.ErrorKindTransient, status, apiErr.Error(), "", true, err)
		case status == 401 || status == 403 || status == 404:
			return model.NewProviderError("openai", "chat.completions.new", model.ErrorKindFatal, status, apiErr.Error(), "", false, err)
		default:
			return model.NewProviderError("openai", "chat.completions.new", model.ErrorKindFatal, status, apiErr.Error(), "", false, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.NewProviderError("openai", "chat.completions.new", model.ErrorKindTimeout, 0, err.Error(), "", true, err)
	}
	return model.NewProviderError("openai", "chat.completions.new", model.ErrorKindTransient, 0, fmt.Sprintf("transport error: %v", err), "", true, err)
}
