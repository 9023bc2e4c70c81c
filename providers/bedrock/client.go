// Package bedrock implements providers.Adapter on top of the AWS Bedrock
// Converse API using github.com/aws/aws-sdk-go-v2. Unlike the sibling
// anthropic and openai adapters it unwraps smithy-go's typed API error to
// tell rate limiting and transport failures apart, since the AWS SDK does
// not expose a flat HTTP-status field the way the Anthropic and OpenAI SDKs
// do.
package bedrock

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/jgilcrest/tradingagent/model"
)

// RuntimeClient captures the subset of the Bedrock runtime client used by the
// adapter, satisfied by *bedrockruntime.Client in production and by a fake in
// tests.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Options configures the adapter.
type Options struct {
	// DefaultModel is used when a request does not specify Model.
	DefaultModel string
	// MaxTokens caps completion length when a request does not set one.
	MaxTokens int
}

// Client implements providers.Adapter against Bedrock Converse.
type Client struct {
	runtime      RuntimeClient
	defaultModel string
	maxTokens    int
}

// New builds a Client from an explicit RuntimeClient and Options.
func New(runtime RuntimeClient, opts Options) (*Client, error) {
	if runtime == nil {
		return nil, errors.New("bedrock: runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("bedrock: default model is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Client{runtime: runtime, defaultModel: opts.DefaultModel, maxTokens: maxTokens}, nil
}

// Name implements providers.Adapter.
func (c *Client) Name() string { return "bedrock" }

// Invoke implements providers.Adapter. A "guardrail_intervened" stop reason
// is treated as a policy block and is checked before any text content is
// read from the response.
func (c *Client) Invoke(ctx context.Context, keyID string, req *model.Request) (*model.Response, error) {
	input, err := c.buildInput(req)
	if err != nil {
		return nil, model.NewProviderError("bedrock", "converse", model.ErrorKindFatal, 0, err.Error(), "", false, err)
	}

	out, err := c.runtime.Converse(ctx, input)
	if err != nil {
		return nil, classifyError(err)
	}

	if out.StopReason == brtypes.StopReasonGuardrailIntervened {
		return nil, model.NewProviderError("bedrock", "converse", model.ErrorKindSafetyBlock, 0, "request blocked by guardrail", "", false, nil)
	}

	return translateResponse(out), nil
}

func (c *Client) buildInput(req *model.Request) (*bedrockruntime.ConverseInput, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("bedrock: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}

	messages := make([]brtypes.Message, 0, len(req.Messages))
	var system []brtypes.SystemContentBlock
	if req.SystemPrompt != "" {
		system = []brtypes.SystemContentBlock{
			&brtypes.SystemContentBlockMemberText{Value: req.SystemPrompt},
		}
	}
	for _, m := range req.Messages {
		var role brtypes.ConversationRole
		switch m.Role {
		case model.RoleUser:
			role = brtypes.ConversationRoleUser
		case model.RoleAssistant:
			role = brtypes.ConversationRoleAssistant
		default:
			continue
		}
		messages = append(messages, brtypes.Message{
			Role:    role,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
		})
	}
	if len(messages) == 0 {
		return nil, errors.New("bedrock: at least one user/assistant message is required")
	}

	maxTokens := req.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(modelID),
		Messages: messages,
		InferenceConfig: &brtypes.InferenceConfiguration{
			MaxTokens:   aws.Int32(int32(maxTokens)),
			Temperature: aws.Float32(req.Temperature),
		},
	}
	if len(system) > 0 {
		input.System = system
	}
	return input, nil
}

func translateResponse(out *bedrockruntime.ConverseOutput) *model.Response {
	var text string
	if msg, ok := out.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			if tb, ok := block.(*brtypes.ContentBlockMemberText); ok {
				text += tb.Value
			}
		}
	}
	resp := &model.Response{
		Content:    text,
		StopReason: string(out.StopReason),
	}
	if usage := out.Usage; usage != nil {
		resp.Usage = model.TokenUsage{
			InputTokens:  int(ptrInt32(usage.InputTokens)),
			OutputTokens: int(ptrInt32(usage.OutputTokens)),
			TotalTokens:  int(ptrInt32(usage.TotalTokens)),
		}
	}
	return resp
}

func ptrInt32(p *int32) int32 {
	if p == nil {
		return 0
	}
	return *p
}

// classifyError maps smithy-go's typed API error to the provider error
// taxonomy the router relies on. Unlike the Anthropic and OpenAI SDKs, the
// AWS SDK does not expose a flat HTTP-status accessor on every error, so
// classification unwraps smithy.APIError for provider error codes and falls
// back to the transport-level smithyhttp.ResponseError for status codes.
func classifyError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException", "ServiceQuotaExceededException":
			return model.NewProviderError("bedrock", "converse", model.ErrorKindRateLimited, 429, apiErr.Error(), "", true, err)
		case "ModelTimeoutException":
			return model.NewProviderError("bedrock", "converse", model.ErrorKindTimeout, 0, apiErr.Error(), "", true, err)
		case "InternalServerException", "ServiceUnavailableException", "ModelNotReadyException":
			return model.NewProviderError("bedrock", "converse", model.ErrorKindTransient, 0, apiErr.Error(), "", true, err)
		case "AccessDeniedException", "ValidationException", "ResourceNotFoundException":
			return model.NewProviderError("bedrock", "converse", model.ErrorKindFatal, 0, apiErr.Error(), "", false, err)
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status := respErr.HTTPStatusCode()
		switch {
		case status == 429:
			return model.NewProviderError("bedrock", "converse", model.ErrorKindRateLimited, status, err.Error(), "", true, err)
		case status >= 500:
			return model.NewProviderError("bedrock", "converse", model.ErrorKindTransient, status, err.Error(), "", true, err)
		default:
			return model.NewProviderError("bedrock", "converse", model.ErrorKindFatal, status, err.Error(), "", false, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.NewProviderError("bedrock", "converse", model.ErrorKindTimeout, 0, err.Error(), "", true, err)
	}
	return model.NewProviderError("bedrock", "converse", model.ErrorKindTransient, 0, fmt.Sprintf("transport error: %v", err), "", true, err)
}
