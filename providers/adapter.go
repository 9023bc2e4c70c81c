// Package providers defines the uniform LLM Provider Adapter contract and a
// circuit-breaker decorator shared by every concrete provider
// implementation (anthropic, openai, bedrock).
package providers

import (
	"context"

	"github.com/jgilcrest/tradingagent/model"
)

// Adapter turns a model.Request into a model.Response for one provider. All
// concrete adapters must pre-validate provider responses before reading
// content: when a response indicates a policy block, Invoke returns a
// *model.ProviderError with Kind == model.ErrorKindSafetyBlock without
// attempting to read generated text. The adapters in this module check for
// a policy block at response inspection only; none of them sets provider
// safety settings at request or model construction.
type Adapter interface {
	// Invoke performs one model call on behalf of key keyID.
	Invoke(ctx context.Context, keyID string, req *model.Request) (*model.Response, error)

	// Name identifies the provider (e.g. "anthropic") for logging and
	// health reporting.
	Name() string
}
