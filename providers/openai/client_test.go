package openai_test

import (
	"context"
	"testing"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jgilcrest/tradingagent/providers/openai"
)

// fakeChatClient satisfies openai.ChatClient for constructor and name tests.
// Response-shape behavior (including content-filter detection) is not
// exercised by these unit tests, since building a well-formed
// *sdk.ChatCompletion fixture by hand is brittle across SDK versions.
type fakeChatClient struct{}

func (fakeChatClient) New(_ context.Context, _ sdk.ChatCompletionNewParams, _ ...option.RequestOption) (*sdk.ChatCompletion, error) {
	return nil, nil
}

func TestNewRequiresChatClient(t *testing.T) {
	_, err := openai.New(nil, openai.Options{DefaultModel: "gpt-4o"})
	require.Error(t, err)
}

func TestNewRequiresDefaultModel(t *testing.T) {
	_, err := openai.New(fakeChatClient{}, openai.Options{})
	require.Error(t, err)
}

func TestNameIsOpenAI(t *testing.T) {
	c, err := openai.New(fakeChatClient{}, openai.Options{DefaultModel: "gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, "openai", c.Name())
}
