// Package architect implements the Architect agent contract: turn a
// requirements description into a contract artifact describing the
// function signatures, data models, example cases, test skeleton, and
// fixtures a Coder/Tester pair will need downstream.
package architect

import (
	"context"
	"fmt"

	"github.com/jgilcrest/tradingagent/agentframework"
	"github.com/jgilcrest/tradingagent/eventbus"
	"github.com/jgilcrest/tradingagent/model"
	"github.com/jgilcrest/tradingagent/router"
)

const role = "architect"

const systemPrompt = `You are the architect agent in an automated trading-strategy generation pipeline.
Given a requirements description, produce a contract artifact that downstream coder and tester
agents can implement and verify against without further clarification. Include: function
signatures, data models, example inputs/outputs, a test skeleton (named test cases with intent,
no implementation), and any fixtures the tester will need resolved from disk.`

// ArtifactWriter persists the architect's contract text to durable storage
// (filesystem, object store) and returns the path other tasks reference.
type ArtifactWriter func(ctx context.Context, workflowID, taskID, contract string) (path string, err error)

// New wires an architect agent onto bus, routing its LLM calls through r.
func New(bus eventbus.Bus, r *router.Router, modelPreference string, write ArtifactWriter) (*agentframework.Base, error) {
	return agentframework.New(bus, agentframework.Options{Role: role}, func(ctx context.Context, bus eventbus.Bus, evt eventbus.Event, payload eventbus.TaskDispatchedPayload) error {
		result := r.SendOneShot(ctx, router.ChatRequest{
			Prompt:                   payload.Description,
			SystemPrompt:             systemPrompt,
			ModelPreference:          modelPreference,
			WorkloadClass:            model.WorkloadStandard,
			ExpectedCompletionTokens: 2000,
		})
		if !result.Success {
			return agentframework.PublishFailed(ctx, bus, evt, role, classifyRouterError(result.ErrorKind), errString(result.Err), result.ErrorKind != model.ErrorKindFatal)
		}

		path, err := write(ctx, evt.WorkflowID, evt.TaskID, result.Content)
		if err != nil {
			return agentframework.PublishFailed(ctx, bus, evt, role, "artifact_missing", err.Error(), true)
		}
		return agentframework.PublishCompleted(ctx, bus, evt, role, path, map[string]string{"model": result.Model})
	})
}

func classifyRouterError(kind model.ErrorKind) string {
	switch kind {
	case model.ErrorKindSafetyBlock:
		return "secrets_detected"
	case model.ErrorKindRateLimited, model.ErrorKindTimeout, model.ErrorKindTransient:
		return "sandbox_error"
	default:
		return "schema_invalid"
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%v", err)
}
