// Package debugger implements the Debugger agent: dispatched by the
// orchestrator with a failing test's diagnostic summary, it produces
// debugging instructions that the orchestrator's own branch-creation logic
// consumes. Its output is the instructions text only; it does not propose a
// routing role or a failure classification, which the orchestrator decides
// itself. The debugger does not create the branch task either (that stays
// the orchestrator's job, so branch-depth and debug-attempt limits are
// enforced in one place).
package debugger

import (
	"context"

	"github.com/jgilcrest/tradingagent/agentframework"
	"github.com/jgilcrest/tradingagent/eventbus"
	"github.com/jgilcrest/tradingagent/model"
	"github.com/jgilcrest/tradingagent/router"
)

const role = "debugger"

const systemPrompt = `You are the debugger agent in an automated trading-strategy generation pipeline.
You receive the source of a failing artifact, the failing test's stderr excerpt, and its suggested
failure classification. Produce concise, actionable fix instructions for the coder agent: name the
defect, the file location if determinable, and the minimal change needed. Do not rewrite the file
yourself.`

// ArtifactReader reads the current contents of an artifact path for
// inclusion in the diagnosis prompt.
type ArtifactReader func(ctx context.Context, path string) (string, error)

// New wires a debugger agent onto bus. The debugger is dispatched by the
// orchestrator exactly like any other role — its TASK_DISPATCHED payload's
// Description carries the failing test's diagnostic summary — and it
// completes with an artifact-free AGENT_TASK_COMPLETED whose Metadata
// carries the instructions text the branch task should use, rather than
// writing a file.
func New(bus eventbus.Bus, r *router.Router, modelPreference string, read ArtifactReader) (*agentframework.Base, error) {
	return agentframework.New(bus, agentframework.Options{Role: role}, func(ctx context.Context, bus eventbus.Bus, evt eventbus.Event, payload eventbus.TaskDispatchedPayload) error {
		prompt := payload.Description
		if payload.OriginalArtifact != "" {
			if src, err := read(ctx, payload.OriginalArtifact); err == nil && src != "" {
				prompt += "\n\nFailing artifact source:\n" + src
			}
		}

		result := r.SendOneShot(ctx, router.ChatRequest{
			Prompt:                   prompt,
			SystemPrompt:             systemPrompt,
			ModelPreference:          modelPreference,
			WorkloadClass:            model.WorkloadStandard,
			ExpectedCompletionTokens: 800,
		})
		if !result.Success {
			return agentframework.PublishFailed(ctx, bus, evt, role, "sandbox_error", result.Err.Error(), result.ErrorKind != model.ErrorKindFatal)
		}

		return agentframework.PublishCompleted(ctx, bus, evt, role, "", map[string]string{
			"debug_instructions": result.Content,
			"model":              result.Model,
		})
	})
}
