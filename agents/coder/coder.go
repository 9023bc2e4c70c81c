// Package coder implements the Coder agent contract: turn a task (new or
// fix) plus an optional contract and optional original_artifact_path into a
// source artifact, overwriting that path in place when one is set.
package coder

import (
	"context"
	"fmt"
	"strings"

	"github.com/jgilcrest/tradingagent/agentframework"
	"github.com/jgilcrest/tradingagent/eventbus"
	"github.com/jgilcrest/tradingagent/model"
	"github.com/jgilcrest/tradingagent/router"
)

const role = "coder"

const systemPrompt = `You are the coder agent in an automated trading-strategy generation pipeline.
Given a task description, an optional architect contract, and optional debugging instructions
for a prior failing attempt, produce complete, runnable source code for the artifact. When fix
instructions are present, correct exactly the defect they describe without rewriting unrelated
parts of the file.`

// ArtifactStore reads the current contents of path (for a fix task, "" if
// none) and writes new content to path, returning the path written —
// original_artifact_path when set, otherwise a freshly allocated path.
type ArtifactStore interface {
	Read(ctx context.Context, path string) (string, error)
	Write(ctx context.Context, workflowID, taskID, originalPath, content string) (path string, err error)
}

// New wires a coder agent onto bus, routing its LLM calls through r.
func New(bus eventbus.Bus, r *router.Router, modelPreference string, store ArtifactStore) (*agentframework.Base, error) {
	return agentframework.New(bus, agentframework.Options{Role: role}, func(ctx context.Context, bus eventbus.Bus, evt eventbus.Event, payload eventbus.TaskDispatchedPayload) error {
		prompt := buildPrompt(ctx, payload, store)

		result := r.SendOneShot(ctx, router.ChatRequest{
			Prompt:                   prompt,
			SystemPrompt:             systemPrompt,
			ModelPreference:          modelPreference,
			WorkloadClass:            model.WorkloadStandard,
			ExpectedCompletionTokens: 3000,
		})
		if !result.Success {
			return agentframework.PublishFailed(ctx, bus, evt, role, classifyRouterError(result.ErrorKind), errString(result.Err), result.ErrorKind != model.ErrorKindFatal)
		}

		code := extractCode(result.Content)
		path, err := store.Write(ctx, evt.WorkflowID, evt.TaskID, payload.OriginalArtifact, code)
		if err != nil {
			return agentframework.PublishFailed(ctx, bus, evt, role, "artifact_missing", err.Error(), true)
		}
		return agentframework.PublishCompleted(ctx, bus, evt, role, path, map[string]string{"model": result.Model})
	})
}

func buildPrompt(ctx context.Context, payload eventbus.TaskDispatchedPayload, store ArtifactStore) string {
	var b strings.Builder
	b.WriteString(payload.Title)
	b.WriteString("\n\n")
	b.WriteString(payload.Description)

	if payload.OriginalArtifact != "" {
		if existing, err := store.Read(ctx, payload.OriginalArtifact); err == nil && existing != "" {
			b.WriteString("\n\nCurrent contents of the file to fix:\n")
			b.WriteString(existing)
		}
	}
	if payload.DebugInstructions != "" {
		b.WriteString("\n\nDebugging instructions from the failing test run:\n")
		b.WriteString(payload.DebugInstructions)
	}
	return b.String()
}

// extractCode strips a single leading/trailing fenced code block if the
// model wrapped its answer in one; otherwise returns content unmodified.
func extractCode(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return content
	}
	lines := strings.Split(trimmed, "\n")
	if len(lines) < 2 {
		return content
	}
	lines = lines[1:]
	if len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
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
