// Package router turns a single logical LLM call into a bounded sequence of
// attempts over the key pool, transparently handling rate limits, safety
// blocks, transient errors, and conversation memory so callers never talk to
// a providers.Adapter directly.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jgilcrest/tradingagent/keymanager"
	"github.com/jgilcrest/tradingagent/model"
	"github.com/jgilcrest/tradingagent/providers"
)

const (
	maxExhaustedRetries = 3
	maxSafetyRetries    = 2
	maxRateLimitRetries = 3
	maxTransientRetries = 3
)

// ErrAllKeysExhausted is returned when no key becomes available across every
// backoff-and-retry attempt.
var ErrAllKeysExhausted = errors.New("router: all keys exhausted")

// ErrSafetyBlocked is returned when a request is refused on policy grounds
// even after workload-tier escalation and prompt sanitization.
var ErrSafetyBlocked = errors.New("router: request safety blocked")

// ModelRoute binds a model name prefix to the adapter that serves it.
type ModelRoute struct {
	ModelPrefix string
	Adapter     providers.Adapter
}

// Result is the outcome of one send_chat/send_one_shot call.
type Result struct {
	Success   bool
	Content   string
	Model     string
	KeyID     string
	Tokens    model.TokenUsage
	ErrorKind model.ErrorKind
	Err       error
}

// Router is the single point of contact between agents and LLM providers.
type Router struct {
	km     *keymanager.Manager
	routes []ModelRoute
	conv   *conversationStore

	reqTimeout time.Duration

	stop chan struct{}
}

// New builds a Router. routes are matched longest-prefix-first against the
// request's model preference to select a providers.Adapter.
func New(km *keymanager.Manager, routes []ModelRoute, requestTimeout time.Duration) *Router {
	sorted := append([]ModelRoute(nil), routes...)
	sort.Slice(sorted, func(i, j int) bool {
		return len(sorted[i].ModelPrefix) > len(sorted[j].ModelPrefix)
	})
	r := &Router{
		km:         km,
		routes:     sorted,
		conv:       newConversationStore(defaultIdleTTL),
		reqTimeout: requestTimeout,
		stop:       make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

// Close stops the background conversation sweep.
func (r *Router) Close() { close(r.stop) }

func (r *Router) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.conv.sweep()
		}
	}
}

// ChatRequest describes one logical call through the router.
type ChatRequest struct {
	ConvID                string
	Prompt                string
	SystemPrompt          string
	ModelPreference       string
	WorkloadClass         model.WorkloadClass
	ExpectedCompletionTokens int
	Temperature           float32
	MaxOutputTokens       int
}

// SendChat appends the user prompt to conv_id's history before invocation
// and the assistant reply on success, serialized per conversation.
func (r *Router) SendChat(ctx context.Context, req ChatRequest) Result {
	entry := r.conv.lock(req.ConvID)
	defer entry.unlock()

	history := entry.turns(r.conv.idleTTL)
	result := r.attempt(ctx, req, history)
	if result.Success {
		entry.appendTurn(model.Message{Role: model.RoleUser, Content: req.Prompt})
		entry.appendTurn(model.Message{Role: model.RoleAssistant, Content: result.Content})
	}
	return result
}

// SendOneShot is identical to SendChat but bypasses conversation memory
// entirely: no history is read and nothing is appended.
func (r *Router) SendOneShot(ctx context.Context, req ChatRequest) Result {
	return r.attempt(ctx, req, nil)
}

// Health reports the Key Manager's current snapshot.
func (r *Router) Health() keymanager.Snapshot {
	return r.km.Health()
}

func (r *Router) attempt(ctx context.Context, req ChatRequest, history []model.Message) Result {
	adapter, ok := r.resolveAdapter(req.ModelPreference)
	if !ok {
		return Result{Success: false, ErrorKind: model.ErrorKindFatal, Err: fmt.Errorf("router: no adapter for model %q", req.ModelPreference)}
	}

	promptTokens := estimateTokens(req.SystemPrompt) + estimateTokens(req.Prompt) + historyTokens(history)
	workload := req.WorkloadClass
	prompt := req.Prompt

	safetyAttempts := 0
	rateLimitAttempts := 0
	transientAttempts := 0

	for {
		res, err := r.reserveWithBackoff(ctx, req.ModelPreference, workload, promptTokens, req.ExpectedCompletionTokens)
		if err != nil {
			return Result{Success: false, ErrorKind: model.ErrorKindFatal, Err: ErrAllKeysExhausted}
		}

		llmReq := &model.Request{
			Model:                     req.ModelPreference,
			ModelClass:                workload,
			Messages:                  append(append([]model.Message(nil), history...), model.Message{Role: model.RoleUser, Content: prompt}),
			SystemPrompt:              req.SystemPrompt,
			Temperature:               req.Temperature,
			MaxOutputTokens:           req.MaxOutputTokens,
			EstimatedPromptTokens:     promptTokens,
			EstimatedCompletionTokens: req.ExpectedCompletionTokens,
		}

		resp, callErr := adapter.Invoke(ctx, res.KeyID, llmReq)
		if callErr == nil {
			r.km.Release(res, resp.Usage.OutputTokens, keymanager.OutcomeOK)
			return Result{
				Success: true,
				Content: resp.Content,
				Model:   resp.Model,
				KeyID:   res.KeyID,
				Tokens:  resp.Usage,
			}
		}

		pe, _ := model.AsProviderError(callErr)
		kind := model.ErrorKindFatal
		if pe != nil {
			kind = pe.Kind
		}

		switch kind {
		case model.ErrorKindSafetyBlock:
			// Never propagated as an unhealthy-key signal: the key is left
			// exactly as it was before this attempt.
			r.km.Release(res, 0, keymanager.OutcomeSafetyBlock)
			safetyAttempts++
			if safetyAttempts > maxSafetyRetries {
				return Result{Success: false, ErrorKind: model.ErrorKindSafetyBlock, Err: ErrSafetyBlocked}
			}
			prompt = sanitizePrompt(prompt)
			workload = escalateWorkload(workload)
			continue

		case model.ErrorKindRateLimited:
			r.km.Release(res, 0, keymanager.OutcomeRateLimited)
			rateLimitAttempts++
			if rateLimitAttempts > maxRateLimitRetries {
				return Result{Success: false, ErrorKind: model.ErrorKindRateLimited, Err: callErr}
			}
			continue

		case model.ErrorKindTimeout, model.ErrorKindTransient:
			outcome := keymanager.OutcomeTransientError
			r.km.Release(res, 0, outcome)
			transientAttempts++
			if transientAttempts > maxTransientRetries {
				return Result{Success: false, ErrorKind: kind, Err: callErr}
			}
			sleepWithBackoff(ctx, transientAttempts)
			continue

		default: // FATAL and anything unrecognized
			r.km.Release(res, 0, keymanager.OutcomeFatalError)
			return Result{Success: false, ErrorKind: model.ErrorKindFatal, Err: callErr}
		}
	}
}

func (r *Router) resolveAdapter(modelName string) (providers.Adapter, bool) {
	for _, route := range r.routes {
		if route.ModelPrefix == "" || strings.HasPrefix(modelName, route.ModelPrefix) {
			return route.Adapter, true
		}
	}
	return nil, false
}

func (r *Router) reserveWithBackoff(ctx context.Context, modelPreference string, workload model.WorkloadClass, promptTokens, completionTokens int) (*keymanager.Reservation, error) {
	for attempt := 1; attempt <= maxExhaustedRetries; attempt++ {
		res, err := r.km.Reserve(ctx, modelPreference, workload, promptTokens, completionTokens)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, keymanager.ErrExhausted) {
			return nil, err
		}
		sleepWithBackoff(ctx, attempt)
	}
	return nil, keymanager.ErrExhausted
}

func sleepWithBackoff(ctx context.Context, attempt int) {
	d := time.Duration(attempt) * 200 * time.Millisecond
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func escalateWorkload(w model.WorkloadClass) model.WorkloadClass {
	switch w {
	case model.WorkloadLight:
		return model.WorkloadStandard
	case model.WorkloadStandard:
		return model.WorkloadHeavy
	default:
		return model.WorkloadHeavy
	}
}

// sanitizePrompt strips low-signal characters (control characters and runs
// of repeated punctuation) that can trip provider safety heuristics without
// changing the legitimate content of the request.
func sanitizePrompt(prompt string) string {
	var b strings.Builder
	var lastRune rune
	var runLength int
	for _, r := range prompt {
		if r < 0x20 && r != '\n' && r != '\t' {
			continue
		}
		if r == lastRune && strings.ContainsRune("!?.*_-", r) {
			runLength++
			if runLength > 2 {
				continue
			}
		} else {
			runLength = 1
		}
		lastRune = r
		b.WriteRune(r)
	}
	return b.String()
}

// estimateTokens is the default characters/4 heuristic; pluggable providers
// with a native counting API can estimate more precisely upstream of the
// Router.
func estimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + 3) / 4
}

func historyTokens(history []model.Message) int {
	total := 0
	for _, m := range history {
		total += estimateTokens(m.Content)
	}
	return total
}
