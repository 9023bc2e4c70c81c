package providers

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/jgilcrest/tradingagent/model"
)

// BreakerAdapter wraps an Adapter with a github.com/sony/gobreaker circuit
// breaker. It trips independently of the Key Manager's per-key cool-down
// accounting: cool-downs bound a single key's eligibility, while the
// breaker bounds calls to an entire provider when it is experiencing
// sustained failures (every error kind except a safety block counts, rate
// limits and timeouts included), so a struggling provider stops being
// hammered across all of its keys at once.
//
// Safety blocks never count as breaker failures: tripping the provider
// breaker on a policy refusal would incorrectly treat "the model declined
// this prompt" as "the provider is down". The invoked closure reports a
// safety block as success to gobreaker's bookkeeping and stashes the real
// error for the caller.
type BreakerAdapter struct {
	next Adapter
	cb   *gobreaker.CircuitBreaker
}

// NewBreakerAdapter wraps next with a circuit breaker using sensible
// defaults: opens after 5 consecutive qualifying failures, half-opens after
// 30 seconds.
func NewBreakerAdapter(next Adapter) *BreakerAdapter {
	settings := gobreaker.Settings{
		Name:    "provider:" + next.Name(),
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &BreakerAdapter{
		next: next,
		cb:   gobreaker.NewCircuitBreaker(settings),
	}
}

// Name returns the wrapped provider's name.
func (b *BreakerAdapter) Name() string { return b.next.Name() }

// Invoke runs the call through the breaker. Safety blocks are reported as
// successes to the breaker's failure counter and returned to the caller
// unchanged.
func (b *BreakerAdapter) Invoke(ctx context.Context, keyID string, req *model.Request) (*model.Response, error) {
	var safetyErr error
	out, err := b.cb.Execute(func() (any, error) {
		r, callErr := b.next.Invoke(ctx, keyID, req)
		if callErr == nil {
			return r, nil
		}
		if pe, ok := model.AsProviderError(callErr); ok && pe.Kind == model.ErrorKindSafetyBlock {
			safetyErr = callErr
			return nil, nil
		}
		return nil, callErr
	})
	if safetyErr != nil {
		return nil, safetyErr
	}
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			return nil, model.NewProviderError(b.next.Name(), "invoke", model.ErrorKindTransient, 0, "circuit breaker open", "", true, err)
		}
		return nil, err
	}
	resp, _ := out.(*model.Response)
	return resp, nil
}
