package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a provider failure into the small set of categories
// the Request Router and Key Manager need in order to decide whether to
// retry, cool down, or propagate. This is the "distinguishing safety vs.
// capacity vs. transport errors" contract named by the spec's Provider
// Adapter.
type ErrorKind string

const (
	// ErrorKindSafetyBlock is a provider-enforced policy refusal. It must
	// never be treated as a capacity or transport failure: the key that
	// produced it stays healthy and out of cool-down.
	ErrorKindSafetyBlock ErrorKind = "safety_block"
	// ErrorKindRateLimited is a 429-equivalent throttling response.
	ErrorKindRateLimited ErrorKind = "rate_limited"
	// ErrorKindTimeout is a request that exceeded its deadline.
	ErrorKindTimeout ErrorKind = "timeout"
	// ErrorKindTransient is a 5xx-equivalent or network failure that a retry
	// may resolve.
	ErrorKindTransient ErrorKind = "transient"
	// ErrorKindFatal is malformed auth, an unknown model, or any other
	// failure that retrying without changing the request cannot fix.
	ErrorKindFatal ErrorKind = "fatal"
)

// ProviderError describes a classified failure returned by an LLM Provider
// Adapter. It crosses the adapter/router boundary carrying enough structure
// for the router to decide on retry, cool-down, or propagation without
// re-parsing provider-specific error text.
type ProviderError struct {
	Provider  string
	Operation string
	Kind      ErrorKind
	HTTPStatus int
	Message   string
	RequestID string
	Retryable bool
	Cause     error
}

// NewProviderError constructs a ProviderError. provider and kind are required.
func NewProviderError(provider, operation string, kind ErrorKind, httpStatus int, message, requestID string, retryable bool, cause error) *ProviderError {
	if provider == "" {
		panic("model: provider is required")
	}
	if kind == "" {
		panic("model: provider error kind is required")
	}
	return &ProviderError{
		Provider:   provider,
		Operation:  operation,
		Kind:       kind,
		HTTPStatus: httpStatus,
		Message:    message,
		RequestID:  requestID,
		Retryable:  retryable,
		Cause:      cause,
	}
}

func (e *ProviderError) Error() string {
	op := e.Operation
	if op == "" {
		op = "invoke"
	}
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	return fmt.Sprintf("%s %s(%s): %s", e.Provider, e.Kind, op, msg)
}

// Unwrap preserves the original error chain.
func (e *ProviderError) Unwrap() error { return e.Cause }

// AsProviderError returns the first *ProviderError in err's chain, if any.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
