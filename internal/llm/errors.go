package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// CallError wraps a provider failure and records whether retrying the same
// provider could help. 429 and 5xx responses and network timeouts are
// retryable; anything else fails the provider immediately.
type CallError struct {
	Provider  string
	Retryable bool
	Err       error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

func retryable(provider string, err error) error {
	return &CallError{Provider: provider, Retryable: true, Err: err}
}

func nonRetryable(provider string, err error) error {
	return &CallError{Provider: provider, Retryable: false, Err: err}
}

// IsRetryable reports whether the error may clear on a retry of the same
// provider. Unclassified errors are treated as retryable network trouble.
func IsRetryable(err error) bool {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
