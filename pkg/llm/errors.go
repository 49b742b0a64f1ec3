package llm

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyResponse is returned when the provider answers with no
	// choices or empty content.
	ErrEmptyResponse = errors.New("provider returned empty response")

	// ErrNotConfigured is returned when provider credentials are missing.
	ErrNotConfigured = errors.New("llm provider not configured")
)

// ProviderError marks a transient provider failure (network, rate limit,
// 5xx). Calls wrapped in it are retried at the call edge; exhaustion
// bubbles up as a group-level failure.
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error during %s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// MalformedResponseError marks a response the parser could not decode. It
// is never retried: the group that triggered it is skipped and the batch
// continues.
type MalformedResponseError struct {
	Raw string
	Err error
}

func (e *MalformedResponseError) Error() string {
	raw := e.Raw
	if len(raw) > 200 {
		raw = raw[:200] + "…"
	}
	return fmt.Sprintf("malformed llm response: %v (raw: %s)", e.Err, raw)
}

func (e *MalformedResponseError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}

// IsMalformed reports whether err is a decode failure.
func IsMalformed(err error) bool {
	var me *MalformedResponseError
	return errors.As(err, &me)
}
