// errors.go -- Typed failures surfaced by URL generation and callback processing.
package broker

import (
	"fmt"
	"time"
)

// InvalidCountError is returned when a batch size is outside [1, MaxBatchSize].
type InvalidCountError struct {
	Count int
}

func (e *InvalidCountError) Error() string {
	return fmt.Sprintf("count must be between 1 and %d, got %d", MaxBatchSize, e.Count)
}

// MalformedCallbackError is returned when a callback URL carries no usable code/state.
// ProviderError and Description are set when the provider redirected with error=.
type MalformedCallbackError struct {
	Reason        string
	ProviderError string
	Description   string
}

func (e *MalformedCallbackError) Error() string {
	msg := "malformed callback: " + e.Reason
	if e.ProviderError != "" {
		msg += ": provider returned " + e.ProviderError
		if e.Description != "" {
			msg += " (" + e.Description + ")"
		}
	}
	return msg
}

// UnknownStateError is returned when no pending authorization exists for State,
// including when a concurrent callback already consumed it.
type UnknownStateError struct {
	State string
}

func (e *UnknownStateError) Error() string {
	return fmt.Sprintf("unknown state: %s", e.State)
}

// ExpiredStateError is returned when the pending authorization for State is past
// its expiry. The record has been deleted by the time this is returned.
type ExpiredStateError struct {
	State     string
	ExpiredAt time.Time
}

func (e *ExpiredStateError) Error() string {
	return fmt.Sprintf("state expired: %s (at %s)", e.State, e.ExpiredAt.UTC().Format(time.RFC3339))
}
