package agent

import (
	"errors"
	"fmt"
)

// Category is the class of an agent failure.
type Category string

const (
	CategoryLLMUnavailable         Category = "llm_unavailable"
	CategoryLLMTimeout             Category = "llm_timeout"
	CategoryToolExecutionFailed    Category = "tool_execution_failed"
	CategoryToolSelectionAmbiguous Category = "tool_selection_ambiguous"
)

// Error is a failed request cycle.
type Error struct {
	Category Category
	Round    int
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("agent %s (round %d)", e.Category, e.Round)
	}
	return fmt.Sprintf("agent %s (round %d): %v", e.Category, e.Round, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient reports whether the underlying cause may clear on its own.
func (e *Error) Transient() bool {
	if e.Category != CategoryLLMUnavailable {
		return false
	}
	var pe *ProviderError
	if errors.As(e.Err, &pe) {
		return pe.Reason.Transient()
	}
	return false
}

// TimeoutError reports a deadline that expired during a stage of the cycle.
type TimeoutError struct {
	Stage string
	Err   error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out during %s: %v", e.Stage, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is or wraps a *TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
