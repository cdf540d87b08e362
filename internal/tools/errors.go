package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/meowth/internal/ratelimit"
	"github.com/haasonsaas/meowth/internal/threadctx"
)

// ErrToolPanic is wrapped by an ExecutionError when a handler panics.
var ErrToolPanic = errors.New("tool panicked")

// ConfigurationError reports a registry that could not be built: malformed
// schema, unknown factory, missing dependency, missing scope or a name
// collision. A failed reload keeps the previous snapshot.
type ConfigurationError struct {
	Tool   string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	msg := "tool configuration"
	if e.Tool != "" {
		msg += " " + e.Tool
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Violation is one schema failure at an instance location.
type Violation struct {
	Location string `json:"location"`
	Message  string `json:"message"`
}

// InputValidationError reports LLM-supplied parameters that failed the
// tool's schema. The tool was not invoked.
type InputValidationError struct {
	Tool       string
	Violations []Violation
	Err        error
}

func (e *InputValidationError) Error() string {
	return fmt.Sprintf("invalid parameters for %s: %s", e.Tool, e.Hint())
}

func (e *InputValidationError) Unwrap() error { return e.Err }

// Hint is a compact description of the violations, suitable for feeding
// back to the LLM so it can correct the call.
func (e *InputValidationError) Hint() string {
	if len(e.Violations) == 0 {
		if e.Err != nil {
			return e.Err.Error()
		}
		return "parameters do not match the schema"
	}
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		loc := v.Location
		if loc == "" {
			loc = "/"
		}
		parts = append(parts, loc+": "+v.Message)
	}
	return strings.Join(parts, "; ")
}

// NotFoundError reports a tool name that is absent or disabled in the
// snapshot. Available lists what the LLM may call instead.
type NotFoundError struct {
	Tool      string
	Available []string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("tool not found: %s", e.Tool)
}

// ErrorKind classifies execution failures for retry decisions.
type ErrorKind string

const (
	KindTimeout      ErrorKind = "timeout"
	KindNetwork      ErrorKind = "network"
	KindRateLimit    ErrorKind = "rate_limit"
	KindPermission   ErrorKind = "permission"
	KindInvalidInput ErrorKind = "invalid_input"
	KindNotFound     ErrorKind = "not_found"
	KindPanic        ErrorKind = "panic"
	KindExecution    ErrorKind = "execution"
)

// Transient reports whether a retry may succeed.
func (k ErrorKind) Transient() bool {
	switch k {
	case KindTimeout, KindNetwork, KindRateLimit:
		return true
	default:
		return false
	}
}

// ExecutionError reports a tool that started but failed.
type ExecutionError struct {
	Tool       string
	Kind       ErrorKind
	Idempotent bool
	Err        error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed (%s): %v", e.Tool, e.Kind, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is transient and the tool is safe
// to run again.
func (e *ExecutionError) Retryable() bool {
	return e.Idempotent && e.Kind.Transient()
}

// NewExecutionError wraps err, classifying it.
func NewExecutionError(tool string, idempotent bool, err error) *ExecutionError {
	return &ExecutionError{Tool: tool, Kind: classify(err), Idempotent: idempotent, Err: err}
}

// PermissionError is returned by handlers when the upstream service denied
// access. It classifies as KindPermission.
type PermissionError struct {
	Resource string
	Reason   string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("access to %s denied: %s", e.Resource, e.Reason)
}

// classify determines the error kind from typed errors first, then from the
// error text.
func classify(err error) ErrorKind {
	if err == nil {
		return KindExecution
	}
	var perm *PermissionError
	switch {
	case errors.Is(err, ErrToolPanic):
		return KindPanic
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case ratelimit.IsThrottled(err):
		return KindRateLimit
	case errors.As(err, &perm), errors.Is(err, threadctx.ErrPermissionDenied):
		return KindPermission
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "timeout", "deadline exceeded", "timed out"):
		return KindTimeout
	case containsAny(msg, "connection", "network", "dns", "refused", "unreachable", "eof",
		"service unavailable", "bad gateway", "502", "503", "504"):
		return KindNetwork
	case containsAny(msg, "rate limit", "rate_limit", "ratelimited", "too many requests", "429"):
		return KindRateLimit
	case containsAny(msg, "permission", "forbidden", "unauthorized", "access denied",
		"not_in_channel", "missing_scope"):
		return KindPermission
	case containsAny(msg, "channel_not_found", "thread_not_found", "not found"):
		return KindNotFound
	case containsAny(msg, "invalid", "validation", "required", "missing"):
		return KindInvalidInput
	default:
		return KindExecution
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
