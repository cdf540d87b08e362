package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ProviderReason categorizes LLM provider failures.
type ProviderReason string

const (
	ReasonTimeout        ProviderReason = "timeout"
	ReasonRateLimit      ProviderReason = "rate_limit"
	ReasonServerError    ProviderReason = "server_error"
	ReasonAuth           ProviderReason = "auth"
	ReasonQuota          ProviderReason = "quota"
	ReasonInvalidRequest ProviderReason = "invalid_request"
	ReasonContentFilter  ProviderReason = "content_filter"
	ReasonUnavailable    ProviderReason = "model_unavailable"
	ReasonUnknown        ProviderReason = "unknown"
)

// Transient reports whether retrying the same request may succeed.
func (r ProviderReason) Transient() bool {
	switch r {
	case ReasonTimeout, ReasonRateLimit, ReasonServerError:
		return true
	default:
		return false
	}
}

// ProviderError is a classified failure from an LLMProvider.
type ProviderError struct {
	Provider   string
	Model      string
	Reason     ProviderReason
	Status     int
	Code       string
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	if e.Model != "" {
		b.WriteString("/" + e.Model)
	}
	b.WriteString(": " + string(e.Reason))
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NewProviderError classifies cause from its status, code and text.
func NewProviderError(provider, model string, status int, code string, cause error) *ProviderError {
	reason := ReasonUnknown
	if status != 0 {
		reason = classifyStatusCode(status)
	}
	if reason == ReasonUnknown && code != "" {
		reason = classifyErrorCode(code)
	}
	if reason == ReasonUnknown {
		reason = ClassifyProviderError(cause)
	}
	return &ProviderError{
		Provider: provider,
		Model:    model,
		Reason:   reason,
		Status:   status,
		Code:     code,
		Err:      cause,
	}
}

// ClassifyProviderError infers a reason from an unstructured error.
func ClassifyProviderError(err error) ProviderReason {
	if err == nil {
		return ReasonUnknown
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Reason
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "timeout", "deadline exceeded", "etimedout"):
		return ReasonTimeout
	case containsAny(msg, "rate limit", "rate_limit", "too many requests", "429"):
		return ReasonRateLimit
	case containsAny(msg, "unauthorized", "invalid api key", "invalid_api_key", "authentication", "401", "403"):
		return ReasonAuth
	case containsAny(msg, "billing", "quota", "insufficient", "402"):
		return ReasonQuota
	case containsAny(msg, "content_filter", "content policy"):
		return ReasonContentFilter
	case containsAny(msg, "model not found", "model_not_found", "does not exist"):
		return ReasonUnavailable
	case containsAny(msg, "internal server", "server error", "500", "502", "503", "504",
		"connection refused", "connection reset", "eof"):
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}

func classifyStatusCode(status int) ProviderReason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuth
	case status == http.StatusPaymentRequired:
		return ReasonQuota
	case status == http.StatusTooManyRequests:
		return ReasonRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return ReasonTimeout
	case status == http.StatusBadRequest:
		return ReasonInvalidRequest
	case status == http.StatusNotFound:
		return ReasonUnavailable
	case status >= 500:
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}

func classifyErrorCode(code string) ProviderReason {
	switch strings.ToLower(code) {
	case "rate_limit_error", "rate_limit_exceeded":
		return ReasonRateLimit
	case "authentication_error", "invalid_api_key":
		return ReasonAuth
	case "billing_error", "insufficient_quota":
		return ReasonQuota
	case "model_not_found", "model_not_available":
		return ReasonUnavailable
	case "content_policy_violation", "content_filter":
		return ReasonContentFilter
	case "server_error", "internal_error":
		return ReasonServerError
	case "invalid_request_error":
		return ReasonInvalidRequest
	default:
		return ReasonUnknown
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
