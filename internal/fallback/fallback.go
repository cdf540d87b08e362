// Package fallback maps request-cycle failures to a recovery outcome and the
// text the user sees, and retries the operations whose failures are
// transient.
package fallback

import (
	"context"
	"errors"

	"github.com/haasonsaas/meowth/internal/agent"
	"github.com/haasonsaas/meowth/internal/ratelimit"
	"github.com/haasonsaas/meowth/internal/sessions"
	"github.com/haasonsaas/meowth/internal/threadctx"
	"github.com/haasonsaas/meowth/internal/tools"
)

// Outcome is the recovery strategy for a failure.
type Outcome string

const (
	// OutcomeRetry retries with backoff, then degrades to the fallback text.
	OutcomeRetry Outcome = "retry_then_fallback"
	// OutcomeImmediate answers with the fallback text without retrying.
	OutcomeImmediate Outcome = "immediate_fallback"
	// OutcomeFatal logs full context and answers with a generic failure.
	OutcomeFatal Outcome = "fatal"
)

// Kind names a failure category. Kinds are also the metric label and the
// keys of Config.Messages.
type Kind string

const (
	KindContextFetch      Kind = "context_fetch"
	KindPermission        Kind = "permission"
	KindRateLimited       Kind = "rate_limited"
	KindLLMUnavailable    Kind = "llm_unavailable"
	KindAgentTimeout      Kind = "agent_timeout"
	KindToolNotFound      Kind = "tool_not_found"
	KindToolInput         Kind = "tool_input_validation"
	KindToolExecution     Kind = "tool_execution"
	KindToolSelection     Kind = "tool_selection_ambiguous"
	KindToolConfiguration Kind = "tool_configuration"
	KindIntegrity         Kind = "cross_session_integrity"
	KindThreadBusy        Kind = "thread_busy"
	KindCancelled         Kind = "cancelled"
	KindUnknown           Kind = "unknown"
)

// DefaultMessages are the user-visible texts per kind.
var DefaultMessages = map[Kind]string{
	KindContextFetch:      "I couldn't fetch recent messages from this thread. Please try again in a moment.",
	KindPermission:        "I don't have permission to do that here. Please check that I've been added to this channel, or ask an administrator.",
	KindRateLimited:       "I'm a bit busy right now! Please try again in a moment.",
	KindLLMUnavailable:    "My AI brain is currently unavailable. Please try again later!",
	KindAgentTimeout:      "I'm still thinking about that one and ran out of time. Please try again in a moment.",
	KindToolNotFound:      "Sorry, I don't have a tool for that. I can fetch and summarize Slack messages.",
	KindToolInput:         "I couldn't work out the right way to look that up. Could you rephrase with a bit more detail?",
	KindToolExecution:     "I'm having trouble connecting to external services. Please try again in a few minutes.",
	KindToolSelection:     "I'm not sure how to help with that request. Could you be more specific? For example, ask me to 'summarize the last 10 messages'.",
	KindToolConfiguration: "I'm having trouble with my configuration. Please contact an administrator for assistance.",
	KindIntegrity:         "I ran into an internal problem and stopped to be safe. Please try again.",
	KindThreadBusy:        "I'm already working on a reply in this thread. I'll answer that first!",
	KindCancelled:         "I had to stop before finishing. Please try again.",
	KindUnknown:           "I encountered an unexpected error. Please try again or contact support if the problem persists.",
}

// Decision is how to recover from one failure.
type Decision struct {
	Kind    Kind
	Outcome Outcome
	// Err is the classified failure, kept for logging. Never shown to users.
	Err error
}

// Retryable reports whether another attempt may succeed.
func (d Decision) Retryable() bool { return d.Outcome == OutcomeRetry }

// Classify maps err to a Decision. It never returns OutcomeRetry for
// context cancellation or a non-idempotent tool.
func Classify(err error) Decision {
	d := classify(err)
	d.Err = err
	return d
}

func classify(err error) Decision {
	var (
		integrity *sessions.IntegrityError
		fetchErr  *threadctx.FetchError
		notFound  *tools.NotFoundError
		invalid   *tools.InputValidationError
		execErr   *tools.ExecutionError
		permErr   *tools.PermissionError
		confErr   *tools.ConfigurationError
		agentErr  *agent.Error
		provErr   *agent.ProviderError
	)

	switch {
	case err == nil:
		return Decision{}
	case errors.As(err, &integrity):
		return Decision{Kind: KindIntegrity, Outcome: OutcomeFatal}
	case errors.Is(err, sessions.ErrThreadBusy):
		return Decision{Kind: KindThreadBusy, Outcome: OutcomeImmediate}
	case errors.As(err, &fetchErr):
		if fetchErr.PermissionDenied() {
			return Decision{Kind: KindPermission, Outcome: OutcomeImmediate}
		}
		return Decision{Kind: KindContextFetch, Outcome: OutcomeRetry}
	case agent.IsTimeout(err):
		return Decision{Kind: KindAgentTimeout, Outcome: OutcomeImmediate}
	case errors.As(err, &notFound):
		return Decision{Kind: KindToolNotFound, Outcome: OutcomeImmediate}
	case errors.As(err, &invalid):
		return Decision{Kind: KindToolInput, Outcome: OutcomeImmediate}
	case errors.As(err, &confErr):
		return Decision{Kind: KindToolConfiguration, Outcome: OutcomeFatal}
	case errors.As(err, &permErr), errors.Is(err, threadctx.ErrPermissionDenied):
		return Decision{Kind: KindPermission, Outcome: OutcomeImmediate}
	case errors.As(err, &execErr):
		switch {
		case execErr.Kind == tools.KindPermission:
			return Decision{Kind: KindPermission, Outcome: OutcomeImmediate}
		case execErr.Kind == tools.KindRateLimit:
			return Decision{Kind: KindRateLimited, Outcome: retryIf(execErr.Retryable())}
		case execErr.Kind == tools.KindTimeout && !execErr.Idempotent:
			return Decision{Kind: KindAgentTimeout, Outcome: OutcomeImmediate}
		default:
			return Decision{Kind: KindToolExecution, Outcome: retryIf(execErr.Retryable())}
		}
	case ratelimit.IsThrottled(err):
		return Decision{Kind: KindRateLimited, Outcome: OutcomeRetry}
	case errors.As(err, &provErr):
		return providerDecision(provErr)
	case errors.As(err, &agentErr):
		switch agentErr.Category {
		case agent.CategoryToolSelectionAmbiguous:
			return Decision{Kind: KindToolSelection, Outcome: OutcomeImmediate}
		case agent.CategoryLLMTimeout:
			return Decision{Kind: KindAgentTimeout, Outcome: OutcomeImmediate}
		case agent.CategoryToolExecutionFailed:
			return Decision{Kind: KindToolExecution, Outcome: OutcomeImmediate}
		default:
			return Decision{Kind: KindLLMUnavailable, Outcome: retryIf(agentErr.Transient())}
		}
	case errors.Is(err, context.DeadlineExceeded):
		return Decision{Kind: KindAgentTimeout, Outcome: OutcomeImmediate}
	case errors.Is(err, context.Canceled):
		return Decision{Kind: KindCancelled, Outcome: OutcomeImmediate}
	default:
		return Decision{Kind: KindUnknown, Outcome: OutcomeFatal}
	}
}

func providerDecision(pe *agent.ProviderError) Decision {
	switch pe.Reason {
	case agent.ReasonRateLimit:
		return Decision{Kind: KindRateLimited, Outcome: OutcomeRetry}
	case agent.ReasonTimeout:
		return Decision{Kind: KindAgentTimeout, Outcome: OutcomeImmediate}
	case agent.ReasonAuth, agent.ReasonQuota:
		return Decision{Kind: KindLLMUnavailable, Outcome: OutcomeFatal}
	default:
		return Decision{Kind: KindLLMUnavailable, Outcome: retryIf(pe.Reason.Transient())}
	}
}

func retryIf(ok bool) Outcome {
	if ok {
		return OutcomeRetry
	}
	return OutcomeImmediate
}
