// Package tools holds the registry of LLM-callable tools.
//
// A Tool is a value that can describe itself (name, description, JSON
// schema), validate LLM-supplied parameters against that schema and invoke
// its Handler. The Registry builds a complete Snapshot of tools from
// configuration and swaps it in with a single atomic pointer store, so a
// request cycle that captured a Snapshot sees the same tool set for its whole
// lifetime.
package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/haasonsaas/meowth/internal/observability"
	"github.com/haasonsaas/meowth/internal/ratelimit"
	"github.com/haasonsaas/meowth/internal/threadctx"
)

// MaxParamsSize caps the size of LLM-supplied arguments.
const MaxParamsSize = 1 << 20

// Handler performs a tool's side effect. params has already passed schema
// validation and has schema defaults filled in.
type Handler interface {
	Execute(ctx context.Context, params json.RawMessage) (string, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (string, error)

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, params json.RawMessage) (string, error) {
	return f(ctx, params)
}

// MessageFetcher reads Slack history for message tools.
type MessageFetcher interface {
	FetchChannel(ctx context.Context, channelID string, limit int) ([]threadctx.RawMessage, error)
	FetchThread(ctx context.Context, channelID, threadTS string, limit int) ([]threadctx.RawMessage, error)
}

// TextCompleter is the LLM surface available to tools.
type TextCompleter interface {
	CompleteText(ctx context.Context, system, prompt string, maxTokens int) (string, error)
}

// Dependencies are injected into tool factories.
type Dependencies struct {
	Messages MessageFetcher
	LLM      TextCompleter
	Limiter  *ratelimit.Limiter
	Logger   *observability.Logger
	// Sanitizer cleans message text tools forward into prompts. Nil means
	// the tool's default.
	Sanitizer *threadctx.Sanitizer
	// GrantedScopes are the bot's OAuth scopes. A category that declares
	// required scopes fails to load when this is empty.
	GrantedScopes []string
}

// Dependency names used in Factory.Requires.
const (
	DepMessages = "messages"
	DepLLM      = "llm"
	DepLimiter  = "limiter"
)

func (d Dependencies) has(name string) bool {
	switch name {
	case DepMessages:
		return d.Messages != nil
	case DepLLM:
		return d.LLM != nil
	case DepLimiter:
		return d.Limiter != nil
	default:
		return false
	}
}

// Spec is the resolved definition of one tool handed to its factory.
type Spec struct {
	Name         string
	Category     string
	Description  string
	Parameters   Parameters
	Timeout      time.Duration
	Idempotent   bool
	RateLimitKey string
	Settings     map[string]any
}

// Factory builds a tool's handler. Description, Parameters and Idempotent
// are defaults that configuration may override.
type Factory struct {
	Description string
	Parameters  Parameters
	Idempotent  bool
	Requires    []string
	New         func(spec Spec, deps Dependencies) (Handler, error)
}

// Factories maps a factory key ("slack.fetch_messages") to its Factory.
type Factories map[string]Factory

// Tool is one registered, schema-described capability.
type Tool struct {
	spec    Spec
	enabled bool
	schema  *compiledSchema
	handler Handler
	logger  *observability.Logger
	metrics *observability.Metrics
}

// Name is the unique, LLM-facing name (category_tool).
func (t *Tool) Name() string { return t.spec.Name }

// Description is shown to the LLM during tool selection.
func (t *Tool) Description() string { return t.spec.Description }

// Category is the configuration group the tool belongs to.
func (t *Tool) Category() string { return t.spec.Category }

// Enabled reports whether the tool may be offered to the LLM.
func (t *Tool) Enabled() bool { return t.enabled }

// Idempotent reports whether failed executions may be retried.
func (t *Tool) Idempotent() bool { return t.spec.Idempotent }

// Timeout is the per-invocation budget.
func (t *Tool) Timeout() time.Duration { return t.spec.Timeout }

// RateLimitKey is the limiter key the tool's calls are charged to, or "".
func (t *Tool) RateLimitKey() string { return t.spec.RateLimitKey }

// Schema returns the JSON schema of the tool's parameters.
func (t *Tool) Schema() json.RawMessage { return t.schema.raw }

// Validate checks params against the schema and returns them with defaults
// applied. Failures are *InputValidationError.
func (t *Tool) Validate(params json.RawMessage) (json.RawMessage, error) {
	return t.schema.validate(t.spec.Name, params)
}
