// Package agent runs the tool-calling loop for one mention: prompt the LLM
// with the thread context, execute the tools it asks for, feed the results
// back, and return the final answer.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/meowth/internal/backoff"
	"github.com/haasonsaas/meowth/internal/observability"
	"github.com/haasonsaas/meowth/internal/ratelimit"
	"github.com/haasonsaas/meowth/internal/threadctx"
	"github.com/haasonsaas/meowth/internal/tools"
)

// State is a step of the request cycle.
type State string

const (
	StateReceived      State = "received"
	StateContextReady  State = "context_ready"
	StateToolSelection State = "tool_selection"
	StateToolExecution State = "tool_execution"
	StateResponseReady State = "response_ready"
	StateDelivered     State = "delivered"
	StateFailed        State = "failed"
)

// Config tunes the loop.
type Config struct {
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float32 `yaml:"temperature"`

	// MaxRounds bounds tool-call rounds. After the last one the LLM is asked
	// once more with no tools offered.
	MaxRounds int `yaml:"max_rounds"`

	// MaxValidationRetries is how many rounds with rejected parameters the
	// LLM gets to correct itself before the cycle gives up.
	MaxValidationRetries int `yaml:"max_validation_retries"`

	SystemPrompt string `yaml:"system_prompt"`

	// ToolConcurrency bounds parallel tool calls within one round.
	ToolConcurrency int `yaml:"tool_concurrency"`

	// ToolRetry and ToolMaxAttempts apply to idempotent tools only.
	ToolRetry       backoff.Policy `yaml:"tool_retry"`
	ToolMaxAttempts int            `yaml:"tool_max_attempts"`

	// LLMTimeout bounds each completion call. Zero leaves only the cycle
	// deadline.
	LLMTimeout time.Duration `yaml:"llm_timeout"`
}

// DefaultConfig returns three tool rounds and two validation retries.
func DefaultConfig() Config {
	return Config{
		Model:                "gpt-4o-mini",
		MaxTokens:            1024,
		Temperature:          0.3,
		MaxRounds:            3,
		MaxValidationRetries: 2,
		ToolConcurrency:      4,
		ToolRetry:            backoff.DefaultPolicy(),
		ToolMaxAttempts:      3,
		LLMTimeout:           8 * time.Second,
	}
}

// ApplyDefaults fills zero fields from DefaultConfig.
func (c *Config) ApplyDefaults() {
	def := DefaultConfig()
	if c.Model == "" {
		c.Model = def.Model
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = def.MaxTokens
	}
	if c.MaxRounds <= 0 {
		c.MaxRounds = def.MaxRounds
	}
	if c.MaxValidationRetries < 0 {
		c.MaxValidationRetries = def.MaxValidationRetries
	}
	if c.ToolConcurrency <= 0 {
		c.ToolConcurrency = def.ToolConcurrency
	}
	if c.ToolRetry.Initial <= 0 {
		c.ToolRetry = def.ToolRetry
	}
	if c.ToolMaxAttempts <= 0 {
		c.ToolMaxAttempts = def.ToolMaxAttempts
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = DefaultSystemPrompt
	}
}

// Validate rejects settings the loop cannot run with.
func (c Config) Validate() error {
	if c.MaxRounds > 10 {
		return fmt.Errorf("agent.max_rounds must be at most 10, got %d", c.MaxRounds)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("agent.temperature must be within [0, 2], got %v", c.Temperature)
	}
	if c.LLMTimeout < 0 {
		return fmt.Errorf("agent.llm_timeout must not be negative")
	}
	return nil
}

// Request is one mention to answer.
type Request struct {
	Utterance string
	// Context is the thread history built for this cycle's session.
	Context *threadctx.Context
	// Tools is the registry snapshot the whole cycle uses.
	Tools  *tools.Snapshot
	UserID string
}

// Response is the outcome of a successful cycle.
type Response struct {
	Text        string
	Rounds      int
	ToolResults []tools.ExecutionResult
	// Degraded is set when at least one tool call failed along the way.
	Degraded bool
	States   []State
}

// Agent answers mentions with an LLMProvider and a tool snapshot.
type Agent struct {
	provider  LLMProvider
	config    Config
	exec      *executor
	sanitizer *threadctx.Sanitizer
	logger    *observability.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer
}

// Option configures an Agent.
type Option func(*Agent)

// WithLogger sets the agent's logger.
func WithLogger(logger *observability.Logger) Option {
	return func(a *Agent) { a.logger = logger }
}

// WithMetrics sets the agent's metrics sink.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(a *Agent) { a.metrics = metrics }
}

// WithTracer sets the agent's tracer.
func WithTracer(tracer *observability.Tracer) Option {
	return func(a *Agent) { a.tracer = tracer }
}

// WithLimiter charges tool calls to their category's rate limit key.
func WithLimiter(limiter *ratelimit.Limiter) Option {
	return func(a *Agent) { a.exec.limiter = limiter }
}

// WithSanitizer sets the sanitizer applied to the user's utterance.
func WithSanitizer(s *threadctx.Sanitizer) Option {
	return func(a *Agent) { a.sanitizer = s }
}

// New creates an agent.
func New(provider LLMProvider, config Config, opts ...Option) *Agent {
	config.ApplyDefaults()
	a := &Agent{
		provider:  provider,
		config:    config,
		sanitizer: threadctx.NewSanitizer(0),
		logger:    observability.NewNopLogger(),
		exec: &executor{
			concurrency: config.ToolConcurrency,
			retry:       config.ToolRetry,
			maxAttempts: config.ToolMaxAttempts,
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	a.exec.logger = a.logger
	a.exec.tracer = a.tracer
	return a
}

// Config returns the resolved configuration.
func (a *Agent) Config() Config { return a.config }

// Process runs one request cycle. Errors are *Error; the partial Response
// is returned alongside so callers can inspect the states reached and the
// tool results gathered.
func (a *Agent) Process(ctx context.Context, req Request) (*Response, error) {
	resp := &Response{States: []State{StateReceived}}
	if a.provider == nil {
		resp.States = append(resp.States, StateFailed)
		return resp, &Error{Category: CategoryLLMUnavailable, Err: errors.New("no LLM provider configured")}
	}

	system := buildSystem(a.config.SystemPrompt, req.Context)
	messages := []CompletionMessage{{Role: RoleUser, Content: a.sanitizer.Sanitize(req.Utterance)}}
	defs := toolDefinitions(req.Tools)
	resp.States = append(resp.States, StateContextReady)

	rejected := 0
	for round := 1; ; round++ {
		var offered []ToolDefinition
		if round <= a.config.MaxRounds && len(defs) > 0 {
			offered = defs
			resp.States = append(resp.States, StateToolSelection)
		}

		out, err := a.complete(ctx, system, messages, offered, round)
		if err != nil {
			return a.fail(ctx, resp, err)
		}

		if len(out.ToolCalls) == 0 {
			resp.Text = strings.TrimSpace(out.Text)
			break
		}
		if offered == nil {
			if text := strings.TrimSpace(out.Text); text != "" {
				resp.Text = text
				break
			}
			return a.fail(ctx, resp, &Error{
				Category: CategoryToolSelectionAmbiguous,
				Round:    round,
				Err:      fmt.Errorf("model requested %d tool call(s) with no tools offered", len(out.ToolCalls)),
			})
		}

		calls := out.ToolCalls
		for i := range calls {
			if calls[i].ID == "" {
				calls[i].ID = fmt.Sprintf("call_%d_%d", round, i)
			}
		}
		resp.Rounds = round
		resp.States = append(resp.States, StateToolExecution)
		a.logger.Debug(ctx, "executing tool round", "round", round, "calls", len(calls))

		results := a.exec.executeAll(ctx, req.Tools, calls)
		resp.ToolResults = append(resp.ToolResults, results...)
		if err := ctx.Err(); err != nil {
			return a.fail(ctx, resp, timeoutErr("tool_execution", round, err))
		}

		messages = append(messages, CompletionMessage{Role: RoleAssistant, Content: out.Text, ToolCalls: calls})
		var invalid error
		for i, res := range results {
			if nerr, ok := asNotFound(res.Err); ok {
				return a.fail(ctx, resp, &Error{Category: CategoryToolExecutionFailed, Round: round, Err: nerr})
			}
			if !res.OK() {
				resp.Degraded = true
				if _, ok := asValidation(res.Err); ok {
					invalid = res.Err
				}
				a.logger.Warn(ctx, "tool call failed", "tool", res.Tool, "status", string(res.Status), "error", res.Err)
			}
			messages = append(messages, CompletionMessage{
				Role:       RoleTool,
				ToolCallID: calls[i].ID,
				Content:    resultContent(res),
			})
		}
		if invalid != nil {
			rejected++
			if rejected > a.config.MaxValidationRetries {
				return a.fail(ctx, resp, &Error{Category: CategoryToolExecutionFailed, Round: round, Err: invalid})
			}
		}
	}

	if resp.Text == "" && resp.Degraded {
		return a.fail(ctx, resp, &Error{
			Category: CategoryToolExecutionFailed,
			Round:    resp.Rounds,
			Err:      lastFailure(resp.ToolResults),
		})
	}
	resp.States = append(resp.States, StateResponseReady)
	return resp, nil
}

func (a *Agent) complete(ctx context.Context, system string, messages []CompletionMessage, defs []ToolDefinition, round int) (*CompletionResponse, error) {
	ctx, span := a.tracer.TraceLLMRequest(ctx, a.provider.Name(), a.config.Model, round)
	defer span.End()

	callCtx := ctx
	if a.config.LLMTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, a.config.LLMTimeout)
		defer cancel()
	}

	out, err := a.provider.Complete(callCtx, &CompletionRequest{
		Model:       a.config.Model,
		System:      system,
		Messages:    append([]CompletionMessage(nil), messages...),
		Tools:       defs,
		MaxTokens:   a.config.MaxTokens,
		Temperature: a.config.Temperature,
	})
	if err == nil && out == nil {
		err = errors.New("provider returned no response")
	}
	if err != nil {
		observability.RecordError(span, err)
		return nil, classifyLLM(round, err)
	}
	return out, nil
}

func (a *Agent) fail(ctx context.Context, resp *Response, err error) (*Response, error) {
	resp.States = append(resp.States, StateFailed)
	var aerr *Error
	if errors.As(err, &aerr) {
		a.metrics.RecordError("agent", string(aerr.Category))
	}
	a.logger.Warn(ctx, "agent cycle failed", "error", err, "rounds", resp.Rounds)
	return resp, err
}

func classifyLLM(round int, err error) error {
	var pe *ProviderError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return timeoutErr("llm", round, err)
	case errors.As(err, &pe) && pe.Reason == ReasonTimeout:
		return timeoutErr("llm", round, err)
	default:
		return &Error{Category: CategoryLLMUnavailable, Round: round, Err: err}
	}
}

func timeoutErr(stage string, round int, err error) error {
	return &Error{Category: CategoryLLMTimeout, Round: round, Err: &TimeoutError{Stage: stage, Err: err}}
}

func lastFailure(results []tools.ExecutionResult) error {
	for i := len(results) - 1; i >= 0; i-- {
		if results[i].Err != nil {
			return results[i].Err
		}
	}
	return errors.New("tool calls failed")
}
