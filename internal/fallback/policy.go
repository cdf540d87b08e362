package fallback

import (
	"context"
	"errors"
	"fmt"

	"github.com/haasonsaas/meowth/internal/backoff"
	"github.com/haasonsaas/meowth/internal/observability"
)

// Config tunes the policy.
type Config struct {
	// MaxAttempts bounds attempts for retry-then-fallback failures,
	// including the first. Default 3.
	MaxAttempts int            `yaml:"max_attempts"`
	Backoff     backoff.Policy `yaml:"backoff"`
	// Messages overrides DefaultMessages per kind.
	Messages map[Kind]string `yaml:"messages"`
}

// DefaultConfig returns three attempts with the default backoff.
func DefaultConfig() Config {
	return Config{MaxAttempts: 3, Backoff: backoff.DefaultPolicy()}
}

// ApplyDefaults fills zero fields from DefaultConfig.
func (c *Config) ApplyDefaults() {
	def := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.Backoff.Initial <= 0 {
		c.Backoff = def.Backoff
	}
}

// Validate rejects unknown message kinds.
func (c Config) Validate() error {
	if c.MaxAttempts > 10 {
		return fmt.Errorf("fallback.max_attempts must be at most 10, got %d", c.MaxAttempts)
	}
	for kind, text := range c.Messages {
		if _, ok := DefaultMessages[kind]; !ok {
			return fmt.Errorf("fallback.messages: unknown kind %q", kind)
		}
		if text == "" {
			return fmt.Errorf("fallback.messages.%s: empty text", kind)
		}
	}
	return nil
}

// Policy applies Classify with logging, metrics and retries.
type Policy struct {
	config  Config
	logger  *observability.Logger
	metrics *observability.Metrics
}

// Option configures a Policy.
type Option func(*Policy)

// WithLogger sets the policy's logger.
func WithLogger(logger *observability.Logger) Option {
	return func(p *Policy) { p.logger = logger }
}

// WithMetrics sets the policy's metrics sink.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(p *Policy) { p.metrics = metrics }
}

// New creates a policy.
func New(config Config, opts ...Option) *Policy {
	config.ApplyDefaults()
	p := &Policy{config: config, logger: observability.NewNopLogger()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Message returns the user-visible text for kind.
func (p *Policy) Message(kind Kind) string {
	if text, ok := p.config.Messages[kind]; ok {
		return text
	}
	if text, ok := DefaultMessages[kind]; ok {
		return text
	}
	return DefaultMessages[KindUnknown]
}

// Handle classifies a failure of stage, logs it and returns the decision
// with the text to send. Fatal failures are logged at error level.
func (p *Policy) Handle(ctx context.Context, stage string, err error) (Decision, string) {
	d := Classify(err)
	if err == nil {
		return d, ""
	}
	p.metrics.RecordError(stage, string(d.Kind))
	args := []any{"stage", stage, "kind", string(d.Kind), "outcome", string(d.Outcome), "error", err}
	if d.Outcome == OutcomeFatal {
		p.logger.Error(ctx, "request cycle failed", append(args, "error_type", fmt.Sprintf("%T", err))...)
	} else {
		p.logger.Warn(ctx, "request cycle degraded", args...)
	}
	return d, p.Message(d.Kind)
}

// Retry runs fn until it succeeds or fails with something Classify does not
// mark retryable, using up to MaxAttempts attempts. The returned error is the
// last failure, unwrapped from the exhaustion wrapper.
func Retry[T any](ctx context.Context, p *Policy, op string, fn func(ctx context.Context) (T, error)) (T, int, error) {
	result, err := backoff.Retry(ctx, backoff.Options{
		Policy:      p.config.Backoff,
		MaxAttempts: p.config.MaxAttempts,
		Retryable:   func(err error) bool { return Classify(err).Retryable() },
		OnRetry: func(attempt int, err error) {
			p.logger.Info(ctx, "retrying after transient failure", "operation", op, "attempt", attempt, "error", err)
		},
	}, func(ctx context.Context, _ int) (T, error) {
		return fn(ctx)
	})
	var exhausted *backoff.ExhaustedError
	if errors.As(err, &exhausted) {
		p.logger.Warn(ctx, "retries exhausted", "operation", op, "attempts", exhausted.Attempts)
		err = exhausted.Err
	}
	return result.Value, result.Attempts, err
}
