// Package ratelimit gates outbound Slack and LLM calls with per-key token
// buckets, per-key circuit breakers opened by throttling signals, and a
// global ceiling on in-flight calls.
//
// The limiter never fails on its own. Acquire only ever returns the caller's
// context error, so callers bound their wait with a context deadline.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/haasonsaas/meowth/internal/backoff"
	"github.com/haasonsaas/meowth/internal/observability"
)

// probePoll is how often a caller re-checks a half-open circuit whose probe
// slots are all taken.
const probePoll = 50 * time.Millisecond

// LimiterConfig configures a Limiter.
type LimiterConfig struct {
	// Disabled turns every Acquire into an immediate permit (the global
	// ceiling still applies).
	Disabled bool `yaml:"disabled"`
	// Default applies to keys without an entry in Keys.
	Default Config `yaml:"default"`
	// Keys holds per-operation overrides, e.g. "slack.conversations.replies".
	Keys map[string]Config `yaml:"keys"`
	// MaxConcurrent bounds in-flight calls across all keys.
	MaxConcurrent int64 `yaml:"max_concurrent"`
	// CircuitCooldown is how long a throttled key stays open.
	CircuitCooldown time.Duration `yaml:"circuit_cooldown"`
	// FailureThreshold opens a circuit after this many consecutive
	// non-throttle failures. Zero disables failure-based opening.
	FailureThreshold int `yaml:"failure_threshold"`
	// HalfOpenProbes is how many calls may test a recovering key at once.
	HalfOpenProbes int `yaml:"half_open_probes"`
}

// DefaultLimiterConfig returns a 5-call global ceiling and a 30s cooldown.
func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{
		Default:          DefaultConfig(),
		MaxConcurrent:    5,
		CircuitCooldown:  30 * time.Second,
		FailureThreshold: 5,
		HalfOpenProbes:   3,
	}
}

// ApplyDefaults fills zero fields from DefaultLimiterConfig.
func (c *LimiterConfig) ApplyDefaults() {
	def := DefaultLimiterConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = def.MaxConcurrent
	}
	if c.CircuitCooldown <= 0 {
		c.CircuitCooldown = def.CircuitCooldown
	}
	if c.HalfOpenProbes <= 0 {
		c.HalfOpenProbes = def.HalfOpenProbes
	}
	c.Default = c.Default.resolve()
}

// Validate rejects unknown tiers.
func (c LimiterConfig) Validate() error {
	if !ValidTier(c.Default.Tier) {
		return fmt.Errorf("rate_limits.default: unknown tier %q", c.Default.Tier)
	}
	for key, kc := range c.Keys {
		if !ValidTier(kc.Tier) {
			return fmt.Errorf("rate_limits.keys.%s: unknown tier %q", key, kc.Tier)
		}
	}
	return nil
}

// ThrottledError is a throttling signal from an external service. Callers
// that see one from Slack or the LLM wrap it so Do can open the circuit.
type ThrottledError struct {
	Key        string
	RetryAfter time.Duration
	Err        error
}

func (e *ThrottledError) Error() string {
	msg := fmt.Sprintf("throttled by %s", e.Key)
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ThrottledError) Unwrap() error { return e.Err }

// IsThrottled reports whether err carries a throttling signal.
func IsThrottled(err error) bool {
	var te *ThrottledError
	return errors.As(err, &te)
}

type keyState struct {
	bucket  *Bucket
	circuit *circuit
}

// Limiter gates calls per operation key.
type Limiter struct {
	mu      sync.RWMutex
	keys    map[string]*keyState
	config  LimiterConfig
	maxKeys int

	global   *semaphore.Weighted
	inFlight atomic.Int64

	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLogger sets the limiter's logger.
func WithLogger(logger *observability.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithMetrics sets the limiter's metrics sink.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(l *Limiter) { l.metrics = metrics }
}

// NewLimiter creates a limiter.
func NewLimiter(config LimiterConfig, opts ...Option) *Limiter {
	config.ApplyDefaults()
	l := &Limiter{
		keys:    make(map[string]*keyState),
		config:  config,
		maxKeys: 10000,
		global:  semaphore.NewWeighted(config.MaxConcurrent),
		logger:  observability.NewNopLogger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Permit is held for the duration of one outbound call.
type Permit struct {
	limiter  *Limiter
	key      string
	probe    bool
	released atomic.Bool
}

// Release returns the global slot. Safe to call more than once.
func (p *Permit) Release() {
	if p == nil || !p.released.CompareAndSwap(false, true) {
		return
	}
	if p.probe {
		p.limiter.state(p.key).circuit.release()
	}
	p.limiter.inFlight.Add(-1)
	p.limiter.global.Release(1)
}

// Key returns the operation key the permit was issued for.
func (p *Permit) Key() string { return p.key }

// Acquire blocks until key's circuit admits the call, a bucket token is
// available and a global slot is free. The circuit is consulted again after
// every wait, so a key throttled while callers are queued holds them until
// the cooldown expires. The only error is ctx's.
func (l *Limiter) Acquire(ctx context.Context, key string) (*Permit, error) {
	start := l.now()
	st := l.state(key)

	for {
		probe := false
		if !l.config.Disabled {
			wait, isProbe := st.circuit.admit()
			if wait > 0 {
				l.logger.Debug(ctx, "circuit open, waiting", "key", key, "wait", wait.String())
				if err := backoff.SleepWithContext(ctx, wait); err != nil {
					return nil, err
				}
				continue
			}
			if wait = st.bucket.Reserve(); wait > 0 {
				if isProbe {
					st.circuit.release()
				}
				if err := backoff.SleepWithContext(ctx, wait); err != nil {
					return nil, err
				}
				continue
			}
			probe = isProbe
		}

		if err := l.global.Acquire(ctx, 1); err != nil {
			if probe {
				st.circuit.release()
			}
			return nil, err
		}
		if !l.config.Disabled && st.circuit.isOpen() {
			// Throttled while waiting for a global slot.
			l.global.Release(1)
			st.bucket.refund()
			if probe {
				st.circuit.release()
			}
			continue
		}

		l.inFlight.Add(1)
		l.metrics.RecordRateLimitWait(key, l.now().Sub(start).Seconds())
		return &Permit{limiter: l, key: key, probe: probe}, nil
	}
}

// OnThrottled opens key's circuit for the cooldown, or retryAfter if longer.
func (l *Limiter) OnThrottled(key string, retryAfter time.Duration) {
	if l.config.Disabled {
		return
	}
	if l.state(key).circuit.throttled(retryAfter) {
		l.logger.Warn(context.Background(), "rate limit circuit opened",
			"key", key, "retry_after", retryAfter.String(), "reason", "throttled")
		l.metrics.RecordCircuitOpen(key, "throttled")
	}
}

// RecordSuccess closes a half-open circuit.
func (l *Limiter) RecordSuccess(key string) {
	l.state(key).circuit.success()
}

// RecordFailure counts a non-throttle failure against key's circuit.
func (l *Limiter) RecordFailure(key string) {
	if l.config.Disabled {
		return
	}
	if l.state(key).circuit.failure() {
		l.logger.Warn(context.Background(), "rate limit circuit opened", "key", key, "reason", "failures")
		l.metrics.RecordCircuitOpen(key, "failures")
	}
}

// Do acquires a permit for key, runs fn and feeds the outcome back into the
// key's circuit. A *ThrottledError from fn opens the circuit.
//
// Context errors are not counted as failures.
func (l *Limiter) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	permit, err := l.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer permit.Release()

	err = fn(ctx)
	var throttled *ThrottledError
	switch {
	case err == nil:
		l.RecordSuccess(key)
	case errors.As(err, &throttled):
		l.OnThrottled(key, throttled.RetryAfter)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
	default:
		l.RecordFailure(key)
	}
	return err
}

// InFlight returns the number of permits currently held.
func (l *Limiter) InFlight() int64 {
	return l.inFlight.Load()
}

// state returns or creates the state for key.
func (l *Limiter) state(key string) *keyState {
	l.mu.RLock()
	st, ok := l.keys[key]
	l.mu.RUnlock()
	if ok {
		return st
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock
	if st, ok = l.keys[key]; ok {
		return st
	}
	if len(l.keys) >= l.maxKeys {
		l.prune()
	}

	st = &keyState{
		bucket: newBucket(l.configFor(key), l.now),
		circuit: newCircuit(l.config.CircuitCooldown, l.config.FailureThreshold,
			l.config.HalfOpenProbes, l.now),
	}
	l.keys[key] = st
	return st
}

// configFor returns the exact-key config, else the longest dotted prefix
// match ("slack" covers "slack.conversations.replies"), else the default.
func (l *Limiter) configFor(key string) Config {
	if c, ok := l.config.Keys[key]; ok {
		return c.resolve()
	}
	best := ""
	for prefix := range l.config.Keys {
		if strings.HasPrefix(key, prefix+".") && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best != "" {
		return l.config.Keys[best].resolve()
	}
	return l.config.Default
}

// prune drops idle keys: full buckets with closed circuits.
func (l *Limiter) prune() {
	for key, st := range l.keys {
		state, _, _ := st.circuit.snapshot()
		if state == CircuitClosed && st.bucket.Tokens() >= st.bucket.maxTokens*0.9 {
			delete(l.keys, key)
		}
	}
}

// Reset forgets a key's bucket and circuit.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.keys, key)
}

// Status describes one key.
type Status struct {
	Key             string       `json:"key"`
	TokensRemaining float64      `json:"tokens_remaining"`
	Circuit         CircuitState `json:"circuit"`
	OpenUntil       time.Time    `json:"open_until,omitempty"`
	Failures        int          `json:"failures"`
}

// GetStatus returns the status for key.
func (l *Limiter) GetStatus(key string) Status {
	st := l.state(key)
	state, until, failures := st.circuit.snapshot()
	status := Status{
		Key:             key,
		TokensRemaining: st.bucket.Tokens(),
		Circuit:         state,
		Failures:        failures,
	}
	if state == CircuitOpen {
		status.OpenUntil = until
	}
	return status
}

// Statuses returns the status of every tracked key.
func (l *Limiter) Statuses() []Status {
	l.mu.RLock()
	keys := make([]string, 0, len(l.keys))
	for key := range l.keys {
		keys = append(keys, key)
	}
	l.mu.RUnlock()

	out := make([]Status, 0, len(keys))
	for _, key := range keys {
		out = append(out, l.GetStatus(key))
	}
	return out
}

// CompositeKey joins key parts with ".".
func CompositeKey(parts ...string) string {
	return strings.Join(parts, ".")
}
