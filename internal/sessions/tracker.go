package sessions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/meowth/internal/observability"
	"github.com/haasonsaas/meowth/internal/threadctx"
)

// Policy decides what happens when a thread already has the maximum number
// of active sessions.
type Policy string

const (
	// PolicyReject refuses the new session with a *BusyError.
	PolicyReject Policy = "reject"
	// PolicyFlag admits the new session, marks it flagged and logs a warning.
	PolicyFlag Policy = "flag"
)

// Config configures a Tracker.
type Config struct {
	// MaxPerThread is the number of sessions a thread may have active at once.
	MaxPerThread int `yaml:"max_per_thread"`
	// SameThreadPolicy is "reject" or "flag" (default).
	SameThreadPolicy Policy `yaml:"same_thread_policy"`
	// MaxAge is how long a session may stay registered before the reaper
	// removes it.
	MaxAge time.Duration `yaml:"max_age"`
	// ReapInterval is how often the reaper runs while serving.
	ReapInterval time.Duration `yaml:"reap_interval"`
}

// DefaultConfig allows one session per thread and flags extras.
func DefaultConfig() Config {
	return Config{
		MaxPerThread:     1,
		SameThreadPolicy: PolicyFlag,
		MaxAge:           30 * time.Minute,
		ReapInterval:     5 * time.Minute,
	}
}

// ApplyDefaults fills zero fields from DefaultConfig.
func (c *Config) ApplyDefaults() {
	def := DefaultConfig()
	if c.MaxPerThread <= 0 {
		c.MaxPerThread = def.MaxPerThread
	}
	if c.SameThreadPolicy == "" {
		c.SameThreadPolicy = def.SameThreadPolicy
	}
	if c.MaxAge <= 0 {
		c.MaxAge = def.MaxAge
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = def.ReapInterval
	}
}

// Validate rejects unknown policies.
func (c Config) Validate() error {
	switch c.SameThreadPolicy {
	case "", PolicyReject, PolicyFlag:
		return nil
	default:
		return fmt.Errorf("sessions.same_thread_policy: unknown policy %q (want reject or flag)", c.SameThreadPolicy)
	}
}

// ErrThreadBusy is matched by *BusyError.
var ErrThreadBusy = errors.New("thread already has an active session")

// BusyError is returned by Register under PolicyReject.
type BusyError struct {
	ThreadKey string
	Active    int
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("thread %s has %d active session(s)", e.ThreadKey, e.Active)
}

func (e *BusyError) Is(target error) bool { return target == ErrThreadBusy }

// IntegrityError reports a thread context used by a session that does not
// own it. It indicates a programming error, never a transient condition.
type IntegrityError struct {
	SessionID string
	Reason    string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("session integrity violated for %s: %s", e.SessionID, e.Reason)
}

// Stats summarizes tracker state.
type Stats struct {
	Active    int            `json:"active"`
	Threads   int            `json:"threads"`
	PerThread map[string]int `json:"per_thread,omitempty"`
	Started   uint64         `json:"started"`
	Flagged   uint64         `json:"flagged"`
	Rejected  uint64         `json:"rejected"`
	Completed uint64         `json:"completed"`
	Failed    uint64         `json:"failed"`
	Reaped    uint64         `json:"reaped"`
}

// Tracker is the process-wide registry of active sessions.
type Tracker struct {
	mu       sync.Mutex
	config   Config
	byID     map[string]*Session
	byThread map[string]map[string]*Session
	stats    Stats

	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the tracker logger.
func WithLogger(logger *observability.Logger) Option {
	return func(t *Tracker) { t.logger = logger }
}

// WithMetrics sets the tracker metrics sink.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(t *Tracker) { t.metrics = metrics }
}

// WithClock sets the tracker's time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates an empty tracker.
func NewTracker(config Config, opts ...Option) *Tracker {
	config.ApplyDefaults()
	t := &Tracker{
		config:   config,
		byID:     make(map[string]*Session),
		byThread: make(map[string]map[string]*Session),
		logger:   observability.NewNopLogger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Register creates a session for threadKey. Under PolicyReject a thread at
// its limit yields a *BusyError; under PolicyFlag the session is admitted
// and flagged.
func (t *Tracker) Register(ctx context.Context, threadKey string) (*Session, error) {
	t.mu.Lock()
	active := len(t.byThread[threadKey])
	flagged := false
	if active >= t.config.MaxPerThread {
		if t.config.SameThreadPolicy == PolicyReject {
			t.stats.Rejected++
			t.mu.Unlock()
			t.logger.Warn(ctx, "rejected concurrent session on thread", "thread", threadKey, "active", active)
			return nil, &BusyError{ThreadKey: threadKey, Active: active}
		}
		flagged = true
		t.stats.Flagged++
	}

	s := &Session{
		id:        uuid.NewString(),
		threadKey: threadKey,
		startedAt: t.now(),
		flagged:   flagged,
		status:    StatusCreated,
	}
	if t.byThread[threadKey] == nil {
		t.byThread[threadKey] = make(map[string]*Session)
	}
	t.byThread[threadKey][s.id] = s
	t.byID[s.id] = s
	t.stats.Started++
	t.mu.Unlock()

	if flagged {
		t.logger.Warn(ctx, "multiple active sessions on thread",
			"thread", threadKey, "active", active+1, "session_id", s.id)
	}
	t.metrics.SessionStarted()
	return s, nil
}

// Deregister removes the session. A session that never reached a terminal
// state is marked failed. Unknown ids are ignored.
func (t *Tracker) Deregister(sessionID string) {
	t.mu.Lock()
	s, ok := t.byID[sessionID]
	if !ok {
		t.mu.Unlock()
		return
	}
	t.removeLocked(s)
	s.Fail(errors.New("deregistered before completion"))
	status := s.Status()
	if status == StatusCompleted {
		t.stats.Completed++
	} else {
		t.stats.Failed++
	}
	t.mu.Unlock()

	t.metrics.SessionEnded(string(status), t.now().Sub(s.startedAt).Seconds())
}

func (t *Tracker) removeLocked(s *Session) {
	delete(t.byID, s.id)
	if set := t.byThread[s.threadKey]; set != nil {
		delete(set, s.id)
		if len(set) == 0 {
			delete(t.byThread, s.threadKey)
		}
	}
}

// ActiveSessionsFor returns the number of active sessions on threadKey.
func (t *Tracker) ActiveSessionsFor(threadKey string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byThread[threadKey])
}

// Get returns an active session by id.
func (t *Tracker) Get(sessionID string) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.byID[sessionID]
	return s, ok
}

// Verify checks that tc was built for session s and for s's thread.
func (t *Tracker) Verify(s *Session, tc *threadctx.Context) error {
	if s == nil || tc == nil {
		return &IntegrityError{Reason: "missing session or context"}
	}
	if tc.SessionID() != s.ID() {
		return &IntegrityError{SessionID: s.ID(), Reason: fmt.Sprintf("context belongs to session %q", tc.SessionID())}
	}
	if tc.ThreadKey() != s.ThreadKey() {
		return &IntegrityError{SessionID: s.ID(), Reason: fmt.Sprintf("context is for thread %q, session for %q", tc.ThreadKey(), s.ThreadKey())}
	}
	if _, ok := t.Get(s.ID()); !ok {
		return &IntegrityError{SessionID: s.ID(), Reason: "session is not active"}
	}
	return nil
}

// Cleanup removes sessions registered longer than maxAge ago and returns
// how many were removed. Zero uses the configured MaxAge.
func (t *Tracker) Cleanup(maxAge time.Duration) int {
	if maxAge <= 0 {
		maxAge = t.config.MaxAge
	}
	cutoff := t.now().Add(-maxAge)

	t.mu.Lock()
	var expired []*Session
	for _, s := range t.byID {
		if s.startedAt.Before(cutoff) {
			expired = append(expired, s)
		}
	}
	for _, s := range expired {
		t.removeLocked(s)
		s.Fail(errors.New("session expired"))
		t.stats.Reaped++
	}
	t.mu.Unlock()

	for _, s := range expired {
		t.metrics.SessionEnded(string(StatusError), t.now().Sub(s.startedAt).Seconds())
	}
	if len(expired) > 0 {
		t.logger.Warn(context.Background(), "reaped expired sessions", "count", len(expired), "max_age", maxAge.String())
	}
	return len(expired)
}

// RunReaper calls Cleanup every ReapInterval until ctx is done.
func (t *Tracker) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(t.config.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Cleanup(0)
		}
	}
}

// Stats returns counters and the current per-thread distribution.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.stats
	out.Active = len(t.byID)
	out.Threads = len(t.byThread)
	out.PerThread = make(map[string]int, len(t.byThread))
	for key, set := range t.byThread {
		out.PerThread[key] = len(set)
	}
	return out
}

// Active returns snapshots of every active session, oldest first.
func (t *Tracker) Active() []Snapshot {
	t.mu.Lock()
	sessions := make([]*Session, 0, len(t.byID))
	for _, s := range t.byID {
		sessions = append(sessions, s)
	}
	t.mu.Unlock()

	now := t.now()
	out := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.snapshot(now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}
