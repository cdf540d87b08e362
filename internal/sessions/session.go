// Package sessions tracks in-flight request cycles per Slack thread.
//
// A Session binds one mention cycle to one thread. The Tracker is the single
// place registrations happen, so it can enforce the per-thread concurrency
// policy and verify that a thread context belongs to the cycle using it.
package sessions

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Status is a session's lifecycle state. Transitions only move forward.
type Status string

const (
	StatusCreated            Status = "created"
	StatusAnalyzingContext   Status = "analyzing_context"
	StatusGeneratingResponse Status = "generating_response"
	StatusCompleted          Status = "completed"
	StatusError              Status = "error"
)

var statusRank = map[Status]int{
	StatusCreated:            0,
	StatusAnalyzingContext:   1,
	StatusGeneratingResponse: 2,
	StatusCompleted:          3,
	StatusError:              3,
}

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// ErrInvalidTransition is returned when a transition would move backward or
// leave a terminal state.
var ErrInvalidTransition = errors.New("invalid session transition")

// Session is one request cycle bound to one thread.
type Session struct {
	id        string
	threadKey string
	startedAt time.Time
	flagged   bool

	mu      sync.Mutex
	status  Status
	endedAt time.Time
	err     error
}

// ID is the unique session identifier.
func (s *Session) ID() string { return s.id }

// ThreadKey is the thread the session belongs to.
func (s *Session) ThreadKey() string { return s.threadKey }

// StartedAt is when the session was registered.
func (s *Session) StartedAt() time.Time { return s.startedAt }

// Flagged reports whether the session was admitted while another session
// was already active on the same thread.
func (s *Session) Flagged() bool { return s.flagged }

// Status returns the current state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Err returns the error descriptor of a failed session.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// EndedAt is when the session reached a terminal state, or zero.
func (s *Session) EndedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endedAt
}

// Advance moves the session forward to next.
func (s *Session) Advance(next Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advanceLocked(next, nil)
}

// Complete marks the session completed.
func (s *Session) Complete() error {
	return s.Advance(StatusCompleted)
}

// Fail marks the session failed with err. Failing a terminal session is a
// no-op.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return
	}
	_ = s.advanceLocked(StatusError, err)
}

func (s *Session) advanceLocked(next Status, err error) error {
	cur, ok := statusRank[s.status]
	want, known := statusRank[next]
	if !ok || !known || s.status.Terminal() || want <= cur {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.status, next)
	}
	s.status = next
	if next.Terminal() {
		s.endedAt = time.Now()
		s.err = err
	}
	return nil
}

// Snapshot is a read-only copy of a session's state.
type Snapshot struct {
	ID        string        `json:"id"`
	ThreadKey string        `json:"thread_key"`
	Status    Status        `json:"status"`
	StartedAt time.Time     `json:"started_at"`
	Age       time.Duration `json:"age"`
	Flagged   bool          `json:"flagged"`
}

func (s *Session) snapshot(now time.Time) Snapshot {
	return Snapshot{
		ID:        s.id,
		ThreadKey: s.threadKey,
		Status:    s.Status(),
		StartedAt: s.startedAt,
		Age:       now.Sub(s.startedAt),
		Flagged:   s.flagged,
	}
}
