package transfer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrInvalidTransition indicates a status change the session state machine
// does not allow.
var ErrInvalidTransition = errors.New("transfer: invalid status transition")

// ErrSizeExceeded indicates transferred bytes would exceed the known total.
var ErrSizeExceeded = errors.New("transfer: transferred bytes exceed total size")

// Status is the lifecycle state of a transfer session.
type Status uint8

const (
	// StatusPending indicates the session is created but no bytes moved.
	StatusPending Status = iota
	// StatusActive indicates bytes are moving.
	StatusActive
	// StatusPaused indicates a temporarily halted session that may resume.
	StatusPaused
	// StatusCompleted indicates all bytes moved successfully.
	StatusCompleted
	// StatusFailed indicates the session ended with an error.
	StatusFailed
	// StatusCancelled indicates the caller aborted the session.
	StatusCancelled
)

// String returns the lowercase status name used in logs and events.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusActive:
		return "active"
	case StatusPaused:
		return "paused"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// legalTransitions is the transition table. Transitions are monotonic
// except active<->paused, which supports pause/resume.
var legalTransitions = map[Status][]Status{
	StatusPending: {StatusActive, StatusFailed, StatusCancelled},
	StatusActive:  {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPaused:  {StatusActive, StatusFailed, StatusCancelled},
}

// Session tracks the progress of one upload or download. It is mutated
// only by its owning coordinator; all methods are safe for concurrent
// reads from progress observers.
type Session struct {
	id        string
	startedAt time.Time

	mu          sync.RWMutex
	totalSize   int64
	transferred int64
	status      Status
}

// NewSession creates a pending session. totalSize may be 0 when the size
// is unknown until the first response.
func NewSession(id string, totalSize int64) *Session {
	logrus.WithFields(logrus.Fields{
		"function":   "NewSession",
		"session_id": id,
		"total_size": totalSize,
	}).Debug("Creating transfer session")

	return &Session{
		id:        id,
		startedAt: time.Now(),
		totalSize: totalSize,
		status:    StatusPending,
	}
}

// ID returns the session's transfer id.
func (s *Session) ID() string { return s.id }

// StartedAt returns the session creation time.
func (s *Session) StartedAt() time.Time { return s.startedAt }

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// TotalSize returns the known total size, 0 when still unknown.
func (s *Session) TotalSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totalSize
}

// Transferred returns the bytes moved so far.
func (s *Session) Transferred() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transferred
}

// SetTotalSize records a size learned after session creation.
func (s *Session) SetTotalSize(size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalSize = size
}

// AddBytes advances the transferred counter. The counter never decreases
// and never exceeds a known total size.
func (s *Session) AddBytes(n int64) error {
	if n < 0 {
		return fmt.Errorf("transfer: negative byte delta %d", n)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.totalSize > 0 && s.transferred+n > s.totalSize {
		return ErrSizeExceeded
	}
	s.transferred += n
	return nil
}

// SetTransferred sets the absolute transferred count, used when resuming
// from a persisted offset. It never moves the counter backwards.
func (s *Session) SetTransferred(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > s.transferred {
		s.transferred = n
	}
}

// ResetTransferred rewinds the counter to zero, used when a transfer
// must restart from the beginning after losing partial progress.
func (s *Session) ResetTransferred() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transferred = 0
}

// Transition moves the session to a new status, enforcing the transition
// table.
func (s *Session) Transition(to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, allowed := range legalTransitions[s.status] {
		if allowed == to {
			logrus.WithFields(logrus.Fields{
				"function":   "Transition",
				"session_id": s.id,
				"from":       s.status.String(),
				"to":         to.String(),
			}).Debug("Session status transition")
			s.status = to
			return nil
		}
	}

	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.status, to)
}

// Progress returns the completion percentage rounded to two decimals, or
// -1 when the total size is unknown.
func (s *Session) Progress() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.totalSize <= 0 {
		return -1
	}
	pct := float64(s.transferred) / float64(s.totalSize) * 100
	return float64(int64(pct*100+0.5)) / 100
}
