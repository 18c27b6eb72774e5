package agent

import (
	"errors"
	"io"
	"sync"
	"time"
)

// SessionState tracks whether the subprocess's stdin may still accept input.
type SessionState int

const (
	// SessionOpen accepts writes.
	SessionOpen SessionState = iota
	// SessionPendingClose accepts writes until the deadline; an interrupt that
	// arrives in time reopens the session instead of ending the run.
	SessionPendingClose
	// SessionClosed accepts nothing.
	SessionClosed
)

// ErrSessionClosed is returned by Write after the session has closed.
var ErrSessionClosed = errors.New("agent session closed")

// pendingCloseGrace is how long a closing session stays writable so a
// late-arriving operator message can still be delivered.
const pendingCloseGrace = 2 * time.Second

// Session serializes writes to the subprocess's stdin and owns its lifecycle.
// The Runner moves it Open -> PendingClose -> Closed; external message
// delivery only ever calls Write and SessionID.
type Session struct {
	mu        sync.Mutex
	stdin     io.WriteCloser
	state     SessionState
	deadline  time.Time
	sessionID string
	now       func() time.Time
}

// NewSession wraps the subprocess stdin in an open session.
func NewSession(stdin io.WriteCloser) *Session {
	return &Session{stdin: stdin, state: SessionOpen, now: time.Now}
}

// CaptureID records the session identifier from the init event. First capture
// wins; the subprocess never changes its id mid-run.
func (s *Session) CaptureID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionID == "" {
		s.sessionID = id
	}
}

// ID returns the captured session identifier, or "" before init.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Write sends a user message into the session. Fails with ErrSessionClosed
// when the session is closed or its close grace has lapsed.
func (s *Session) Write(content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case SessionClosed:
		return ErrSessionClosed
	case SessionPendingClose:
		if s.now().After(s.deadline) {
			s.closeLocked()
			return ErrSessionClosed
		}
		// A write during the grace keeps the session alive.
		s.state = SessionOpen
	}
	return WriteUserMessage(s.stdin, s.sessionID, content)
}

// BeginClose moves an open session to PendingClose with the grace deadline.
func (s *Session) BeginClose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SessionOpen {
		s.state = SessionPendingClose
		s.deadline = s.now().Add(pendingCloseGrace)
	}
}

// Close shuts the session immediately, closing the underlying stdin so the
// subprocess sees EOF.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *Session) closeLocked() error {
	if s.state == SessionClosed {
		return nil
	}
	s.state = SessionClosed
	return s.stdin.Close()
}

// State returns the current state, resolving a lapsed PendingClose to Closed.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SessionPendingClose && s.now().After(s.deadline) {
		s.closeLocked()
	}
	return s.state
}
