// Package session owns session lifecycle: the registry, the per-session
// processing slot, and status broadcasting.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aurelabs/assay/internal/stage"
)

var (
	// ErrNotFound reports a stale or unknown session id; the caller must
	// create a new session.
	ErrNotFound = errors.New("session: not found")
	// ErrAlreadyBound reports a transport binding conflict; the existing
	// binding is unaffected.
	ErrAlreadyBound = errors.New("session: transport already bound")
)

// TransportKind identifies which binding is attached to a session.
type TransportKind string

const (
	TransportNone         TransportKind = ""
	TransportSocket       TransportKind = "ws"
	TransportMediaChannel TransportKind = "rtc"
)

// EventKind discriminates entries on a session's ordered event stream.
type EventKind string

const (
	EventFrameProcessed    EventKind = "frame_processed"
	EventStageChanged      EventKind = "stage_changed"
	EventConnectionChanged EventKind = "connection_changed"
)

// Event is one entry on the per-session ordered event stream. A single
// consumer per session observes frame results, stage changes, and
// connection changes in one deterministic order.
type Event struct {
	Kind   EventKind
	Status stage.StatusUpdate
	At     time.Time
}

// Session binds an id to its stage engine and transport. DetectionState
// lives inside the engine; the session adds lifecycle and backpressure.
type Session struct {
	ID        string
	CreatedAt time.Time
	Engine    *stage.Engine

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	lastActivity time.Time
	lastStage    stage.Stage
	transport    TransportKind
	busy         bool
	closed       bool

	jobs   chan func(context.Context)
	events chan Event
}

// Context is cancelled when the session is torn down; in-flight detector
// calls derive from it.
func (s *Session) Context() context.Context { return s.ctx }

// Events returns the session's ordered event stream. Entries are dropped
// when the single consumer falls behind; the stream is advisory, the
// status snapshot is authoritative.
func (s *Session) Events() <-chan Event { return s.events }

// Transport returns the currently bound transport kind.
func (s *Session) Transport() TransportKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

// Closed reports whether the session has been torn down.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// LastActivity returns the time of the last processed frame or control
// message.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// TrySubmit offers a frame-processing job to the session's single
// processing slot. It returns false, without blocking, when a previous
// job is still in flight; the caller drops the frame and sends no
// response. Accepted jobs run strictly in arrival order.
func (s *Session) TrySubmit(fn func(context.Context)) bool {
	s.mu.Lock()
	if s.busy || s.closed {
		s.mu.Unlock()
		return false
	}
	s.busy = true
	s.lastActivity = time.Now()
	s.mu.Unlock()

	select {
	case s.jobs <- fn:
		return true
	case <-s.ctx.Done():
		s.mu.Lock()
		s.busy = false
		s.mu.Unlock()
		return false
	}
}

// run drains the processing slot until teardown.
func (s *Session) run() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case fn := <-s.jobs:
			fn(s.ctx)
			s.mu.Lock()
			s.busy = false
			s.mu.Unlock()
		}
	}
}

// Publish places an event on the stream, dropping it if the consumer is
// behind. Stage changes are derived here so transports do not need to
// diff stages themselves.
func (s *Session) Publish(kind EventKind, st stage.StatusUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	prev := s.lastStage
	s.lastStage = st.CurrentTask
	s.emitLocked(Event{Kind: kind, Status: st, At: time.Now()})
	if kind == EventFrameProcessed && prev != "" && prev != st.CurrentTask {
		s.emitLocked(Event{Kind: EventStageChanged, Status: st, At: time.Now()})
	}
}

// emitLocked requires s.mu. The events channel is only closed with the
// mutex held after closed is set, so a send here cannot race the close.
func (s *Session) emitLocked(ev Event) {
	select {
	case s.events <- ev:
	default:
	}
}
