package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aurelabs/assay/internal/logx"
	"github.com/aurelabs/assay/internal/metrics"
	"github.com/aurelabs/assay/internal/stage"
	"github.com/aurelabs/assay/internal/statestore"
)

// SweepInterval is how often the registry checks for abandoned sessions.
const SweepInterval = 15 * time.Second

// Registry maps session ids to live sessions and owns their lifecycle.
type Registry struct {
	newEngine func() *stage.Engine
	store     statestore.Store

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry builds a registry. newEngine is called once per created
// session; the engines share the detector capability read-only.
func NewRegistry(newEngine func() *stage.Engine, store statestore.Store) *Registry {
	return &Registry{
		newEngine: newEngine,
		store:     store,
		sessions:  make(map[string]*Session),
	}
}

// Store exposes the status snapshot store shared by all sessions.
func (r *Registry) Store() statestore.Store { return r.store }

// Create allocates a new session with its engine at the rubbing stage
// and starts its processing slot.
func (r *Registry) Create() *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:           uuid.NewString(),
		CreatedAt:    time.Now(),
		Engine:       r.newEngine(),
		ctx:          ctx,
		cancel:       cancel,
		lastActivity: time.Now(),
		lastStage:    stage.StageRubbing,
		jobs:         make(chan func(context.Context), 1),
		events:       make(chan Event, 16),
	}
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	r.store.Save(s.ID, statusFor(s, "created"))
	metrics.IncSessions()
	logx.Log.Info().Str("session_id", s.ID).Msg("session created")
	go s.run()
	return s
}

// Get returns the session for id or ErrNotFound.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Bind attaches a transport binding to a session. Exactly one binding
// may be active; a second bind attempt fails with ErrAlreadyBound and
// leaves the existing binding untouched.
func (r *Registry) Bind(id string, kind TransportKind) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport != TransportNone {
		return ErrAlreadyBound
	}
	s.transport = kind
	s.lastActivity = time.Now()
	logx.Log.Info().Str("session_id", id).Str("transport", string(kind)).Msg("transport bound")
	return nil
}

// Unbind releases the transport binding if it matches kind.
func (r *Registry) Unbind(id string, kind TransportKind) {
	s, err := r.Get(id)
	if err != nil {
		return
	}
	s.mu.Lock()
	if s.transport == kind {
		s.transport = TransportNone
	}
	s.mu.Unlock()
}

// Touch updates a session's last-activity timestamp.
func (r *Registry) Touch(id string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	s.touch()
	return nil
}

// Teardown releases a session, cancelling any in-flight processing. It
// is idempotent: tearing down an unknown id is a no-op.
func (r *Registry) Teardown(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		// a stale broadcaster may have re-saved a snapshot between the
		// first teardown and now; make sure it does not outlive the id
		r.store.Delete(id)
		return
	}
	s.mu.Lock()
	s.closed = true
	s.transport = TransportNone
	close(s.events)
	s.mu.Unlock()
	s.cancel()
	r.store.Delete(id)
	metrics.DecSessions()
	logx.Log.Info().Str("session_id", id).Msg("session torn down")
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns a point-in-time view of all sessions for the state
// endpoint.
func (r *Registry) Snapshot() []SessionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		s.mu.Lock()
		infos = append(infos, SessionInfo{
			ID:           s.ID,
			CreatedAt:    s.CreatedAt,
			LastActivity: s.lastActivity,
			Transport:    s.transport,
			Stage:        s.Engine.Stage(),
		})
		s.mu.Unlock()
	}
	return infos
}

// SessionInfo is the registry's external view of one session.
type SessionInfo struct {
	ID           string        `json:"session_id"`
	CreatedAt    time.Time     `json:"created_at"`
	LastActivity time.Time     `json:"last_activity"`
	Transport    TransportKind `json:"transport,omitempty"`
	Stage        stage.Stage   `json:"current_task"`
}

// PruneExpired tears down sessions whose last activity exceeds maxAge.
func (r *Registry) PruneExpired(maxAge time.Duration) {
	r.mu.RLock()
	var expired []string
	for id, s := range r.sessions {
		if time.Since(s.LastActivity()) > maxAge {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()
	for _, id := range expired {
		logx.Log.Info().Str("session_id", id).Str("reason", "inactivity").Msg("evicted")
		r.Teardown(id)
	}
}

func statusFor(s *Session, conn string) stage.StatusUpdate {
	st := s.Engine.Status()
	st.SessionID = s.ID
	st.ConnectionState = conn
	return st
}
