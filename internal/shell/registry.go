package shell

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const DefaultIdleTimeout = 30 * time.Minute

var (
	ErrSessionNotFound = errors.New("shell: session not found")
	ErrSessionAttached = errors.New("shell: session already attached")
)

// Registry tracks sessions from the bootstrap request until the WebSocket
// closes, and enforces idle timeouts. Handlers call Touch on every message
// received; a per-session janitor closes sessions that have been idle too
// long.
type Registry struct {
	idle time.Duration
	tick time.Duration

	mu       sync.Mutex
	sessions map[string]*registeredSession
}

type registeredSession struct {
	id      string
	target  Target
	session Session // nil until attached
	lastMsg time.Time
	done    chan struct{} // closed when the entry is replaced or the registry closes
}

// NewRegistry returns a registry closing sessions idle for longer than idle.
func NewRegistry(idle time.Duration) *Registry {
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	return &Registry{
		idle:     idle,
		tick:     min(time.Minute, idle/4),
		sessions: make(map[string]*registeredSession),
	}
}

// Reserve registers a pending session for t under a fresh id.
func (r *Registry) Reserve(t Target) string {
	id := uuid.NewString()
	r.Register(id, t)
	return id
}

// Register adds a pending session and starts idle monitoring.
func (r *Registry) Register(id string, t Target) {
	done := make(chan struct{})
	r.mu.Lock()
	if old, ok := r.sessions[id]; ok {
		close(old.done)
	}
	r.sessions[id] = &registeredSession{
		id:      id,
		target:  t,
		lastMsg: time.Now(),
		done:    done,
	}
	r.mu.Unlock()

	go r.watch(id, done)
}

func (r *Registry) watch(id string, done chan struct{}) {
	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			r.mu.Lock()
			rs, ok := r.sessions[id]
			if !ok || rs.done != done {
				r.mu.Unlock()
				return
			}
			if time.Since(rs.lastMsg) >= r.idle {
				delete(r.sessions, id)
				r.mu.Unlock()
				log.Info().Str("session_id", id).Msg("shell: closing idle session")
				if rs.session != nil {
					_ = rs.session.Close()
				}
				return
			}
			r.mu.Unlock()
		}
	}
}

// Lookup returns the target a session was reserved for.
func (r *Registry) Lookup(id string) (Target, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rs, ok := r.sessions[id]
	if !ok {
		return Target{}, ErrSessionNotFound
	}
	return rs.target, nil
}

// Attach binds a live shell to a pending session. A session accepts one
// attachment at a time.
func (r *Registry) Attach(id string, sess Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rs, ok := r.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if rs.session != nil {
		return ErrSessionAttached
	}
	rs.session = sess
	rs.lastMsg = time.Now()
	return nil
}

// Detach unbinds the shell from a session, leaving it pending so the
// client can reconnect with the same id. It does NOT close the shell.
func (r *Registry) Detach(id string) {
	r.mu.Lock()
	if rs, ok := r.sessions[id]; ok {
		rs.session = nil
		rs.lastMsg = time.Now()
	}
	r.mu.Unlock()
}

// Touch updates the last-activity timestamp for the session, resetting the
// idle timer.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	if rs, ok := r.sessions[id]; ok {
		rs.lastMsg = time.Now()
	}
	r.mu.Unlock()
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close unregisters every session and closes attached shells.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*registeredSession)
	r.mu.Unlock()

	for _, rs := range sessions {
		close(rs.done)
		if rs.session != nil {
			_ = rs.session.Close()
		}
	}
}
