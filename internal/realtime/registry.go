package realtime

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrSessionNotFound = errors.New("session not found")

// ErrNotActivatable reports an activation attempt on a session that is no
// longer in the creating status. Transitions are monotonic.
var ErrNotActivatable = errors.New("session is not activatable")

// Registry tracks sessions issued through the relay so the status endpoint
// can answer existence queries without another upstream round trip. Expiry
// is observed lazily on read and seldom swept by a janitor; nothing polls
// the issuer.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	onExpire func(*Session)
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

func (r *Registry) SetExpireHook(hook func(*Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExpire = hook
}

// Track records a freshly issued session. The registry owns its copy; the
// caller's Session is never mutated through the registry.
func (r *Registry) Track(s *Session) {
	if s == nil || s.ID == "" {
		return
	}
	c := *s
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[c.ID] = &c
}

// Get returns a snapshot of the tracked session, observing expiry lazily.
func (r *Registry) Get(sessionID string) (*Session, error) {
	now := time.Now().UTC()

	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	var expired *Session
	if s.Status != StatusExpired && s.Status != StatusTerminated && s.ExpiredNow(now) {
		s.Status = StatusExpired
		expired = clone(s)
	}
	snapshot := clone(s)
	hook := r.onExpire
	r.mu.Unlock()

	if expired != nil && hook != nil {
		hook(expired)
	}
	return snapshot, nil
}

// MarkActive moves a creating session to active after successful
// negotiation. Any other status yields ErrNotActivatable and the session is
// left untouched.
func (r *Registry) MarkActive(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if s.Status != StatusCreating {
		return ErrNotActivatable
	}
	s.Status = StatusActive
	return nil
}

// MarkExpired records an issuer-reported not-found for a tracked session.
func (r *Registry) MarkExpired(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok && s.Status != StatusTerminated {
		s.Status = StatusExpired
	}
}

// Terminate marks the session terminated. Unknown ids are fine: terminate is
// best-effort by design.
func (r *Registry) Terminate(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok {
		s.Status = StatusTerminated
		s.ClientSecret = ""
	}
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, s := range r.sessions {
		if s.Status == StatusCreating || s.Status == StatusActive {
			count++
		}
	}
	return count
}

// StartJanitor sweeps expired and long-dead sessions so the map does not
// grow without bound across many short-lived conversations.
func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweep()
			}
		}
	}()
}

func (r *Registry) sweep() {
	now := time.Now().UTC()
	var expired []*Session

	r.mu.Lock()
	for id, s := range r.sessions {
		switch {
		case s.Status == StatusExpired || s.Status == StatusTerminated:
			// Keep terminal sessions visible for one sweep window, then drop.
			if now.Sub(s.ExpiresAt) > time.Hour {
				delete(r.sessions, id)
			}
		case s.ExpiredNow(now):
			s.Status = StatusExpired
			s.ClientSecret = ""
			expired = append(expired, clone(s))
		}
	}
	hook := r.onExpire
	r.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
