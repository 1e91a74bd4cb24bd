package app

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/continuity/internal/domain"
	"github.com/rs/zerolog/log"
)

// DefaultSessionID is used when the room context carries nothing to derive from.
const DefaultSessionID = "default"

// DeriveSessionID builds the deterministic registry key for a room context.
// Priority: override > instance+identity > label+identity > instance alone.
func DeriveSessionID(rc domain.RoomContext, identity domain.Identity) string {
	switch {
	case rc.OverrideID != "":
		return rc.OverrideID
	case rc.InstanceID != "" && identity != "":
		return string(rc.InstanceID) + ":" + string(identity)
	case rc.Label != "" && identity != "":
		return string(rc.Label) + ":" + string(identity)
	case rc.InstanceID != "":
		return string(rc.InstanceID)
	default:
		return DefaultSessionID
	}
}

// Registry tracks managed sessions for one process. All mutations run
// under a single lock because concurrent requests may share one session id.
// Nothing is evicted automatically; callers remove entries explicitly.
type Registry struct {
	mu       sync.RWMutex
	track    bool
	sessions map[string]*domain.ManagedSession
	now      func() time.Time
}

func NewRegistry(track bool) *Registry {
	return &Registry{
		track:    track,
		sessions: make(map[string]*domain.ManagedSession),
		now:      time.Now,
	}
}

// Tracking reports whether sessions are persisted in the registry.
func (r *Registry) Tracking() bool { return r.track }

// CreateOrTouch returns the session for the context, creating it if absent.
// With tracking disabled the value is computed but never stored.
func (r *Registry) CreateOrTouch(rc domain.RoomContext, identity domain.Identity) domain.ManagedSession {
	id := DeriveSessionID(rc, identity)
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.LastActivityAt = now
		return *s
	}
	s := &domain.ManagedSession{
		ID:             id,
		State:          domain.LifecycleActive,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if r.track {
		r.sessions[id] = s
		log.Info().Str("module", "app.registry").Str("sid", id).Msg("created managed session")
	}
	return *s
}

func (r *Registry) Get(id string) (domain.ManagedSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.sessions[id]; ok {
		return *s, true
	}
	return domain.ManagedSession{}, false
}

func (r *Registry) SetState(id string, state domain.LifecycleState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	s.State = state
	log.Info().Str("module", "app.registry").Str("sid", id).Str("state", string(state)).Msg("updated session state")
	return true
}

// Expire marks the session expired without deleting it.
func (r *Registry) Expire(id string) bool {
	return r.SetState(id, domain.LifecycleExpired)
}

func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	log.Info().Str("module", "app.registry").Str("sid", id).Msg("removed session")
	return true
}

func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.sessions)
	r.sessions = make(map[string]*domain.ManagedSession)
	log.Info().Str("module", "app.registry").Int("count", n).Msg("cleared sessions")
}

func (r *Registry) IsActive(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return ok && s.State == domain.LifecycleActive
}

// RecordSuccess bumps counters after a successful backend response and
// returns a reconnecting session to active.
func (r *Registry) RecordSuccess(id string) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	s.RequestCount++
	s.LastActivityAt = now
	s.State = domain.LifecycleActive
	log.Debug().Str("module", "app.registry").Str("sid", id).Uint64("requests", s.RequestCount).Msg("request recorded")
}

// RecordFailure expires the session when err is a backend session error
// and returns err with the session id filled in. Other errors pass through.
// The registry never retries.
func (r *Registry) RecordFailure(id string, err error) error {
	var se *domain.SessionError
	if !errors.As(err, &se) {
		return err
	}
	r.Expire(id)
	if se.SessionID == "" {
		se.SessionID = id
	}
	log.Warn().Str("module", "app.registry").Str("sid", id).Str("reason", string(se.Reason)).Msg("session rejected by backend")
	return err
}

// MarkAll sets every tracked session to state. Used when the connection
// enters or leaves reconnecting.
func (r *Registry) MarkAll(from, to domain.LifecycleState) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sessions {
		if s.State == from {
			s.State = to
			n++
		}
	}
	return n
}

// List returns a copy of all tracked sessions ordered by id.
func (r *Registry) List() []domain.ManagedSession {
	r.mu.RLock()
	out := make([]domain.ManagedSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
