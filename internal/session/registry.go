package session

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrDuplicateSession is returned by Create when the thread already has a
// TutoringSession. Callers that just want the session use GetOrCreate.
var ErrDuplicateSession = errors.New("session: thread already has a tutoring session")

// Registry is the process-wide directory of live TutoringSessions keyed by
// thread id. It is constructed at process start and passed by reference to
// every consumer; there is no package-level instance.
type Registry struct {
	userTimeout time.Duration
	log         zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*TutoringSession
}

func NewRegistry(userTimeout time.Duration, log zerolog.Logger) *Registry {
	if userTimeout <= 0 {
		userTimeout = 30 * time.Minute
	}
	return &Registry{
		userTimeout: userTimeout,
		log:         log,
		sessions:    make(map[string]*TutoringSession),
	}
}

// Create registers a new TutoringSession for its thread, failing when one
// already exists for that key.
func (r *Registry) Create(ts *TutoringSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[ts.Thread.ID]; ok {
		return ErrDuplicateSession
	}
	r.sessions[ts.Thread.ID] = ts
	return nil
}

// GetOrCreate returns the thread's session, constructing one via newFn when
// absent. This is the safe idempotent entry point for message routing.
func (r *Registry) GetOrCreate(threadID string, newFn func() *TutoringSession) *TutoringSession {
	r.mu.RLock()
	ts, ok := r.sessions[threadID]
	r.mu.RUnlock()
	if ok {
		return ts
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ts, ok := r.sessions[threadID]; ok {
		return ts
	}
	ts = newFn()
	r.sessions[threadID] = ts
	return ts
}

// Get is a pure lookup with no side effects.
func (r *Registry) Get(threadID string) (*TutoringSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ts, ok := r.sessions[threadID]
	return ts, ok
}

// Remove unconditionally drops the thread's session; no-op on an absent key.
func (r *Registry) Remove(threadID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, threadID)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// EvictUser drops one user's in-memory session in the given thread without
// touching durable state. Used by the monitor after it closes a record.
func (r *Registry) EvictUser(threadID, userID string) {
	r.mu.RLock()
	ts, ok := r.sessions[threadID]
	r.mu.RUnlock()
	if ok {
		ts.evict(userID)
	}
}

// LookupUser finds the user's in-memory session within a thread, if any.
func (r *Registry) LookupUser(threadID, userID string) (*UserSession, bool) {
	r.mu.RLock()
	ts, ok := r.sessions[threadID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return ts.GetUserSession(userID)
}

// SweepInactive asks every held session to evict its own stale users, then
// drops sessions left without any. One misbehaving session must not stop the
// sweep.
func (r *Registry) SweepInactive() {
	r.mu.RLock()
	snapshot := make(map[string]*TutoringSession, len(r.sessions))
	for id, ts := range r.sessions {
		snapshot[id] = ts
	}
	r.mu.RUnlock()

	for id, ts := range snapshot {
		r.sweepOne(id, ts)
	}
}

func (r *Registry) sweepOne(threadID string, ts *TutoringSession) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().Interface("panic", rec).Str("thread_id", threadID).
				Msg("sweep of tutoring session panicked")
		}
	}()

	ts.RemoveInactiveUsers(r.userTimeout)
	if ts.UserCount() == 0 {
		r.Remove(threadID)
	}
}
