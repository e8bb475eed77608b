package terminal

import (
	"sort"
	"sync"
)

// Registry tracks live sessions by (connection, terminal) and, for
// identified sessions, by user. Both indexes change under one lock, so they
// always agree.
//
// Every session the registry removes is killed by the registry, which makes
// "removed exactly once" and "killed exactly once" the same event.
type Registry struct {
	mu       sync.Mutex
	sessions map[Key]*Session
	byUser   map[string]map[Key]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[Key]*Session),
		byUser:   make(map[string]map[Key]struct{}),
	}
}

// Register inserts sess. A session already registered under the same key is
// killed and evicted first; it is returned so the caller can log it.
func (r *Registry) Register(sess *Session) (evicted *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old := r.sessions[sess.key]; old != nil && old != sess {
		r.deleteLocked(old)
		// Kill never blocks, so it is fine under the lock.
		old.Kill(ReasonReplaced)
		evicted = old
	}

	r.sessions[sess.key] = sess
	if user := sess.UserID(); user != "" {
		keys := r.byUser[user]
		if keys == nil {
			keys = make(map[Key]struct{})
			r.byUser[user] = keys
		}
		keys[sess.key] = struct{}{}
	}
	return evicted
}

// Get returns the session for key, or nil.
func (r *Registry) Get(key Key) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[key]
}

// Remove removes and kills the session under key. The second call for the
// same key returns nil.
func (r *Registry) Remove(key Key, reason EndReason) *Session {
	r.mu.Lock()
	sess := r.sessions[key]
	if sess != nil {
		r.deleteLocked(sess)
	}
	r.mu.Unlock()

	if sess != nil {
		sess.Kill(reason)
	}
	return sess
}

// RemoveIfSame removes sess only if it is still the session registered under
// its key. Used when a process exits on its own, so a replacement under the
// same key is left alone.
func (r *Registry) RemoveIfSame(sess *Session, reason EndReason) bool {
	r.mu.Lock()
	removed := r.sessions[sess.key] == sess
	if removed {
		r.deleteLocked(sess)
	}
	r.mu.Unlock()

	sess.Kill(reason)
	return removed
}

// ByConnection returns the sessions owned by connID, ordered by terminal id.
func (r *Registry) ByConnection(connID string) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Session
	for key, sess := range r.sessions {
		if key.ConnID == connID {
			out = append(out, sess)
		}
	}
	sortSessions(out)
	return out
}

// RemoveConnection removes and kills every session owned by connID.
func (r *Registry) RemoveConnection(connID string, reason EndReason) []*Session {
	r.mu.Lock()
	var removed []*Session
	for key, sess := range r.sessions {
		if key.ConnID == connID {
			r.deleteLocked(sess)
			removed = append(removed, sess)
		}
	}
	r.mu.Unlock()

	for _, sess := range removed {
		sess.Kill(reason)
	}
	sortSessions(removed)
	return removed
}

// ByUser returns the keys of userID's live sessions.
func (r *Registry) ByUser(userID string) []Key {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]Key, 0, len(r.byUser[userID]))
	for key := range r.byUser[userID] {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ConnID != keys[j].ConnID {
			return keys[i].ConnID < keys[j].ConnID
		}
		return keys[i].TerminalID < keys[j].TerminalID
	})
	return keys
}

// Len is the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// UserIndexLen is the number of entries in the user index. It equals the
// number of identified sessions.
func (r *Registry) UserIndexLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, keys := range r.byUser {
		n += len(keys)
	}
	return n
}

// CloseAll removes and kills every session.
func (r *Registry) CloseAll() []*Session {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.sessions = make(map[Key]*Session)
	r.byUser = make(map[string]map[Key]struct{})
	r.mu.Unlock()

	for _, sess := range sessions {
		sess.Kill(ReasonShutdown)
	}
	return sessions
}

func (r *Registry) deleteLocked(sess *Session) {
	delete(r.sessions, sess.key)
	user := sess.UserID()
	if user == "" {
		return
	}
	if keys := r.byUser[user]; keys != nil {
		delete(keys, sess.key)
		if len(keys) == 0 {
			delete(r.byUser, user)
		}
	}
}

func sortSessions(sessions []*Session) {
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].key.TerminalID < sessions[j].key.TerminalID
	})
}
