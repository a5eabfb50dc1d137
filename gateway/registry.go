package gateway

import (
	"errors"
	"sync"
)

// ErrAlreadyConnected rejects a second concurrent session for the same user.
// The rejected connection is dropped, not queued.
var ErrAlreadyConnected = errors.New("gateway: user already connected")

// ClientSession identifies one connected dashboard client. In-memory only.
type ClientSession struct {
	SessionID   string `json:"sessionId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// Registry tracks connected dashboard sessions and enforces the
// one-session-per-user invariant in a single place.
type Registry struct {
	mu     sync.Mutex
	byUser map[string]ClientSession
}

func NewRegistry() *Registry {
	return &Registry{byUser: make(map[string]ClientSession)}
}

// Register adds a session, rejecting it when the user already has one.
func (r *Registry) Register(s ClientSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byUser[s.UserID]; ok {
		return ErrAlreadyConnected
	}
	r.byUser[s.UserID] = s
	return nil
}

// Unregister removes the session with the given id, if present.
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for userID, s := range r.byUser {
		if s.SessionID == sessionID {
			delete(r.byUser, userID)
			return
		}
	}
}

// Snapshot returns the current sessions keyed by session id, for the presence
// broadcast.
func (r *Registry) Snapshot() map[string]ClientSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]ClientSession, len(r.byUser))
	for _, s := range r.byUser {
		out[s.SessionID] = s
	}
	return out
}

// Len returns the number of connected sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser)
}
