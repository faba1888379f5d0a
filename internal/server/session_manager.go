package server

import (
	"context"
	"sync"
)

// ActiveSession is one open websocket connection. Cancel aborts whatever
// execution the connection is waiting on.
type ActiveSession struct {
	ID     string
	Cancel context.CancelFunc
	mu     sync.Mutex // one execution at a time per connection
}

// SessionManager tracks open websocket connections so shutdown can abort
// their executions.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*ActiveSession
}

// NewSessionManager creates a new SessionManager.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*ActiveSession),
	}
}

// Get returns an active session if it exists.
func (sm *SessionManager) Get(id string) (*ActiveSession, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	as, ok := sm.sessions[id]
	return as, ok
}

// Open registers a connection and returns a context that is cancelled when
// the session is removed or the manager is closed.
func (sm *SessionManager) Open(parent context.Context, id string) (*ActiveSession, context.Context) {
	ctx, cancel := context.WithCancel(parent)
	as := &ActiveSession{ID: id, Cancel: cancel}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	if old, ok := sm.sessions[id]; ok {
		old.Cancel()
	}
	sm.sessions[id] = as
	return as, ctx
}

// Remove cancels and forgets a session.
func (sm *SessionManager) Remove(id string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if as, ok := sm.sessions[id]; ok {
		as.Cancel()
		delete(sm.sessions, id)
	}
}

// Len returns the number of open sessions.
func (sm *SessionManager) Len() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// CloseAll cancels every session.
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for id, as := range sm.sessions {
		as.Cancel()
		delete(sm.sessions, id)
	}
}
