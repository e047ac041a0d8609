package hub

import (
	"errors"
	"sync"
	"time"

	"github.com/GoatGit/semibot-sub004/internal/lifecycle"
	"github.com/GoatGit/semibot-sub004/internal/logging"
	"github.com/GoatGit/semibot-sub004/internal/protocol"
)

var (
	ErrNoConnection    = errors.New("hub: no live connection for user")
	ErrUnknownSession  = errors.New("hub: unknown session")
	ErrSessionExists   = errors.New("hub: session already open")
	ErrUserUnavailable = errors.New("hub: user state cleaned up")

	// ErrDuplicateConnection rejects a second verified transport while one
	// is already live for the same user. Accepting it would split session
	// delivery across two sockets.
	ErrDuplicateConnection = errors.New("hub: user already connected")
)

// userEntry is everything the control plane holds for one user VM: the
// live connection (nil while disconnected), open session buffers, the
// result cache serving the resume exchange, and the grace timer that
// bounds how long disconnected state is retained.
type userEntry struct {
	mu         sync.Mutex
	userID     string
	orgID      string
	conn       *Connection
	sessions   map[string]*SessionBuffer
	results    *resultCache
	pending    *pendingTable
	graceTimer *time.Timer
}

// Registry tracks per-user connection state. At most one live connection
// exists per user; a second verified connection is rejected while the
// first is up. Disconnected users keep their session buffers, pending
// requests and result cache for the grace window, then all state is
// dropped.
type Registry struct {
	mu           sync.RWMutex
	users        map[string]*userEntry
	sessionIndex map[string]string // session ID -> user ID

	grace     time.Duration
	bufferCap int
	resultCap int
}

func NewRegistry(grace time.Duration, bufferCap, resultCap int) *Registry {
	return &Registry{
		users:        make(map[string]*userEntry),
		sessionIndex: make(map[string]string),
		grace:        grace,
		bufferCap:    bufferCap,
		resultCap:    resultCap,
	}
}

func (r *Registry) entry(userID, orgID string, create bool) *userEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.users[userID]
	if !ok && create {
		e = &userEntry{
			userID:   userID,
			orgID:    orgID,
			sessions: make(map[string]*SessionBuffer),
			results:  newResultCache(r.resultCap),
			pending:  newPendingTable(),
		}
		r.users[userID] = e
	}
	return e
}

// Admit registers a newly authenticated connection. A user with a live
// connection gets the new one rejected with ErrDuplicateConnection. A user
// inside the disconnect grace window resumes: the new connection inherits
// the retained pending table, session buffers and result cache, and Admit
// reports resumed=true.
func (r *Registry) Admit(conn *Connection) (resumed bool, err error) {
	e := r.entry(conn.UserID, conn.OrgID, true)

	e.mu.Lock()
	if e.conn != nil {
		e.mu.Unlock()
		return false, ErrDuplicateConnection
	}
	if e.graceTimer != nil {
		e.graceTimer.Stop()
		e.graceTimer = nil
		resumed = true
	}
	e.conn = conn
	e.orgID = conn.OrgID
	conn.pending = e.pending
	e.mu.Unlock()

	data := lifecycle.ConnectionEventData{UserID: conn.UserID, OrgID: conn.OrgID}
	if resumed {
		logging.Infof("connection resumed within grace user=%s conn=%s", conn.UserID, conn.ID)
		lifecycle.Emit(lifecycle.EventConnectionResumed, data)
	} else {
		lifecycle.Emit(lifecycle.EventConnectionReady, data)
	}
	return resumed, nil
}

// Disconnect records that conn went away. If it was the user's current
// connection the grace timer starts; a superseded connection closing is a
// no-op here.
func (r *Registry) Disconnect(conn *Connection) {
	r.mu.RLock()
	e, ok := r.users[conn.UserID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	e.mu.Lock()
	if e.conn != conn {
		e.mu.Unlock()
		return
	}
	e.conn = nil
	e.graceTimer = time.AfterFunc(r.grace, func() { r.cleanup(conn.UserID) })
	e.mu.Unlock()

	logging.Infof("connection lost user=%s, grace window %s", conn.UserID, r.grace)
	lifecycle.Emit(lifecycle.EventConnectionDisconnected, lifecycle.ConnectionEventData{
		UserID: conn.UserID, OrgID: conn.OrgID,
	})
}

// cleanup drops all state for a user whose grace window expired.
func (r *Registry) cleanup(userID string) {
	r.mu.Lock()
	e, ok := r.users[userID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.users, userID)
	for id, owner := range r.sessionIndex {
		if owner == userID {
			delete(r.sessionIndex, id)
		}
	}
	r.mu.Unlock()

	e.mu.Lock()
	// re-check: a connection admitted between timer fire and lock wins
	if e.conn != nil {
		buffers := e.sessions
		e.mu.Unlock()
		r.readmit(e, buffers)
		return
	}
	buffers := e.sessions
	e.sessions = map[string]*SessionBuffer{}
	orgID := e.orgID
	e.mu.Unlock()

	for _, b := range buffers {
		b.Close()
	}
	if n := e.pending.failAll(protocol.ErrCodeDisconnected, "connection cleaned up after grace window"); n > 0 {
		logging.Warnf("failed %d pending requests for user=%s at cleanup", n, userID)
	}
	logging.Infof("grace expired, cleaned up user=%s sessions=%d", userID, len(buffers))
	lifecycle.Emit(lifecycle.EventConnectionCleanedUp, lifecycle.ConnectionEventData{
		UserID: userID, OrgID: orgID,
	})
}

// readmit restores an entry removed by a cleanup that raced a reconnect.
func (r *Registry) readmit(e *userEntry, buffers map[string]*SessionBuffer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[e.userID] = e
	for id := range buffers {
		r.sessionIndex[id] = e.userID
	}
}

// Conn returns the live connection for a user.
func (r *Registry) Conn(userID string) (*Connection, error) {
	r.mu.RLock()
	e, ok := r.users[userID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNoConnection
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return nil, ErrNoConnection
	}
	return e.conn, nil
}

// OpenSession creates the event buffer for a new session.
func (r *Registry) OpenSession(userID, sessionID string) (*SessionBuffer, error) {
	e := r.entry(userID, "", true)

	e.mu.Lock()
	if _, exists := e.sessions[sessionID]; exists {
		e.mu.Unlock()
		return nil, ErrSessionExists
	}
	b := NewSessionBuffer(r.bufferCap)
	e.sessions[sessionID] = b
	e.mu.Unlock()

	r.mu.Lock()
	r.sessionIndex[sessionID] = userID
	r.mu.Unlock()
	return b, nil
}

// Buffer resolves a session ID to its event buffer.
func (r *Registry) Buffer(sessionID string) (*SessionBuffer, error) {
	r.mu.RLock()
	userID, ok := r.sessionIndex[sessionID]
	if !ok {
		r.mu.RUnlock()
		return nil, ErrUnknownSession
	}
	e := r.users[userID]
	r.mu.RUnlock()
	if e == nil {
		return nil, ErrUnknownSession
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.sessions[sessionID]
	if !ok {
		return nil, ErrUnknownSession
	}
	return b, nil
}

// SessionOwner resolves a session ID to its owning user.
func (r *Registry) SessionOwner(sessionID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userID, ok := r.sessionIndex[sessionID]
	if !ok {
		return "", ErrUnknownSession
	}
	return userID, nil
}

// CloseSession clears a stopped session: its buffer is closed, detaching
// any attached consumers, and removed from the registry. Closing an
// unknown or already-closed session is a no-op.
func (r *Registry) CloseSession(sessionID string) {
	r.mu.Lock()
	userID, ok := r.sessionIndex[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessionIndex, sessionID)
	e := r.users[userID]
	r.mu.Unlock()
	if e == nil {
		return
	}

	e.mu.Lock()
	b, ok := e.sessions[sessionID]
	delete(e.sessions, sessionID)
	e.mu.Unlock()
	if ok {
		b.Close()
	}
}

// Results returns the resume result cache for a user.
func (r *Registry) Results(userID string) (*resultCache, error) {
	r.mu.RLock()
	e, ok := r.users[userID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrUserUnavailable
	}
	return e.results, nil
}

// Sessions returns the open session IDs for a user.
func (r *Registry) Sessions(userID string) []string {
	r.mu.RLock()
	e, ok := r.users[userID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.sessions))
	for id := range e.sessions {
		out = append(out, id)
	}
	return out
}
