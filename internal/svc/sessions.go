package svc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/GoatGit/semibot-sub004/internal/hub"
	"github.com/GoatGit/semibot-sub004/internal/runtime"
)

var ErrSessionNotFound = errors.New("svc: session not found")

type sessionEntry struct {
	userID string
	rt     runtime.Runtime
}

// SessionTable tracks the runtime bound to each live session. The binding
// is made once at session start; every later operation goes through the
// same runtime.
type SessionTable struct {
	router *hub.Router

	mu       sync.Mutex
	sessions map[string]*sessionEntry
}

func NewSessionTable(router *hub.Router) *SessionTable {
	return &SessionTable{router: router, sessions: make(map[string]*sessionEntry)}
}

// Start binds the session to a runtime kind and starts it on the user's VM.
func (t *SessionTable) Start(ctx context.Context, userID, sessionID string, kind runtime.Kind, config json.RawMessage) error {
	rt, err := runtime.New(kind, t.router, userID, sessionID)
	if err != nil {
		return err
	}
	if err := rt.Start(ctx, config); err != nil {
		return err
	}
	t.mu.Lock()
	t.sessions[sessionID] = &sessionEntry{userID: userID, rt: rt}
	t.mu.Unlock()
	return nil
}

func (t *SessionTable) lookup(sessionID string) (*sessionEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return e, nil
}

// Owner returns the user owning a session.
func (t *SessionTable) Owner(sessionID string) (string, error) {
	e, err := t.lookup(sessionID)
	if err != nil {
		return "", err
	}
	return e.userID, nil
}

// Send forwards a user message into the session.
func (t *SessionTable) Send(ctx context.Context, sessionID string, data json.RawMessage) error {
	e, err := t.lookup(sessionID)
	if err != nil {
		return err
	}
	return e.rt.Send(ctx, data)
}

// Stop ends the session and drops its binding.
func (t *SessionTable) Stop(sessionID, reason string) error {
	e, err := t.lookup(sessionID)
	if err != nil {
		return err
	}
	t.mu.Lock()
	delete(t.sessions, sessionID)
	t.mu.Unlock()
	return e.rt.Stop(reason)
}

// Cancel aborts in-progress work; unknown sessions are a no-op.
func (t *SessionTable) Cancel(sessionID, reason string) {
	e, err := t.lookup(sessionID)
	if err != nil {
		return
	}
	e.rt.Cancel(reason)
}

// Snapshot fetches the session's runtime checkpoint.
func (t *SessionTable) Snapshot(ctx context.Context, sessionID string) (json.RawMessage, error) {
	e, err := t.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	return e.rt.Snapshot(ctx)
}

// DropUser discards the bindings of every session owned by userID. Used
// when the user's connection state is cleaned up.
func (t *SessionTable) DropUser(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, e := range t.sessions {
		if e.userID == userID {
			delete(t.sessions, id)
		}
	}
}
