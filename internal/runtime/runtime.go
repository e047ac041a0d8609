// Package runtime selects the execution backend flavor for a session. The
// set of kinds is closed: a session is bound to exactly one kind when it
// starts and never re-dispatches per message.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
)

// Kind names an executor backend flavor.
type Kind string

const (
	// KindSemigraph runs sessions on the graph executor.
	KindSemigraph Kind = "semigraph"
	// KindNode runs sessions on the Node-based executor.
	KindNode Kind = "node"
)

// Transport is the session-scoped slice of the control-plane router a
// runtime drives.
type Transport interface {
	StartSession(userID, sessionID string, config json.RawMessage) error
	StopSession(userID, sessionID, reason string) error
	UserMessage(userID, sessionID string, data json.RawMessage) error
	Cancel(userID, sessionID, reason string)
	Request(ctx context.Context, userID, sessionID, method string, params json.RawMessage) (json.RawMessage, error)
}

// Runtime is the capability surface every backend kind provides.
type Runtime interface {
	Kind() Kind
	Start(ctx context.Context, config json.RawMessage) error
	Send(ctx context.Context, data json.RawMessage) error
	Cancel(reason string)
	Stop(reason string) error
	Snapshot(ctx context.Context) (json.RawMessage, error)
}

// New binds a session to one backend kind. Unknown kinds are rejected at
// session start, not discovered mid-session.
func New(kind Kind, t Transport, userID, sessionID string) (Runtime, error) {
	base := session{transport: t, userID: userID, sessionID: sessionID}
	switch kind {
	case KindSemigraph:
		return &semigraphRuntime{session: base}, nil
	case KindNode:
		return &nodeRuntime{session: base}, nil
	default:
		return nil, fmt.Errorf("runtime: unknown kind %q", kind)
	}
}

// session carries the identity shared by every runtime kind.
type session struct {
	transport Transport
	userID    string
	sessionID string
}

func (s *session) envelope(kind Kind, config json.RawMessage) json.RawMessage {
	if config == nil {
		config = json.RawMessage(`{}`)
	}
	env, _ := json.Marshal(map[string]json.RawMessage{
		"runtime": json.RawMessage(`"` + string(kind) + `"`),
		"config":  config,
	})
	return env
}

func (s *session) send(data json.RawMessage) error {
	return s.transport.UserMessage(s.userID, s.sessionID, data)
}

func (s *session) cancel(reason string) {
	s.transport.Cancel(s.userID, s.sessionID, reason)
}

func (s *session) stop(reason string) error {
	return s.transport.StopSession(s.userID, s.sessionID, reason)
}

type semigraphRuntime struct {
	session
}

func (r *semigraphRuntime) Kind() Kind { return KindSemigraph }

func (r *semigraphRuntime) Start(ctx context.Context, config json.RawMessage) error {
	return r.transport.StartSession(r.userID, r.sessionID, r.envelope(KindSemigraph, config))
}

func (r *semigraphRuntime) Send(ctx context.Context, data json.RawMessage) error {
	return r.send(data)
}

func (r *semigraphRuntime) Cancel(reason string) { r.cancel(reason) }

func (r *semigraphRuntime) Stop(reason string) error { return r.stop(reason) }

// Snapshot asks the graph executor for its checkpoint, including node
// states and pending edges.
func (r *semigraphRuntime) Snapshot(ctx context.Context) (json.RawMessage, error) {
	return r.transport.Request(ctx, r.userID, r.sessionID, "graph.snapshot", nil)
}

type nodeRuntime struct {
	session
}

func (r *nodeRuntime) Kind() Kind { return KindNode }

func (r *nodeRuntime) Start(ctx context.Context, config json.RawMessage) error {
	return r.transport.StartSession(r.userID, r.sessionID, r.envelope(KindNode, config))
}

func (r *nodeRuntime) Send(ctx context.Context, data json.RawMessage) error {
	return r.send(data)
}

func (r *nodeRuntime) Cancel(reason string) { r.cancel(reason) }

func (r *nodeRuntime) Stop(reason string) error { return r.stop(reason) }

func (r *nodeRuntime) Snapshot(ctx context.Context) (json.RawMessage, error) {
	return r.transport.Request(ctx, r.userID, r.sessionID, "node.snapshot", nil)
}
