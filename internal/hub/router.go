package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/GoatGit/semibot-sub004/internal/lifecycle"
	"github.com/GoatGit/semibot-sub004/internal/logging"
	"github.com/GoatGit/semibot-sub004/internal/protocol"
)

// HandlerFunc handles a VM-issued request or fire-and-forget call.
type HandlerFunc func(ctx context.Context, userID, sessionID string, params json.RawMessage) (json.RawMessage, error)

// RequestError carries a remote error returned in a response frame.
type RequestError struct {
	Code    string
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("remote error %s: %s", e.Code, e.Message)
}

// Router moves frames between connections and the rest of the control
// plane: it correlates outbound requests with inbound responses, appends
// VM events to session buffers, and dispatches VM-issued calls to
// registered collaborator handlers.
type Router struct {
	registry *Registry

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	requestTimeout time.Duration
	pingInterval   time.Duration
}

func NewRouter(registry *Registry, requestTimeout, pingInterval time.Duration) *Router {
	return &Router{
		registry:       registry,
		handlers:       make(map[string]HandlerFunc),
		requestTimeout: requestTimeout,
		pingInterval:   pingInterval,
	}
}

// Registry exposes the router's connection registry.
func (r *Router) Registry() *Registry { return r.registry }

// Handle registers the handler for a VM-callable method.
func (r *Router) Handle(method string, fn HandlerFunc) {
	r.mu.Lock()
	r.handlers[method] = fn
	r.mu.Unlock()
}

func (r *Router) handler(method string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[method]
	return fn, ok
}

// ServeConn runs an authenticated WebSocket until it closes. The init
// frame is delivered once, immediately after admission. ServeConn blocks
// for the life of the connection; the caller's handler goroutine is the
// connection's read worker.
func (r *Router) ServeConn(ws *websocket.Conn, userID, orgID string, limiter *rate.Limiter, init *protocol.Frame) error {
	conn := newConnection(uuid.NewString(), userID, orgID, ws, limiter)

	resumed, err := r.registry.Admit(conn)
	if err != nil {
		conn.CloseWithCode(protocol.CloseDuplicateConnection, "user already connected")
		return err
	}
	logging.Infof("connection ready user=%s conn=%s resumed=%v", userID, conn.ID, resumed)

	go conn.writePump(r.pingInterval)
	go r.dispatchLoop(conn)
	if init != nil {
		conn.Enqueue(init)
	}

	conn.readPump(r)
	r.registry.Disconnect(conn)
	return nil
}

// Request sends a correlated request to the user's VM and waits for the
// response, the timeout, or ctx cancellation. Without a live connection it
// fails immediately rather than queueing.
func (r *Router) Request(ctx context.Context, userID, sessionID, method string, params json.RawMessage) (json.RawMessage, error) {
	conn, err := r.registry.Conn(userID)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	ch := conn.pending.add(id)

	ok := conn.Enqueue(&protocol.Frame{
		Type:      protocol.KindRequest,
		ID:        id,
		SessionID: sessionID,
		Method:    method,
		Params:    params,
	})
	if !ok {
		conn.pending.remove(id)
		return nil, ErrNoConnection
	}

	timer := time.NewTimer(r.requestTimeout)
	defer timer.Stop()

	select {
	case f := <-ch:
		return unpackResponse(f)
	case <-timer.C:
		// remove first so a response landing after this point is dropped,
		// never delivered to a caller that already saw the timeout
		if !conn.pending.remove(id) {
			return unpackResponse(<-ch)
		}
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		if !conn.pending.remove(id) {
			return unpackResponse(<-ch)
		}
		return nil, ctx.Err()
	}
}

func unpackResponse(f *protocol.Frame) (json.RawMessage, error) {
	if f.Error != nil {
		switch f.Error.Code {
		case protocol.ErrCodeDisconnected:
			return nil, ErrConnectionGone
		case protocol.ErrCodeTimeout:
			return nil, ErrRequestTimeout
		}
		return nil, &RequestError{Code: f.Error.Code, Message: f.Error.Message}
	}
	return f.Result, nil
}

// Notify sends a frame to the user's VM without awaiting any response.
func (r *Router) Notify(userID string, frame *protocol.Frame) error {
	conn, err := r.registry.Conn(userID)
	if err != nil {
		return err
	}
	if !conn.Enqueue(frame) {
		return ErrNoConnection
	}
	return nil
}

// StartSession opens the session's event buffer and tells the VM to start
// the session.
func (r *Router) StartSession(userID, sessionID string, config json.RawMessage) error {
	if _, err := r.registry.OpenSession(userID, sessionID); err != nil {
		return err
	}
	err := r.Notify(userID, &protocol.Frame{
		Type:      protocol.KindStartSession,
		SessionID: sessionID,
		Config:    config,
	})
	if err != nil {
		r.registry.CloseSession(sessionID)
		return err
	}
	lifecycle.Emit(lifecycle.EventSessionStarted, lifecycle.SessionEventData{
		UserID: userID, SessionID: sessionID,
	})
	return nil
}

// StopSession tells the VM to stop the session and clears its buffer.
func (r *Router) StopSession(userID, sessionID, reason string) error {
	err := r.Notify(userID, &protocol.Frame{
		Type:      protocol.KindStopSession,
		SessionID: sessionID,
		Reason:    reason,
	})
	r.registry.CloseSession(sessionID)
	lifecycle.Emit(lifecycle.EventSessionStopped, lifecycle.SessionEventData{
		UserID: userID, SessionID: sessionID, Reason: reason,
	})
	return err
}

// UserMessage forwards a user's message into a running session.
func (r *Router) UserMessage(userID, sessionID string, data json.RawMessage) error {
	return r.Notify(userID, &protocol.Frame{
		Type:      protocol.KindUserMessage,
		SessionID: sessionID,
		Data:      data,
	})
}

// Cancel stops in-progress work for a session. The forward to the VM is
// best effort; the terminal cancelled event always reaches the session
// buffer so stream consumers observe a definitive end state. Cancelling an
// unknown or already-finished session is a no-op.
func (r *Router) Cancel(userID, sessionID, reason string) {
	_ = r.Notify(userID, &protocol.Frame{
		Type:      protocol.KindCancel,
		SessionID: sessionID,
		Reason:    reason,
	})

	b, err := r.registry.Buffer(sessionID)
	if err != nil || b.Closed() {
		return
	}
	payload, _ := json.Marshal(map[string]string{"reason": reason})
	b.Append(EventSessionCancelled, payload)
	b.Close()
	lifecycle.Emit(lifecycle.EventSessionCancelled, lifecycle.SessionEventData{
		UserID: userID, SessionID: sessionID, Reason: reason,
	})
}

// Event type names for control-plane-generated session events. VM events
// are forwarded with EventMessage and an opaque payload.
const (
	EventMessage          = "message"
	EventSessionCancelled = "session_cancelled"
	EventVMRecovered      = "vm_recovered"
	EventVMLost           = "vm_lost"
)

// PushSessionEvent appends a control-plane-generated event to a session's
// buffer; unknown sessions are ignored.
func (r *Router) PushSessionEvent(sessionID, eventType string, data json.RawMessage) {
	b, err := r.registry.Buffer(sessionID)
	if err != nil || b.Closed() {
		return
	}
	b.Append(eventType, data)
}

// handleFrame routes one decoded inbound frame. Called from the
// connection's read worker; anything that can take time is handed to the
// dispatch worker instead.
func (r *Router) handleFrame(conn *Connection, frame *protocol.Frame) {
	switch frame.Type {
	case protocol.KindResponse:
		if !conn.pending.resolve(frame) {
			logging.Debugf("late response dropped id=%s user=%s", frame.ID, conn.UserID)
		}

	case protocol.KindSSEEvent:
		b, err := r.registry.Buffer(frame.SessionID)
		if err != nil {
			logging.Warnf("event for unknown session=%s user=%s dropped", frame.SessionID, conn.UserID)
			return
		}
		b.Append(EventMessage, frame.Data)

	case protocol.KindRequest, protocol.KindFireAndForget:
		select {
		case conn.dispatch <- frame:
		case <-conn.done:
		}

	case protocol.KindHeartbeat:
		// last-seen already updated by the read pump

	case protocol.KindResume:
		r.handleResume(conn, frame)

	default:
		logging.Warnf("unexpected frame type=%s user=%s", frame.Type, conn.UserID)
	}
}

// dispatchLoop processes VM-issued requests and fire-and-forget calls one
// at a time, preserving the connection's inbound order while keeping the
// read pump free to resolve responses.
func (r *Router) dispatchLoop(conn *Connection) {
	for {
		select {
		case frame := <-conn.dispatch:
			r.dispatchCall(conn, frame)
		case <-conn.done:
			return
		}
	}
}

func (r *Router) dispatchCall(conn *Connection, frame *protocol.Frame) {
	fn, ok := r.handler(frame.Method)
	if !ok {
		if frame.Type == protocol.KindRequest {
			conn.Enqueue(protocol.ErrorResponse(frame.ID, protocol.ErrCodeMethodNotFound, frame.Method))
		} else {
			logging.Warnf("fire-and-forget for unknown method=%s user=%s", frame.Method, conn.UserID)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.requestTimeout)
	defer cancel()

	result, err := fn(ctx, conn.UserID, frame.SessionID, frame.Params)
	if frame.Type == protocol.KindFireAndForget {
		if err != nil {
			logging.Warnf("fire-and-forget %s failed user=%s: %v", frame.Method, conn.UserID, err)
		}
		return
	}

	if err != nil {
		conn.Enqueue(protocol.ErrorResponse(frame.ID, protocol.ErrCodeHandlerFailed, err.Error()))
		return
	}
	if cache, cerr := r.registry.Results(conn.UserID); cerr == nil {
		cache.put(frame.ID, result)
	}
	conn.Enqueue(protocol.Response(frame.ID, result))
}

// handleResume answers the reconnect reconciliation: for every request ID
// the VM still considers outstanding, report the cached result if the call
// completed during the disconnect window, or not_found so the VM re-issues
// it.
func (r *Router) handleResume(conn *Connection, frame *protocol.Frame) {
	results := make(map[string]protocol.ResumeResult, len(frame.PendingIDs))

	cache, err := r.registry.Results(conn.UserID)
	for _, id := range frame.PendingIDs {
		if err == nil {
			if data, ok := cache.get(id); ok {
				results[id] = protocol.ResumeResult{Status: protocol.ResumeCompleted, Data: data}
				continue
			}
		}
		results[id] = protocol.ResumeResult{Status: protocol.ResumeNotFound}
	}

	conn.Enqueue(&protocol.Frame{Type: protocol.KindResumeResponse, Results: results})
	logging.Infof("resume reconciled user=%s pending=%d", conn.UserID, len(frame.PendingIDs))
}
