// Package lifecycle provides in-process event hooks for connection, session
// and VM state changes. Components emit; interested parties subscribe.
package lifecycle

import (
	"sync"

	"github.com/GoatGit/semibot-sub004/internal/logging"
)

// Event identifies a lifecycle transition.
type Event string

const (
	// Connection events
	EventConnectionReady        Event = "connection_ready"
	EventConnectionDisconnected Event = "connection_disconnected"
	EventConnectionResumed      Event = "connection_resumed"
	EventConnectionCleanedUp    Event = "connection_cleaned_up"

	// Session events
	EventSessionStarted   Event = "session_started"
	EventSessionStopped   Event = "session_stopped"
	EventSessionCancelled Event = "session_cancelled"

	// VM events
	EventVMAllocated   Event = "vm_allocated"
	EventVMFrozen      Event = "vm_frozen"
	EventVMWoken       Event = "vm_woken"
	EventVMRecovered   Event = "vm_recovered"
	EventVMLost        Event = "vm_lost"
	EventVMTerminated  Event = "vm_terminated"
)

// Handler is a function that handles a lifecycle event.
type Handler func(event Event, data any)

// Manager manages lifecycle event subscriptions and dispatching.
type Manager struct {
	mu       sync.RWMutex
	handlers map[Event][]Handler
}

// NewManager returns an empty Manager. Most callers use the package-level
// functions backed by the global manager.
func NewManager() *Manager {
	return &Manager{handlers: make(map[Event][]Handler)}
}

var global = NewManager()

// On registers a handler for a lifecycle event on the global manager.
func On(event Event, handler Handler) {
	global.On(event, handler)
}

// Emit dispatches an event to all registered handlers on the global manager.
func Emit(event Event, data any) {
	global.Emit(event, data)
}

// Reset drops all handlers on the global manager. Test helper.
func Reset() {
	global = NewManager()
}

// On registers a handler for a lifecycle event.
func (m *Manager) On(event Event, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[event] = append(m.handlers[event], handler)
}

// Emit dispatches an event to all registered handlers. Handlers run
// synchronously; a handler that needs to block must spawn its own goroutine.
func (m *Manager) Emit(event Event, data any) {
	m.mu.RLock()
	handlers := m.handlers[event]
	m.mu.RUnlock()

	logging.Debugf("[lifecycle] emitting event: %s", event)
	for _, h := range handlers {
		h(event, data)
	}
}

// ConnectionEventData carries context for connection events.
type ConnectionEventData struct {
	UserID string
	OrgID  string
}

// SessionEventData carries context for session events.
type SessionEventData struct {
	UserID    string
	SessionID string
	Reason    string
}

// VMEventData carries context for VM events.
type VMEventData struct {
	UserID     string
	InstanceID string
	Recovered  bool
}

// OnVMLost registers a typed handler for unrecoverable VM loss.
func OnVMLost(handler func(data VMEventData)) {
	On(EventVMLost, func(e Event, data any) {
		if d, ok := data.(VMEventData); ok {
			handler(d)
		}
	})
}

// OnVMRecovered registers a typed handler for successful VM recovery.
func OnVMRecovered(handler func(data VMEventData)) {
	On(EventVMRecovered, func(e Event, data any) {
		if d, ok := data.(VMEventData); ok {
			handler(d)
		}
	})
}

// OnConnectionCleanedUp registers a typed handler for grace-window expiry.
func OnConnectionCleanedUp(handler func(data ConnectionEventData)) {
	On(EventConnectionCleanedUp, func(e Event, data any) {
		if d, ok := data.(ConnectionEventData); ok {
			handler(d)
		}
	})
}
