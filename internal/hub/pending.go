package hub

import (
	"errors"
	"sync"

	"github.com/GoatGit/semibot-sub004/internal/protocol"
)

var (
	// ErrRequestTimeout is returned to callers whose request was not
	// answered within the configured window. The table entry is removed
	// before this error is returned, so a response arriving afterwards is
	// dropped rather than delivered to a caller that already gave up.
	ErrRequestTimeout = errors.New("hub: request timed out")

	// ErrConnectionGone is returned to callers whose request was in flight
	// when the connection's grace window expired.
	ErrConnectionGone = errors.New("hub: connection gone")
)

// pendingTable correlates outbound request IDs with the goroutines waiting
// on their responses.
type pendingTable struct {
	mu      sync.Mutex
	waiters map[string]chan *protocol.Frame
}

func newPendingTable() *pendingTable {
	return &pendingTable{waiters: make(map[string]chan *protocol.Frame)}
}

// add registers a waiter for the given request ID. The returned channel
// receives at most one frame.
func (p *pendingTable) add(id string) chan *protocol.Frame {
	ch := make(chan *protocol.Frame, 1)
	p.mu.Lock()
	p.waiters[id] = ch
	p.mu.Unlock()
	return ch
}

// remove drops the waiter for id, if still present. Returns true if an
// entry was removed. Callers remove before reporting timeout so late
// responses cannot race a delivered error.
func (p *pendingTable) remove(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.waiters[id]; !ok {
		return false
	}
	delete(p.waiters, id)
	return true
}

// resolve delivers a response to the waiter for frame.ID. Returns false if
// no waiter exists, which means the request already timed out or was never
// issued; such responses are dropped.
func (p *pendingTable) resolve(frame *protocol.Frame) bool {
	p.mu.Lock()
	ch, ok := p.waiters[frame.ID]
	if ok {
		delete(p.waiters, frame.ID)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- frame
	return true
}

// failAll removes every waiter and delivers err to each as an error frame.
// Used when the owning connection is declared gone.
func (p *pendingTable) failAll(code, message string) int {
	p.mu.Lock()
	waiters := p.waiters
	p.waiters = make(map[string]chan *protocol.Frame)
	p.mu.Unlock()

	for id, ch := range waiters {
		ch <- protocol.ErrorResponse(id, code, message)
	}
	return len(waiters)
}

// ids returns the request IDs currently awaiting responses.
func (p *pendingTable) ids() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.waiters))
	for id := range p.waiters {
		out = append(out, id)
	}
	return out
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}
