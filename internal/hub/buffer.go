package hub

import (
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// ErrEventsDropped reports that the requested replay position has been
// evicted from the ring. The consumer cannot be caught up incrementally and
// must resync from a fresh snapshot.
var ErrEventsDropped = errors.New("hub: requested events no longer buffered")

// Event is one session output event. IDs are assigned by the buffer,
// monotonically increasing from 1 within a session.
type Event struct {
	ID        uint64          `json:"id"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"ts"`
}

type subscriber struct {
	ch chan Event
}

// SessionBuffer is a fixed-capacity ring of session events with live
// fan-out to subscribers. When the ring is full the oldest event is
// evicted. Slow subscribers never block producers: an event that does not
// fit a subscriber's channel is dropped for that subscriber, who detects
// the gap from the event ID sequence and re-reads from the ring.
type SessionBuffer struct {
	mu     sync.Mutex
	ring   []Event
	start  int // index of oldest event
	count  int
	nextID uint64
	closed bool
	subs   map[*subscriber]struct{}
}

// subscriberBuffer is sized so a briefly stalled consumer survives a burst
// without producers noticing.
const subscriberBuffer = 64

func NewSessionBuffer(capacity int) *SessionBuffer {
	if capacity <= 0 {
		capacity = 500
	}
	return &SessionBuffer{
		ring:   make([]Event, capacity),
		nextID: 1,
		subs:   make(map[*subscriber]struct{}),
	}
}

// Append assigns the next event ID, stores the event in the ring and fans
// it out to live subscribers. It returns the stored event.
func (b *SessionBuffer) Append(eventType string, data json.RawMessage) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ev := Event{ID: b.nextID, Type: eventType, Data: data, Timestamp: time.Now()}
	b.nextID++

	if b.count == len(b.ring) {
		b.ring[b.start] = ev
		b.start = (b.start + 1) % len(b.ring)
	} else {
		b.ring[(b.start+b.count)%len(b.ring)] = ev
		b.count++
	}

	for s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			// subscriber is behind; it recovers via ReplayAfter
		}
	}
	return ev
}

// ReplayAfter returns a copy of all buffered events with ID greater than
// afterID, oldest first. If events after afterID have already been evicted
// it returns ErrEventsDropped.
func (b *SessionBuffer) ReplayAfter(afterID uint64) ([]Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.replayLocked(afterID)
}

func (b *SessionBuffer) replayLocked(afterID uint64) ([]Event, error) {
	if b.count == 0 {
		if afterID+1 < b.nextID {
			return nil, ErrEventsDropped
		}
		return nil, nil
	}

	oldest := b.ring[b.start].ID
	if afterID+1 < oldest {
		return nil, ErrEventsDropped
	}

	var out []Event
	for i := 0; i < b.count; i++ {
		ev := b.ring[(b.start+i)%len(b.ring)]
		if ev.ID > afterID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Snapshot returns a copy of everything currently buffered, oldest first.
// Unlike ReplayAfter it never fails: after eviction it simply starts at
// the oldest retained event.
func (b *SessionBuffer) Snapshot() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, 0, b.count)
	for i := 0; i < b.count; i++ {
		out = append(out, b.ring[(b.start+i)%len(b.ring)])
	}
	return out
}

// Subscribe atomically replays events after afterID and registers a live
// subscriber, so no event can fall between replay and the live stream. The
// returned cancel func must be called when the consumer goes away.
func (b *SessionBuffer) Subscribe(afterID uint64) ([]Event, <-chan Event, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, nil, nil, ErrSessionClosed
	}
	backlog, err := b.replayLocked(afterID)
	if err != nil {
		return nil, nil, nil, err
	}

	s := &subscriber{ch: make(chan Event, subscriberBuffer)}
	b.subs[s] = struct{}{}

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[s]; ok {
			delete(b.subs, s)
			close(s.ch)
		}
		b.mu.Unlock()
	}
	return backlog, s.ch, cancel, nil
}

// ErrSessionClosed reports a subscription attempt on a closed buffer.
var ErrSessionClosed = errors.New("hub: session buffer closed")

// Close marks the buffer terminal and disconnects all subscribers. Buffered
// events remain readable via ReplayAfter until the owning session is
// cleaned up.
func (b *SessionBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		delete(b.subs, s)
		close(s.ch)
	}
}

// Closed reports whether the buffer has been closed.
func (b *SessionBuffer) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// LastID returns the highest event ID assigned so far, zero if none.
func (b *SessionBuffer) LastID() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextID - 1
}
