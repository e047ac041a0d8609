// Package relay bridges session event buffers to browser-facing SSE
// streams: replay on reconnect, live fan-out, keep-alives, and an explicit
// resync signal when a consumer asks for events the ring no longer holds.
package relay

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/GoatGit/semibot-sub004/internal/hub"
	"github.com/GoatGit/semibot-sub004/internal/httputil"
	"github.com/GoatGit/semibot-sub004/internal/logging"
)

// Relay serves one SSE stream per attached consumer. Many consumers may
// attach to the same session; each gets its own subscription, so a stalled
// one affects nobody else.
type Relay struct {
	registry  *hub.Registry
	keepAlive time.Duration
}

func New(registry *hub.Registry, keepAlive time.Duration) *Relay {
	if keepAlive <= 0 {
		keepAlive = 30 * time.Second
	}
	return &Relay{registry: registry, keepAlive: keepAlive}
}

// HandleStream is the GET /sessions/{sessionID}/stream handler. The
// consumer passes the last event ID it has seen via the last_event_id
// query parameter or the Last-Event-ID header; events after that ID are
// replayed before the live stream begins.
func (rl *Relay) HandleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	buffer, err := rl.registry.Buffer(sessionID)
	if err != nil {
		httputil.Error(w, http.StatusNotFound, "unknown session")
		return
	}

	afterID := lastEventID(r)

	backlog, live, cancel, err := buffer.Subscribe(afterID)
	switch err {
	case nil:
		defer cancel()
	case hub.ErrEventsDropped:
		sw, ok := newSSEWriter(w)
		if !ok {
			return
		}
		sw.resync()
		return
	case hub.ErrSessionClosed:
		// the session ended but its tail is still readable; drain it and
		// finish with the terminal marker
		rl.drainClosed(w, buffer, afterID)
		return
	default:
		httputil.Error(w, http.StatusInternalServerError, "stream unavailable")
		return
	}

	sw, ok := newSSEWriter(w)
	if !ok {
		return
	}

	lastSent := afterID
	for _, ev := range backlog {
		if !sw.event(ev) {
			return
		}
		lastSent = ev.ID
	}

	ticker := time.NewTicker(rl.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case ev, open := <-live:
			if !open {
				sw.done()
				return
			}
			// a gap means this consumer fell behind the fan-out channel;
			// refill from the ring instead of delivering silently-wrong data
			if ev.ID > lastSent+1 {
				missed, err := buffer.ReplayAfter(lastSent)
				if err != nil {
					sw.resync()
					return
				}
				for _, m := range missed {
					if m.ID > ev.ID {
						break
					}
					if !sw.event(m) {
						return
					}
					lastSent = m.ID
				}
				continue
			}
			if ev.ID <= lastSent {
				continue
			}
			if !sw.event(ev) {
				return
			}
			lastSent = ev.ID

		case <-ticker.C:
			if !sw.comment("keep-alive") {
				return
			}

		case <-r.Context().Done():
			return
		}
	}
}

// drainClosed replays what remains of a finished session and terminates
// the stream.
func (rl *Relay) drainClosed(w http.ResponseWriter, buffer *hub.SessionBuffer, afterID uint64) {
	backlog, err := buffer.ReplayAfter(afterID)

	sw, ok := newSSEWriter(w)
	if !ok {
		return
	}
	if err != nil {
		sw.resync()
		return
	}
	for _, ev := range backlog {
		if !sw.event(ev) {
			return
		}
	}
	sw.done()
}

func lastEventID(r *http.Request) uint64 {
	raw := r.URL.Query().Get("last_event_id")
	if raw == "" {
		raw = r.Header.Get("Last-Event-ID")
	}
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// sseWriter frames events for the wire and flushes after every write so
// delivery is immediate, not batched.
type sseWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sw := &sseWriter{w: w, rc: http.NewResponseController(w)}
	if err := sw.rc.Flush(); err != nil {
		logging.Debugf("sse: streaming unsupported: %v", err)
		return nil, false
	}
	return sw, true
}

func (s *sseWriter) write(format string, args ...any) bool {
	if _, err := fmt.Fprintf(s.w, format, args...); err != nil {
		return false
	}
	return s.rc.Flush() == nil
}

func (s *sseWriter) event(ev hub.Event) bool {
	data := ev.Data
	if len(data) == 0 {
		data = []byte("{}")
	}
	return s.write("id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data)
}

// done marks a clean end of stream; the consumer should not reconnect.
func (s *sseWriter) done() bool {
	return s.write("event: done\ndata: {}\n\n")
}

// resync tells the consumer its replay position is unrecoverable: discard
// local state and refetch a snapshot out of band.
func (s *sseWriter) resync() bool {
	return s.write("event: resync\ndata: {}\n\n")
}

func (s *sseWriter) comment(text string) bool {
	return s.write(": %s\n\n", text)
}
