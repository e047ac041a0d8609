package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/GoatGit/semibot-sub004/internal/logging"
	"github.com/GoatGit/semibot-sub004/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 90 * time.Second
	maxMessageSize = 1 << 20

	// sendQueueSize bounds outbound frames per connection. A VM that stops
	// reading gets closed rather than backing up the whole process.
	sendQueueSize = 256
)

// Connection is one authenticated WebSocket to a user VM. A single reader
// and a single writer goroutine own the socket; everything else talks to
// the connection through Enqueue and the pending table.
type Connection struct {
	ID     string
	UserID string
	OrgID  string

	ws       *websocket.Conn
	send     chan *protocol.Frame
	dispatch chan *protocol.Frame
	done     chan struct{}
	once     sync.Once
	limiter  *rate.Limiter

	// pending is the user's request table, assigned by the registry at
	// admission. A connection resuming within the grace window inherits
	// the table of the one it replaces, so responses to requests issued
	// before the disconnect still find their waiters.
	pending *pendingTable

	lastSeen atomic.Int64 // unix nanos of last inbound frame
}

func newConnection(id, userID, orgID string, ws *websocket.Conn, limiter *rate.Limiter) *Connection {
	c := &Connection{
		ID:       id,
		UserID:   userID,
		OrgID:    orgID,
		ws:       ws,
		send:     make(chan *protocol.Frame, sendQueueSize),
		dispatch: make(chan *protocol.Frame, 64),
		done:     make(chan struct{}),
		limiter:  limiter,
	}
	c.touch()
	return c
}

func (c *Connection) touch() { c.lastSeen.Store(time.Now().UnixNano()) }

// LastSeen returns the time of the last inbound frame.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// Enqueue queues a frame for the writer goroutine. Returns false if the
// connection is closed or its send queue is full.
func (c *Connection) Enqueue(f *protocol.Frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- f:
		return true
	case <-c.done:
		return false
	default:
		logging.Warnf("send queue full, closing connection user=%s", c.UserID)
		c.CloseWithCode(protocol.CloseInternalError, "send queue overflow")
		return false
	}
}

// CloseWithCode sends a close control frame with the given code and tears
// the socket down. Safe to call more than once.
func (c *Connection) CloseWithCode(code int, reason string) {
	c.once.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		deadline := time.Now().Add(writeWait)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
		close(c.done)
		_ = c.ws.Close()
	})
}

// close tears down without a close frame, for peer-initiated disconnects.
func (c *Connection) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// Done is closed when the connection is torn down.
func (c *Connection) Done() <-chan struct{} { return c.done }

// writePump owns all writes to the socket. It also sends protocol-level
// pings so half-open TCP connections are detected.
func (c *Connection) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(frame); err != nil {
				logging.Debugf("write failed user=%s: %v", c.UserID, err)
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump owns all reads from the socket, handing decoded frames to the
// router. It returns when the socket errors or is closed.
func (c *Connection) readPump(r *Router) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.touch()
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Debugf("read failed user=%s: %v", c.UserID, err)
			}
			c.close()
			return
		}
		c.touch()
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		if c.limiter != nil && !c.limiter.Allow() {
			c.CloseWithCode(protocol.CloseRateLimited, "frame rate exceeded")
			return
		}

		frame, err := protocol.Decode(raw)
		if err != nil {
			logging.Warnf("malformed frame user=%s: %v", c.UserID, err)
			continue
		}
		r.handleFrame(c, frame)
	}
}
