package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/GoatGit/semibot-sub004/internal/protocol"
)

type testRig struct {
	router *Router
	srv    *httptest.Server
}

func newTestRig(t *testing.T, requestTimeout, grace time.Duration) *testRig {
	t.Helper()
	registry := NewRegistry(grace, 500, 256)
	router := NewRouter(registry, requestTimeout, time.Minute)

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := r.URL.Query().Get("user")
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		init := &protocol.Frame{Type: protocol.KindInit, UserID: user, OrgID: "org-1"}
		_ = router.ServeConn(ws, user, "org-1", nil, init)
	}))
	t.Cleanup(srv.Close)
	return &testRig{router: router, srv: srv}
}

func (r *testRig) dial(t *testing.T, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(r.srv.URL, "http") + "?user=" + user
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	// init arrives first on every admission
	init := readFrame(t, ws)
	require.Equal(t, protocol.KindInit, init.Type)
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) *protocol.Frame {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f protocol.Frame
	require.NoError(t, ws.ReadJSON(&f))
	return &f
}

func writeFrame(t *testing.T, ws *websocket.Conn, f *protocol.Frame) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(f))
}

func TestRequestResponseRoundTrip(t *testing.T) {
	rig := newTestRig(t, 2*time.Second, time.Minute)
	ws := rig.dial(t, "user-1")

	go func() {
		var req protocol.Frame
		_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		if ws.ReadJSON(&req) == nil {
			_ = ws.WriteJSON(protocol.Response(req.ID, json.RawMessage(`{"ok":true}`)))
		}
	}()

	result, err := rig.router.Request(context.Background(), "user-1", "sess-1", "tool_call", json.RawMessage(`{}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(result))
}

func TestRequestTimeoutThenLateResponseDropped(t *testing.T) {
	rig := newTestRig(t, 100*time.Millisecond, time.Minute)
	ws := rig.dial(t, "user-1")

	req := make(chan protocol.Frame, 1)
	go func() {
		var f protocol.Frame
		_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		if ws.ReadJSON(&f) == nil {
			req <- f
		}
	}()

	_, err := rig.router.Request(context.Background(), "user-1", "sess-1", "tool_call", nil)
	require.ErrorIs(t, err, ErrRequestTimeout)

	// the VM answers after the caller already gave up; the response must be
	// dropped and the connection must keep working
	captured := <-req
	writeFrame(t, ws, protocol.Response(captured.ID, json.RawMessage(`{"late":true}`)))

	go func() {
		var f protocol.Frame
		_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		if ws.ReadJSON(&f) == nil {
			_ = ws.WriteJSON(protocol.Response(f.ID, json.RawMessage(`{"fresh":true}`)))
		}
	}()

	result, err := rig.router.Request(context.Background(), "user-1", "sess-1", "tool_call", nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"fresh":true}`, string(result))
}

func TestRequestWithoutConnectionFailsFast(t *testing.T) {
	rig := newTestRig(t, time.Second, time.Minute)

	start := time.Now()
	_, err := rig.router.Request(context.Background(), "nobody", "sess-1", "tool_call", nil)
	require.ErrorIs(t, err, ErrNoConnection)
	require.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestEventRoutedToSessionBuffer(t *testing.T) {
	rig := newTestRig(t, time.Second, time.Minute)
	ws := rig.dial(t, "user-1")

	require.NoError(t, rig.router.StartSession("user-1", "sess-1", nil))
	start := readFrame(t, ws)
	require.Equal(t, protocol.KindStartSession, start.Type)

	writeFrame(t, ws, &protocol.Frame{
		Type: protocol.KindSSEEvent, SessionID: "sess-1", Data: json.RawMessage(`{"text":"hi"}`),
	})

	require.Eventually(t, func() bool {
		b, err := rig.router.Registry().Buffer("sess-1")
		if err != nil {
			return false
		}
		events, err := b.ReplayAfter(0)
		return err == nil && len(events) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEventForUnknownSessionDropped(t *testing.T) {
	rig := newTestRig(t, time.Second, time.Minute)
	ws := rig.dial(t, "user-1")

	writeFrame(t, ws, &protocol.Frame{
		Type: protocol.KindSSEEvent, SessionID: "ghost", Data: json.RawMessage(`{}`),
	})

	// connection must survive the protocol violation
	time.Sleep(50 * time.Millisecond)
	_, err := rig.router.Registry().Conn("user-1")
	require.NoError(t, err)
}

func TestDuplicateConnectionRejected(t *testing.T) {
	rig := newTestRig(t, time.Second, time.Minute)
	rig.dial(t, "user-1")

	url := "ws" + strings.TrimPrefix(rig.srv.URL, "http") + "?user=user-1"
	ws2, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws2.Close()

	_ = ws2.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = ws2.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected close error, got %v", err)
	require.Equal(t, protocol.CloseDuplicateConnection, closeErr.Code)
}

func TestDisconnectGraceResume(t *testing.T) {
	rig := newTestRig(t, time.Second, time.Minute)
	ws := rig.dial(t, "user-1")

	require.NoError(t, rig.router.StartSession("user-1", "sess-1", nil))
	_ = readFrame(t, ws) // start_session

	ws.Close()
	require.Eventually(t, func() bool {
		_, err := rig.router.Registry().Conn("user-1")
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)

	// session state survives the disconnect
	require.Equal(t, []string{"sess-1"}, rig.router.Registry().Sessions("user-1"))

	// reconnect within the grace window resumes it
	ws2 := rig.dial(t, "user-1")
	writeFrame(t, ws2, &protocol.Frame{
		Type: protocol.KindSSEEvent, SessionID: "sess-1", Data: json.RawMessage(`{"text":"back"}`),
	})

	require.Eventually(t, func() bool {
		b, err := rig.router.Registry().Buffer("sess-1")
		if err != nil {
			return false
		}
		events, err := b.ReplayAfter(0)
		return err == nil && len(events) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGraceExpiryCleansUp(t *testing.T) {
	rig := newTestRig(t, time.Second, 50*time.Millisecond)
	ws := rig.dial(t, "user-1")

	require.NoError(t, rig.router.StartSession("user-1", "sess-1", nil))
	_ = readFrame(t, ws)

	ws.Close()

	require.Eventually(t, func() bool {
		return len(rig.router.Registry().Sessions("user-1")) == 0
	}, 2*time.Second, 10*time.Millisecond)

	_, err := rig.router.Registry().Buffer("sess-1")
	require.ErrorIs(t, err, ErrUnknownSession)
}

func TestVMRequestDispatchedToHandler(t *testing.T) {
	rig := newTestRig(t, time.Second, time.Minute)
	rig.router.Handle("memory_search", func(ctx context.Context, userID, sessionID string, params json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"hits":2}`), nil
	})
	ws := rig.dial(t, "user-1")

	writeFrame(t, ws, &protocol.Frame{
		Type: protocol.KindRequest, ID: "vm-req-1", SessionID: "sess-1",
		Method: "memory_search", Params: json.RawMessage(`{"q":"x"}`),
	})

	resp := readFrame(t, ws)
	require.Equal(t, protocol.KindResponse, resp.Type)
	require.Equal(t, "vm-req-1", resp.ID)
	require.JSONEq(t, `{"hits":2}`, string(resp.Result))
}

func TestVMRequestUnknownMethod(t *testing.T) {
	rig := newTestRig(t, time.Second, time.Minute)
	ws := rig.dial(t, "user-1")

	writeFrame(t, ws, &protocol.Frame{Type: protocol.KindRequest, ID: "vm-req-1", Method: "nope"})

	resp := readFrame(t, ws)
	require.NotNil(t, resp.Error)
	require.Equal(t, protocol.ErrCodeMethodNotFound, resp.Error.Code)
}

func TestResumeReconciliation(t *testing.T) {
	rig := newTestRig(t, time.Second, time.Minute)
	rig.router.Handle("skill_fetch", func(ctx context.Context, userID, sessionID string, params json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"skill":"s1"}`), nil
	})
	ws := rig.dial(t, "user-1")

	// complete one request so its result is cached
	writeFrame(t, ws, &protocol.Frame{Type: protocol.KindRequest, ID: "done-1", Method: "skill_fetch"})
	resp := readFrame(t, ws)
	require.Equal(t, "done-1", resp.ID)

	// announce one completed and one never-seen ID
	writeFrame(t, ws, &protocol.Frame{Type: protocol.KindResume, PendingIDs: []string{"done-1", "lost-1"}})

	rr := readFrame(t, ws)
	require.Equal(t, protocol.KindResumeResponse, rr.Type)
	require.Equal(t, protocol.ResumeCompleted, rr.Results["done-1"].Status)
	require.JSONEq(t, `{"skill":"s1"}`, string(rr.Results["done-1"].Data))
	require.Equal(t, protocol.ResumeNotFound, rr.Results["lost-1"].Status)
}

func TestCancelAppendsTerminalEventOnce(t *testing.T) {
	rig := newTestRig(t, time.Second, time.Minute)
	ws := rig.dial(t, "user-1")

	require.NoError(t, rig.router.StartSession("user-1", "sess-1", nil))
	_ = readFrame(t, ws)

	b, err := rig.router.Registry().Buffer("sess-1")
	require.NoError(t, err)

	rig.router.Cancel("user-1", "sess-1", "user requested")
	rig.router.Cancel("user-1", "sess-1", "user requested") // idempotent

	events, err := b.ReplayAfter(0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, EventSessionCancelled, events[0].Type)
	require.True(t, b.Closed())
}

func TestStopSessionClearsBuffer(t *testing.T) {
	rig := newTestRig(t, time.Second, time.Minute)
	ws := rig.dial(t, "user-1")

	require.NoError(t, rig.router.StartSession("user-1", "sess-1", nil))
	_ = readFrame(t, ws)

	require.NoError(t, rig.router.StopSession("user-1", "sess-1", "done"))
	stop := readFrame(t, ws)
	require.Equal(t, protocol.KindStopSession, stop.Type)

	_, err := rig.router.Registry().Buffer("sess-1")
	require.ErrorIs(t, err, ErrUnknownSession)
}

func TestResumeAfterDisconnectServesCachedResult(t *testing.T) {
	rig := newTestRig(t, time.Second, time.Minute)
	rig.router.Handle("skill_fetch", func(ctx context.Context, userID, sessionID string, params json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"skill":"s1"}`), nil
	})
	ws := rig.dial(t, "user-1")

	// the VM issues a request and vanishes before reading the response
	writeFrame(t, ws, &protocol.Frame{Type: protocol.KindRequest, ID: "gap-1", Method: "skill_fetch"})
	require.Eventually(t, func() bool {
		cache, err := rig.router.Registry().Results("user-1")
		if err != nil {
			return false
		}
		_, ok := cache.get("gap-1")
		return ok
	}, 2*time.Second, 10*time.Millisecond, "result must be cached before the disconnect")
	ws.Close()

	require.Eventually(t, func() bool {
		_, err := rig.router.Registry().Conn("user-1")
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)

	// reconnect within the grace window and reconcile
	ws2 := rig.dial(t, "user-1")
	resume := &protocol.Frame{Type: protocol.KindResume, PendingIDs: []string{"gap-1", "never-1"}}

	writeFrame(t, ws2, resume)
	first := readFrame(t, ws2)
	require.Equal(t, protocol.KindResumeResponse, first.Type)
	require.Equal(t, protocol.ResumeCompleted, first.Results["gap-1"].Status)
	require.JSONEq(t, `{"skill":"s1"}`, string(first.Results["gap-1"].Data))
	require.Equal(t, protocol.ResumeNotFound, first.Results["never-1"].Status)

	// resume is idempotent: the same pending_ids yield the same answers
	writeFrame(t, ws2, resume)
	second := readFrame(t, ws2)
	require.Equal(t, first.Results, second.Results)
}
