package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/GoatGit/semibot-sub004/internal/config"
	"github.com/GoatGit/semibot-sub004/internal/lifecycle"
	"github.com/GoatGit/semibot-sub004/internal/protocol"
	"github.com/GoatGit/semibot-sub004/internal/scheduler"
	"github.com/GoatGit/semibot-sub004/internal/svc"
)

// memProvider satisfies scheduler.Provider and captures the boot
// credentials injected into each backend.
type memProvider struct {
	mu    sync.Mutex
	seq   int
	boots map[string]scheduler.BootParams // backend ID -> boot params
}

func newMemProvider() *memProvider {
	return &memProvider{boots: make(map[string]scheduler.BootParams)}
}

func (p *memProvider) Prewarm(ctx context.Context) (scheduler.Backend, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	return scheduler.Backend{ID: fmt.Sprintf("be-%d", p.seq), DiskRef: fmt.Sprintf("disk-%d", p.seq)}, nil
}

func (p *memProvider) Attach(ctx context.Context, diskRef string) (scheduler.Backend, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	return scheduler.Backend{ID: fmt.Sprintf("be-%d", p.seq), DiskRef: diskRef}, nil
}

func (p *memProvider) Configure(ctx context.Context, backendID string, boot scheduler.BootParams) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.boots[backendID] = boot
	return nil
}

func (p *memProvider) Destroy(ctx context.Context, backendID string) error { return nil }
func (p *memProvider) Freeze(ctx context.Context, backendID string) error  { return nil }
func (p *memProvider) Thaw(ctx context.Context, backendID string) error    { return nil }
func (p *memProvider) Probe(ctx context.Context, backendID string) error   { return nil }

func (p *memProvider) bootFor(backendID string) scheduler.BootParams {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.boots[backendID]
}

type rig struct {
	srv      *httptest.Server
	ctx      *svc.ServiceContext
	provider *memProvider
}

func newRig(t *testing.T) *rig {
	t.Helper()
	lifecycle.Reset()

	cfg := config.Default()
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Auth.AuthWindow = 300 * time.Millisecond
	cfg.Store.Path = filepath.Join(t.TempDir(), "test.db")
	cfg.Secrets = map[string]string{"provider_api_key": "pk-test"}

	provider := newMemProvider()
	ctx, err := svc.NewServiceContext(cfg, provider, "ws://localhost/vm/ws")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctx.Store.Close() })

	server := New(ctx)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return &rig{srv: srv, ctx: ctx, provider: provider}
}

func (r *rig) allocate(t *testing.T, userID string) (scheduler.Instance, scheduler.BootParams) {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"user_id": userID, "org_id": "org-1", "mode": "ephemeral"})
	resp, err := http.Post(r.srv.URL+"/api/vms", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var inst scheduler.Instance
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&inst))
	return inst, r.provider.bootFor(inst.BackendID)
}

// connectVM performs the full two-phase handshake and waits for init.
func (r *rig) connectVM(t *testing.T, boot scheduler.BootParams, withTicket bool) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(r.srv.URL, "http") + "/vm/ws"
	if withTicket {
		url += "?ticket=" + boot.Ticket
	}
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	require.NoError(t, ws.WriteJSON(&protocol.Frame{Type: protocol.KindAuth, Token: boot.Token}))

	var init protocol.Frame
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, ws.ReadJSON(&init))
	require.Equal(t, protocol.KindInit, init.Type)
	return ws
}

func TestVMHandshakeAndInit(t *testing.T) {
	r := newRig(t)
	_, boot := r.allocate(t, "user-1")
	require.NotEmpty(t, boot.Ticket)
	require.NotEmpty(t, boot.Token)

	url := "ws" + strings.TrimPrefix(r.srv.URL, "http") + "/vm/ws?ticket=" + boot.Ticket
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	require.NoError(t, ws.WriteJSON(&protocol.Frame{Type: protocol.KindAuth, Token: boot.Token}))

	var init protocol.Frame
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, ws.ReadJSON(&init))
	require.Equal(t, protocol.KindInit, init.Type)
	require.Equal(t, "user-1", init.UserID)
	require.Equal(t, "org-1", init.OrgID)
	require.Equal(t, map[string]string{"provider_api_key": "pk-test"}, init.Secrets,
		"init carries the configured secrets")

	inst, err := r.ctx.Scheduler.Instance("user-1")
	require.NoError(t, err)
	require.Equal(t, scheduler.StatusRunning, inst.Status, "ready connection implies running")
}

func TestHandshakeTicketSingleUse(t *testing.T) {
	r := newRig(t)
	_, boot := r.allocate(t, "user-1")
	r.connectVM(t, boot, true)

	url := "ws" + strings.TrimPrefix(r.srv.URL, "http") + "/vm/ws?ticket=" + boot.Ticket
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandshakeRejectsBadToken(t *testing.T) {
	r := newRig(t)
	r.allocate(t, "user-1")

	url := "ws" + strings.TrimPrefix(r.srv.URL, "http") + "/vm/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(&protocol.Frame{Type: protocol.KindAuth, Token: "garbage"}))

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = ws.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected close error, got %v", err)
	require.Equal(t, protocol.CloseAuthFailure, closeErr.Code)
}

func TestHandshakeCredentialWindow(t *testing.T) {
	r := newRig(t)
	r.allocate(t, "user-1")

	url := "ws" + strings.TrimPrefix(r.srv.URL, "http") + "/vm/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	// send nothing; the server must hang up when the window lapses
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = ws.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected close error, got %v", err)
	require.Equal(t, protocol.CloseInitTimeout, closeErr.Code)
}

func TestHandshakeRequiresInstance(t *testing.T) {
	r := newRig(t)

	token, err := r.ctx.Verifier.Mint("ghost-user", "org-1", time.Hour)
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(r.srv.URL, "http") + "/vm/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(&protocol.Frame{Type: protocol.KindAuth, Token: token}))

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = ws.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected close error, got %v", err)
	require.Equal(t, protocol.CloseUnknownUser, closeErr.Code)
}

func TestSessionLifecycleOverAPI(t *testing.T) {
	r := newRig(t)
	_, boot := r.allocate(t, "user-1")
	ws := r.connectVM(t, boot, true)

	// start a session
	body, _ := json.Marshal(map[string]any{"user_id": "user-1", "runtime": "semigraph"})
	resp, err := http.Post(r.srv.URL+"/api/sessions", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()

	var start protocol.Frame
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, ws.ReadJSON(&start))
	require.Equal(t, protocol.KindStartSession, start.Type)
	require.Equal(t, created.SessionID, start.SessionID)

	// send a user message
	body, _ = json.Marshal(map[string]any{"data": map[string]string{"text": "hello"}})
	resp, err = http.Post(r.srv.URL+"/api/sessions/"+created.SessionID+"/messages", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var msg protocol.Frame
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, ws.ReadJSON(&msg))
	require.Equal(t, protocol.KindUserMessage, msg.Type)

	// VM pushes an event; the SSE stream delivers it
	require.NoError(t, ws.WriteJSON(&protocol.Frame{
		Type: protocol.KindSSEEvent, SessionID: created.SessionID,
		Data: json.RawMessage(`{"text":"world"}`),
	}))

	require.Eventually(t, func() bool {
		b, err := r.ctx.Registry.Buffer(created.SessionID)
		if err != nil {
			return false
		}
		events, err := b.ReplayAfter(0)
		return err == nil && len(events) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// cancel is idempotent and always accepted
	resp, err = http.Post(r.srv.URL+"/api/sessions/"+created.SessionID+"/cancel", "application/json", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	// stop clears the session
	req, _ := http.NewRequest(http.MethodDelete, r.srv.URL+"/api/sessions/"+created.SessionID, nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, err = r.ctx.Registry.Buffer(created.SessionID)
	require.Error(t, err)
}

func TestStartSessionWithoutConnection(t *testing.T) {
	r := newRig(t)
	r.allocate(t, "user-1") // VM allocated but never connected

	body, _ := json.Marshal(map[string]any{"user_id": "user-1"})
	resp, err := http.Post(r.srv.URL+"/api/sessions", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
