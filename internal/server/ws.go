package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/GoatGit/semibot-sub004/internal/httputil"
	"github.com/GoatGit/semibot-sub004/internal/logging"
	"github.com/GoatGit/semibot-sub004/internal/protocol"
	"github.com/GoatGit/semibot-sub004/internal/scheduler"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// VMs connect server-to-server; there is no browser origin to check
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleVMSocket admits a VM connection in two phases. A single-use
// admission ticket may appear in the URL on first connect; the durable
// credential always arrives in-band as the first frame, inside a bounded
// window. Reconnects present only the durable credential.
func (s *Server) handleVMSocket(w http.ResponseWriter, r *http.Request) {
	var ticketUser string
	if ticket := r.URL.Query().Get("ticket"); ticket != "" {
		user, err := s.svc.Tickets.Redeem(ticket)
		if err != nil {
			logging.Warnf("admission ticket rejected: %v", err)
			httputil.Error(w, http.StatusUnauthorized, "invalid admission ticket")
			return
		}
		ticketUser = user
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	claims, code, reason := s.awaitCredential(ws, ticketUser)
	if code != 0 {
		closeSocket(ws, code, reason)
		return
	}

	inst, err := s.svc.Scheduler.Instance(claims.UserID)
	if err != nil || inst.Status == scheduler.StatusTerminated || inst.Status == scheduler.StatusFailed {
		closeSocket(ws, protocol.CloseUnknownUser, "no active vm instance")
		return
	}

	limiter := rate.NewLimiter(
		rate.Limit(s.svc.Config.Transport.RatePerSecond),
		s.svc.Config.Transport.RateBurst,
	)
	init := &protocol.Frame{
		Type:    protocol.KindInit,
		UserID:  claims.UserID,
		OrgID:   claims.OrgID,
		Secrets: s.svc.Config.Secrets,
	}
	_ = s.svc.Router.ServeConn(ws, claims.UserID, claims.OrgID, limiter, init)
}

// awaitCredential reads and verifies the first in-band frame. A zero code
// means success.
func (s *Server) awaitCredential(ws *websocket.Conn, ticketUser string) (claims *credClaims, code int, reason string) {
	window := s.svc.Config.Auth.AuthWindow
	_ = ws.SetReadDeadline(time.Now().Add(window))

	_, raw, err := ws.ReadMessage()
	if err != nil {
		return nil, protocol.CloseInitTimeout, "no credential frame within window"
	}
	frame, err := protocol.Decode(raw)
	if err != nil || frame.Type != protocol.KindAuth {
		return nil, protocol.CloseAuthFailure, "expected auth frame"
	}

	verified, err := s.svc.Verifier.Verify(frame.Token)
	if err != nil {
		return nil, protocol.CloseAuthFailure, "credential rejected"
	}
	if ticketUser != "" && ticketUser != verified.UserID {
		return nil, protocol.CloseAuthFailure, "ticket subject mismatch"
	}

	_ = ws.SetReadDeadline(time.Time{})
	return &credClaims{UserID: verified.UserID, OrgID: verified.OrgID}, 0, ""
}

type credClaims struct {
	UserID string
	OrgID  string
}

func closeSocket(ws *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))
	_ = ws.Close()
	logging.Infof("vm socket closed during admission: %s (%s)", protocol.CloseCodeName(code), reason)
}
