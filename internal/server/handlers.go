package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/GoatGit/semibot-sub004/internal/httputil"
	"github.com/GoatGit/semibot-sub004/internal/hub"
	"github.com/GoatGit/semibot-sub004/internal/runtime"
	"github.com/GoatGit/semibot-sub004/internal/scheduler"
	"github.com/GoatGit/semibot-sub004/internal/svc"
)

type allocateVMRequest struct {
	UserID string `json:"user_id"`
	OrgID  string `json:"org_id"`
	Mode   string `json:"mode"`
}

func (s *Server) handleAllocateVM(w http.ResponseWriter, r *http.Request) {
	var req allocateVMRequest
	if err := httputil.DecodeBody(r, &req); err != nil || req.UserID == "" {
		httputil.Error(w, http.StatusBadRequest, "user_id required")
		return
	}
	mode := scheduler.Mode(req.Mode)
	if mode == "" {
		mode = scheduler.ModePooled
	}
	switch mode {
	case scheduler.ModePooled, scheduler.ModeEphemeral, scheduler.ModeExternal:
	default:
		httputil.Error(w, http.StatusBadRequest, "unknown mode")
		return
	}

	inst, err := s.svc.Scheduler.Allocate(r.Context(), req.UserID, req.OrgID, mode)
	if err != nil {
		httputil.Error(w, http.StatusBadGateway, err.Error())
		return
	}
	httputil.JSON(w, http.StatusCreated, inst)
}

func (s *Server) handleGetVM(w http.ResponseWriter, r *http.Request) {
	inst, err := s.svc.Scheduler.Instance(chi.URLParam(r, "userID"))
	if err != nil {
		httputil.Error(w, http.StatusNotFound, "no instance")
		return
	}
	httputil.JSON(w, http.StatusOK, inst)
}

func (s *Server) handleReleaseVM(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Scheduler.Release(r.Context(), chi.URLParam(r, "userID")); err != nil {
		httputil.Error(w, http.StatusBadGateway, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWakeVM(w http.ResponseWriter, r *http.Request) {
	err := s.svc.Scheduler.Wake(r.Context(), chi.URLParam(r, "userID"))
	switch {
	case errors.Is(err, scheduler.ErrNoInstance):
		httputil.Error(w, http.StatusNotFound, "no instance")
	case errors.Is(err, scheduler.ErrFailed):
		httputil.Error(w, http.StatusConflict, "instance failed")
	case err != nil:
		httputil.Error(w, http.StatusBadGateway, err.Error())
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

type startSessionRequest struct {
	UserID    string          `json:"user_id"`
	SessionID string          `json:"session_id"`
	Runtime   string          `json:"runtime"`
	Config    json.RawMessage `json:"config"`
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := httputil.DecodeBody(r, &req); err != nil || req.UserID == "" {
		httputil.Error(w, http.StatusBadRequest, "user_id required")
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	kind := runtime.Kind(req.Runtime)
	if kind == "" {
		kind = runtime.KindSemigraph
	}

	// frozen backends must be running before session traffic flows
	if err := s.svc.Scheduler.Wake(r.Context(), req.UserID); err != nil && !errors.Is(err, scheduler.ErrNoInstance) {
		httputil.Error(w, http.StatusConflict, err.Error())
		return
	}

	if err := s.svc.Sessions.Start(r.Context(), req.UserID, req.SessionID, kind, req.Config); err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, hub.ErrSessionExists):
			status = http.StatusConflict
		case errors.Is(err, hub.ErrNoConnection):
			status = http.StatusServiceUnavailable
		}
		httputil.Error(w, status, err.Error())
		return
	}
	s.svc.Scheduler.MarkActivity(req.UserID)
	httputil.JSON(w, http.StatusCreated, map[string]string{"session_id": req.SessionID})
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "stopped"
	}
	if err := s.svc.Sessions.Stop(sessionID, reason); err != nil {
		if errors.Is(err, svc.ErrSessionNotFound) {
			httputil.Error(w, http.StatusNotFound, "unknown session")
			return
		}
		httputil.Error(w, http.StatusBadGateway, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sendMessageRequest struct {
	Data json.RawMessage `json:"data"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	var req sendMessageRequest
	if err := httputil.DecodeBody(r, &req); err != nil || len(req.Data) == 0 {
		httputil.Error(w, http.StatusBadRequest, "data required")
		return
	}

	owner, err := s.svc.Sessions.Owner(sessionID)
	if err != nil {
		httputil.Error(w, http.StatusNotFound, "unknown session")
		return
	}
	if err := s.svc.Scheduler.Wake(r.Context(), owner); err != nil && !errors.Is(err, scheduler.ErrNoInstance) {
		httputil.Error(w, http.StatusConflict, err.Error())
		return
	}

	if err := s.svc.Sessions.Send(r.Context(), sessionID, req.Data); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, hub.ErrNoConnection) {
			status = http.StatusServiceUnavailable
		}
		httputil.Error(w, status, err.Error())
		return
	}
	s.svc.Scheduler.MarkActivity(owner)
	w.WriteHeader(http.StatusAccepted)
}

type cancelSessionRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	var req cancelSessionRequest
	_ = httputil.DecodeBody(r, &req)
	if req.Reason == "" {
		req.Reason = "cancelled"
	}

	// idempotent: cancelling a finished or unknown session is a no-op
	s.svc.Sessions.Cancel(sessionID, req.Reason)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.svc.Sessions.Snapshot(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		if errors.Is(err, svc.ErrSessionNotFound) {
			httputil.Error(w, http.StatusNotFound, "unknown session")
			return
		}
		httputil.Error(w, http.StatusBadGateway, err.Error())
		return
	}
	httputil.JSON(w, http.StatusOK, json.RawMessage(snapshot))
}
