// Package svc assembles the control plane's long-lived components and the
// lifecycle wiring between them.
package svc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/GoatGit/semibot-sub004/internal/auth"
	"github.com/GoatGit/semibot-sub004/internal/collab"
	"github.com/GoatGit/semibot-sub004/internal/config"
	"github.com/GoatGit/semibot-sub004/internal/hub"
	"github.com/GoatGit/semibot-sub004/internal/lifecycle"
	"github.com/GoatGit/semibot-sub004/internal/relay"
	"github.com/GoatGit/semibot-sub004/internal/scheduler"
	"github.com/GoatGit/semibot-sub004/internal/vmstore"
)

// ServiceContext carries every shared component the HTTP layer needs.
type ServiceContext struct {
	Config    *config.Config
	Registry  *hub.Registry
	Router    *hub.Router
	Relay     *relay.Relay
	Scheduler *scheduler.Scheduler
	Store     *vmstore.Store
	Verifier  *auth.Verifier
	Tickets   *auth.TicketStore
	Usage     *collab.UsageQueue
	Sessions  *SessionTable
}

// bootTokenTTL is how long a minted durable credential stays valid. VMs
// are expected to be replaced well before this.
const bootTokenTTL = 30 * 24 * time.Hour

// NewServiceContext builds and wires the component graph. provider is the
// compute backend used by the scheduler.
func NewServiceContext(cfg *config.Config, provider scheduler.Provider, controlURL string) (*ServiceContext, error) {
	store, err := vmstore.Open(cfg.Store.Path)
	if err != nil {
		return nil, err
	}

	registry := hub.NewRegistry(cfg.Transport.GraceWindow, cfg.Transport.BufferCapacity, cfg.Transport.ResultCacheSize)
	router := hub.NewRouter(registry, cfg.Transport.RequestTimeout, cfg.Transport.HeartbeatInterval)

	verifier := auth.NewVerifier(cfg.Auth.JWTSecret)
	tickets := auth.NewTicketStore(cfg.Auth.TicketTTL)

	sched := scheduler.New(provider, &bootIssuer{
		verifier:   verifier,
		tickets:    tickets,
		controlURL: controlURL,
	}, store, cfg.Scheduler)
	sched.SetHeartbeatSource(&heartbeatSource{registry: registry})
	sched.SetNotifier(&sessionNotifier{router: router})

	usage := collab.NewUsageQueue(cfg.Usage.Endpoint, cfg.Usage.QueueSize, cfg.Usage.FlushInterval)

	svc := &ServiceContext{
		Config:    cfg,
		Registry:  registry,
		Router:    router,
		Relay:     relay.New(registry, cfg.Transport.KeepAliveInterval),
		Scheduler: sched,
		Store:     store,
		Verifier:  verifier,
		Tickets:   tickets,
		Usage:     usage,
		Sessions:  NewSessionTable(router),
	}
	svc.wireLifecycle()
	return svc, nil
}

// wireLifecycle connects transport events to the scheduler: a ready
// connection marks the backend running, session traffic resets the idle
// timer, and a cleaned-up connection triggers the recovery path.
func (s *ServiceContext) wireLifecycle() {
	markReady := func(_ lifecycle.Event, data any) {
		if d, ok := data.(lifecycle.ConnectionEventData); ok {
			s.Scheduler.MarkReady(d.UserID)
		}
	}
	lifecycle.On(lifecycle.EventConnectionReady, markReady)
	lifecycle.On(lifecycle.EventConnectionResumed, markReady)
	lifecycle.OnConnectionCleanedUp(func(d lifecycle.ConnectionEventData) {
		s.Sessions.DropUser(d.UserID)
		s.Scheduler.HandleVMGone(d.UserID)
	})
	for _, ev := range []lifecycle.Event{
		lifecycle.EventSessionStarted,
		lifecycle.EventSessionStopped,
		lifecycle.EventSessionCancelled,
	} {
		lifecycle.On(ev, func(_ lifecycle.Event, data any) {
			if d, ok := data.(lifecycle.SessionEventData); ok {
				s.Scheduler.MarkActivity(d.UserID)
			}
		})
	}
}

// bootIssuer mints the credentials injected into a backend's bootstrap:
// a durable JWT plus a single-use admission ticket.
type bootIssuer struct {
	verifier   *auth.Verifier
	tickets    *auth.TicketStore
	controlURL string
}

func (b *bootIssuer) IssueBoot(userID, orgID string) (scheduler.BootParams, error) {
	token, err := b.verifier.Mint(userID, orgID, bootTokenTTL)
	if err != nil {
		return scheduler.BootParams{}, fmt.Errorf("mint boot token: %w", err)
	}
	ticket, err := b.tickets.Issue(userID)
	if err != nil {
		return scheduler.BootParams{}, fmt.Errorf("issue admission ticket: %w", err)
	}
	return scheduler.BootParams{
		ControlURL: b.controlURL,
		Token:      token,
		Ticket:     ticket,
	}, nil
}

type heartbeatSource struct {
	registry *hub.Registry
}

func (h *heartbeatSource) LastHeartbeat(userID string) (time.Time, bool) {
	conn, err := h.registry.Conn(userID)
	if err != nil {
		return time.Time{}, false
	}
	return conn.LastSeen(), true
}

type sessionNotifier struct {
	router *hub.Router
}

func (n *sessionNotifier) Sessions(userID string) []string {
	return n.router.Registry().Sessions(userID)
}

func (n *sessionNotifier) PushSessionEvent(sessionID, eventType string, data json.RawMessage) {
	n.router.PushSessionEvent(sessionID, eventType, data)
}

// Close releases the service context's resources.
func (s *ServiceContext) Close() error {
	s.Scheduler.Stop()
	s.Usage.Stop()
	return s.Store.Close()
}
