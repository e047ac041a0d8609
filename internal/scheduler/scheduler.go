// Package scheduler allocates, supervises and recovers the per-user
// execution backends the transport connects to. Backends are probed before
// they are declared dead, frozen when idle, and rebuilt from their
// persistent disk when they crash.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/GoatGit/semibot-sub004/internal/config"
	"github.com/GoatGit/semibot-sub004/internal/lifecycle"
	"github.com/GoatGit/semibot-sub004/internal/logging"
	"github.com/GoatGit/semibot-sub004/internal/vmstore"
)

// Mode selects how a user's backend is provisioned.
type Mode string

const (
	// ModePooled draws from the pre-warmed pool.
	ModePooled Mode = "pooled"
	// ModeEphemeral provisions on demand, one backend per allocation.
	ModeEphemeral Mode = "ephemeral"
	// ModeExternal registers a placeholder for a backend someone else
	// runs; the scheduler only waits for its connection.
	ModeExternal Mode = "external"
)

// Status is the instance lifecycle state.
type Status string

const (
	StatusStarting   Status = "starting"
	StatusRunning    Status = "running"
	StatusFrozen     Status = "frozen"
	StatusFailed     Status = "failed"
	StatusTerminated Status = "terminated"
)

var (
	ErrNoInstance = errors.New("scheduler: no instance for user")
	ErrFailed     = errors.New("scheduler: instance failed")
)

// Instance is the scheduler's view of one execution backend.
type Instance struct {
	ID           string
	UserID       string
	OrgID        string
	Mode         Mode
	Status       Status
	BackendID    string
	DiskRef      string
	CreatedAt    time.Time
	LastActivity time.Time
}

// Backend is a provisioned compute unit as the provider reports it.
type Backend struct {
	ID      string
	DiskRef string
}

// BootParams carry the credentials a backend needs to dial home: the
// durable token goes into the VM's environment, the single-use ticket into
// its connect URL.
type BootParams struct {
	ControlURL string
	Token      string
	Ticket     string
}

// Provider provisions and manipulates backends.
type Provider interface {
	// Prewarm creates a blank backend with a fresh persistent disk.
	Prewarm(ctx context.Context) (Backend, error)
	// Attach creates a backend reusing an existing persistent disk.
	Attach(ctx context.Context, diskRef string) (Backend, error)
	// Configure injects boot credentials and starts the agent process.
	Configure(ctx context.Context, backendID string, boot BootParams) error
	Destroy(ctx context.Context, backendID string) error
	Freeze(ctx context.Context, backendID string) error
	Thaw(ctx context.Context, backendID string) error
	// Probe is a low-cost liveness check, cheaper than waiting out another
	// heartbeat interval.
	Probe(ctx context.Context, backendID string) error
}

// CredentialIssuer mints the per-backend boot credentials.
type CredentialIssuer interface {
	IssueBoot(userID, orgID string) (BootParams, error)
}

// HeartbeatSource reports connection liveness per user.
type HeartbeatSource interface {
	LastHeartbeat(userID string) (time.Time, bool)
}

// SessionNotifier pushes scheduler-originated events into the sessions of
// an affected user.
type SessionNotifier interface {
	Sessions(userID string) []string
	PushSessionEvent(sessionID, eventType string, data json.RawMessage)
}

// RecordStore persists instance records across restarts.
type RecordStore interface {
	Save(ctx context.Context, r vmstore.Record) error
	ListActive(ctx context.Context) ([]vmstore.Record, error)
}

type entry struct {
	mu   sync.Mutex
	inst *Instance
}

// Scheduler owns the user to instance map. Entries are synchronized
// per key; the outer map lock is held only for lookups, so one user's slow
// provider call never stalls another's.
type Scheduler struct {
	provider   Provider
	creds      CredentialIssuer
	heartbeats HeartbeatSource
	notifier   SessionNotifier
	store      RecordStore
	cfg        config.SchedulerConf

	mu      sync.RWMutex
	entries map[string]*entry

	pool chan Backend
	cron *cron.Cron
}

func New(provider Provider, creds CredentialIssuer, store RecordStore, cfg config.SchedulerConf) *Scheduler {
	poolSize := cfg.WarmPoolSize
	if poolSize < 1 {
		poolSize = 1
	}
	return &Scheduler{
		provider: provider,
		creds:    creds,
		store:    store,
		cfg:      cfg,
		entries:  make(map[string]*entry),
		pool:     make(chan Backend, poolSize),
	}
}

// SetHeartbeatSource wires connection liveness; must be called before Start.
func (s *Scheduler) SetHeartbeatSource(h HeartbeatSource) { s.heartbeats = h }

// SetNotifier wires session event delivery; must be called before Start.
func (s *Scheduler) SetNotifier(n SessionNotifier) { s.notifier = n }

// Start restores persisted instances and launches the supervision loops.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.store != nil {
		records, err := s.store.ListActive(ctx)
		if err != nil {
			return fmt.Errorf("restore instances: %w", err)
		}
		for _, r := range records {
			inst := recordToInstance(r)
			s.mu.Lock()
			// a user can have more than one surviving row when a failed
			// instance was replaced; the newest allocation is the live one
			if e, ok := s.entries[r.UserID]; ok {
				e.mu.Lock()
				if e.inst == nil || inst.CreatedAt.After(e.inst.CreatedAt) {
					e.inst = inst
				}
				e.mu.Unlock()
			} else {
				s.entries[r.UserID] = &entry{inst: inst}
			}
			s.mu.Unlock()
		}
		if len(records) > 0 {
			logging.Infof("restored %d vm instances", len(records))
		}
	}

	s.cron = cron.New()
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.cfg.HealthInterval), s.healthSweep); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.cfg.IdleInterval), s.idleSweep); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("@every 30s", s.fillPool); err != nil {
		return err
	}
	s.cron.Start()
	s.fillPool()
	return nil
}

// Stop halts the supervision loops.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

func (s *Scheduler) entryFor(userID string, create bool) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[userID]
	if !ok && create {
		e = &entry{}
		s.entries[userID] = e
	}
	return e
}

// Allocate ensures the user has a usable backend. Allocating for a user
// who already has a starting or running instance returns that instance; a
// frozen one is woken.
func (s *Scheduler) Allocate(ctx context.Context, userID, orgID string, mode Mode) (Instance, error) {
	e := s.entryFor(userID, true)
	e.mu.Lock()
	defer e.mu.Unlock()

	if inst := e.inst; inst != nil {
		switch inst.Status {
		case StatusStarting, StatusRunning:
			return *inst, nil
		case StatusFrozen:
			if err := s.thawLocked(ctx, e); err != nil {
				return Instance{}, err
			}
			return *e.inst, nil
		case StatusFailed:
			// retire the superseded record so a restart cannot restore it
			// over the replacement allocated below
			inst.Status = StatusTerminated
			s.persist(inst)
		}
	}

	now := time.Now().UTC()
	inst := &Instance{
		ID:           uuid.NewString(),
		UserID:       userID,
		OrgID:        orgID,
		Mode:         mode,
		Status:       StatusStarting,
		CreatedAt:    now,
		LastActivity: now,
	}

	if mode != ModeExternal {
		boot, err := s.creds.IssueBoot(userID, orgID)
		if err != nil {
			return Instance{}, fmt.Errorf("issue boot credentials: %w", err)
		}

		backend, err := s.obtainBackend(ctx, mode)
		if err == nil {
			err = s.provider.Configure(ctx, backend.ID, boot)
		}
		if err != nil {
			inst.Status = StatusFailed
			e.inst = inst
			s.persist(inst)
			return Instance{}, fmt.Errorf("provision backend: %w", err)
		}
		inst.BackendID = backend.ID
		inst.DiskRef = backend.DiskRef
	}

	e.inst = inst
	s.persist(inst)
	logging.Infof("allocated vm user=%s instance=%s mode=%s", userID, inst.ID, mode)
	lifecycle.Emit(lifecycle.EventVMAllocated, lifecycle.VMEventData{UserID: userID, InstanceID: inst.ID})
	return *inst, nil
}

func (s *Scheduler) obtainBackend(ctx context.Context, mode Mode) (Backend, error) {
	if mode == ModePooled {
		select {
		case b := <-s.pool:
			return b, nil
		default:
		}
	}
	return s.provider.Prewarm(ctx)
}

// Release tears the user's backend down. Releasing a missing or already
// terminated instance is a no-op.
func (s *Scheduler) Release(ctx context.Context, userID string) error {
	e := s.entryFor(userID, false)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	inst := e.inst
	if inst == nil || inst.Status == StatusTerminated {
		return nil
	}
	if inst.BackendID != "" {
		if err := s.provider.Destroy(ctx, inst.BackendID); err != nil {
			logging.Warnf("destroy backend %s: %v", inst.BackendID, err)
		}
	}
	inst.Status = StatusTerminated
	s.persist(inst)
	logging.Infof("released vm user=%s instance=%s", userID, inst.ID)
	lifecycle.Emit(lifecycle.EventVMTerminated, lifecycle.VMEventData{UserID: userID, InstanceID: inst.ID})
	return nil
}

// Wake thaws a frozen instance and blocks until it is running again.
// Waking a running instance is a no-op.
func (s *Scheduler) Wake(ctx context.Context, userID string) error {
	e := s.entryFor(userID, false)
	if e == nil {
		return ErrNoInstance
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	inst := e.inst
	switch {
	case inst == nil || inst.Status == StatusTerminated:
		return ErrNoInstance
	case inst.Status == StatusFailed:
		return ErrFailed
	case inst.Status == StatusFrozen:
		return s.thawLocked(ctx, e)
	default:
		return nil
	}
}

// thawLocked transitions a frozen instance back to running. Caller holds
// the entry lock.
func (s *Scheduler) thawLocked(ctx context.Context, e *entry) error {
	inst := e.inst
	if err := s.provider.Thaw(ctx, inst.BackendID); err != nil {
		return fmt.Errorf("thaw backend: %w", err)
	}
	inst.Status = StatusRunning
	inst.LastActivity = time.Now().UTC()
	s.persist(inst)
	lifecycle.Emit(lifecycle.EventVMWoken, lifecycle.VMEventData{UserID: inst.UserID, InstanceID: inst.ID})
	return nil
}

// Instance returns a snapshot of the user's instance.
func (s *Scheduler) Instance(userID string) (Instance, error) {
	e := s.entryFor(userID, false)
	if e == nil {
		return Instance{}, ErrNoInstance
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inst == nil {
		return Instance{}, ErrNoInstance
	}
	return *e.inst, nil
}

// MarkReady records that the user's connection reached ready; a ready
// connection implies a running backend.
func (s *Scheduler) MarkReady(userID string) {
	e := s.entryFor(userID, false)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inst != nil && (e.inst.Status == StatusStarting || e.inst.Status == StatusFrozen) {
		e.inst.Status = StatusRunning
		e.inst.LastActivity = time.Now().UTC()
		s.persist(e.inst)
	}
}

// MarkActivity resets the user's idle timer.
func (s *Scheduler) MarkActivity(userID string) {
	e := s.entryFor(userID, false)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inst != nil {
		e.inst.LastActivity = time.Now().UTC()
	}
}

// snapshotUsers returns the users holding an instance in the given status.
func (s *Scheduler) snapshotUsers(status Status) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for userID, e := range s.entries {
		e.mu.Lock()
		if e.inst != nil && e.inst.Status == status {
			out = append(out, userID)
		}
		e.mu.Unlock()
	}
	return out
}

// healthSweep checks every running instance. Heartbeat loss alone is not
// failure; the instance gets a liveness probe first, so transient network
// jitter does not trigger recovery.
func (s *Scheduler) healthSweep() {
	for _, userID := range s.snapshotUsers(StatusRunning) {
		if s.heartbeatFresh(userID) {
			continue
		}
		e := s.entryFor(userID, false)
		if e == nil {
			continue
		}
		e.mu.Lock()
		inst := e.inst
		if inst == nil || inst.Status != StatusRunning {
			e.mu.Unlock()
			continue
		}
		probeCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ProbeTimeout)
		err := s.provider.Probe(probeCtx, inst.BackendID)
		cancel()
		if err == nil {
			e.mu.Unlock()
			continue
		}
		logging.Warnf("vm unhealthy user=%s instance=%s: %v", userID, inst.ID, err)
		s.recoverLocked(e)
		e.mu.Unlock()
	}
}

func (s *Scheduler) heartbeatFresh(userID string) bool {
	if s.heartbeats == nil {
		return false
	}
	last, ok := s.heartbeats.LastHeartbeat(userID)
	return ok && time.Since(last) < s.cfg.HeartbeatThreshold
}

// HandleVMGone runs the unhealthy path for a user whose connection state
// was cleaned up after the grace window.
func (s *Scheduler) HandleVMGone(userID string) {
	e := s.entryFor(userID, false)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inst == nil || e.inst.Status != StatusRunning {
		return
	}
	s.recoverLocked(e)
}

// recoverLocked replaces a dead backend. With a persistent disk ref the
// same disk is attached to a fresh backend and sessions are told to expect
// a reconnect; without one the instance is unrecoverable and sessions get
// a terminal notice. Caller holds the entry lock.
func (s *Scheduler) recoverLocked(e *entry) {
	inst := e.inst

	if inst.DiskRef != "" {
		err := s.rebuild(inst)
		if err == nil {
			inst.Status = StatusRunning
			inst.LastActivity = time.Now().UTC()
			s.persist(inst)
			logging.Infof("recovered vm user=%s instance=%s backend=%s", inst.UserID, inst.ID, inst.BackendID)
			lifecycle.Emit(lifecycle.EventVMRecovered, lifecycle.VMEventData{
				UserID: inst.UserID, InstanceID: inst.ID, Recovered: true,
			})
			s.notifySessions(inst.UserID, "vm_recovered", map[string]string{"instance_id": inst.ID})
			return
		}
		logging.Errorf("recovery failed user=%s instance=%s: %v", inst.UserID, inst.ID, err)
	}

	inst.Status = StatusFailed
	s.persist(inst)
	lifecycle.Emit(lifecycle.EventVMLost, lifecycle.VMEventData{UserID: inst.UserID, InstanceID: inst.ID})
	s.notifySessions(inst.UserID, "vm_lost", map[string]string{"instance_id": inst.ID})
}

// rebuild attaches the instance's disk to a fresh backend, retrying
// transient provider errors briefly. On success the instance points at the
// replacement and the old backend is destroyed best effort.
func (s *Scheduler) rebuild(inst *Instance) error {
	boot, err := s.creds.IssueBoot(inst.UserID, inst.OrgID)
	if err != nil {
		return err
	}

	var backend Backend
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	err = backoff.Retry(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		b, err := s.provider.Attach(ctx, inst.DiskRef)
		if err != nil {
			return err
		}
		if err := s.provider.Configure(ctx, b.ID, boot); err != nil {
			_ = s.provider.Destroy(ctx, b.ID)
			return err
		}
		backend = b
		return nil
	}, policy)
	if err != nil {
		return err
	}

	if old := inst.BackendID; old != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = s.provider.Destroy(ctx, old)
		cancel()
	}
	inst.BackendID = backend.ID
	return nil
}

// idleSweep freezes pooled and ephemeral instances with no recent
// activity, keeping their disks.
func (s *Scheduler) idleSweep() {
	for _, userID := range s.snapshotUsers(StatusRunning) {
		e := s.entryFor(userID, false)
		if e == nil {
			continue
		}
		e.mu.Lock()
		inst := e.inst
		if inst == nil || inst.Status != StatusRunning || inst.Mode == ModeExternal {
			e.mu.Unlock()
			continue
		}
		if time.Since(inst.LastActivity) < s.cfg.IdleFreeze {
			e.mu.Unlock()
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := s.provider.Freeze(ctx, inst.BackendID)
		cancel()
		if err != nil {
			logging.Warnf("freeze backend %s: %v", inst.BackendID, err)
			e.mu.Unlock()
			continue
		}
		inst.Status = StatusFrozen
		s.persist(inst)
		logging.Infof("froze idle vm user=%s instance=%s", userID, inst.ID)
		lifecycle.Emit(lifecycle.EventVMFrozen, lifecycle.VMEventData{UserID: userID, InstanceID: inst.ID})
		e.mu.Unlock()
	}
}

// fillPool tops the warm pool up to its configured size.
func (s *Scheduler) fillPool() {
	for len(s.pool) < cap(s.pool) {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		b, err := s.provider.Prewarm(ctx)
		cancel()
		if err != nil {
			logging.Warnf("prewarm backend: %v", err)
			return
		}
		select {
		case s.pool <- b:
		default:
			dctx, dcancel := context.WithTimeout(context.Background(), 10*time.Second)
			_ = s.provider.Destroy(dctx, b.ID)
			dcancel()
			return
		}
	}
}

func (s *Scheduler) notifySessions(userID, eventType string, payload any) {
	if s.notifier == nil {
		return
	}
	data, _ := json.Marshal(payload)
	for _, sessionID := range s.notifier.Sessions(userID) {
		s.notifier.PushSessionEvent(sessionID, eventType, data)
	}
}

func (s *Scheduler) persist(inst *Instance) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.Save(ctx, instanceToRecord(inst)); err != nil {
		logging.Errorf("persist instance %s: %v", inst.ID, err)
	}
}

func instanceToRecord(inst *Instance) vmstore.Record {
	return vmstore.Record{
		ID:           inst.ID,
		UserID:       inst.UserID,
		OrgID:        inst.OrgID,
		Mode:         string(inst.Mode),
		Status:       string(inst.Status),
		BackendID:    inst.BackendID,
		DiskRef:      inst.DiskRef,
		CreatedAt:    inst.CreatedAt,
		LastActivity: inst.LastActivity,
	}
}

func recordToInstance(r vmstore.Record) *Instance {
	return &Instance{
		ID:           r.ID,
		UserID:       r.UserID,
		OrgID:        r.OrgID,
		Mode:         Mode(r.Mode),
		Status:       Status(r.Status),
		BackendID:    r.BackendID,
		DiskRef:      r.DiskRef,
		CreatedAt:    r.CreatedAt,
		LastActivity: r.LastActivity,
	}
}
