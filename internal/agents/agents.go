// Package agents tracks client processes: registration, heartbeat-driven
// liveness, per-agent inboxes, and the resurrection queue that hands a dead
// agent's context to its successor. The dead-agent cleanup releases every
// resource the agent transitively owns in one transaction, through minimal
// interfaces onto the services, locks and sessions components.
package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/erichowens/port-daddy-sub004/internal/activity"
	"github.com/erichowens/port-daddy-sub004/internal/db"
	"github.com/erichowens/port-daddy-sub004/internal/identity"
	"github.com/erichowens/port-daddy-sub004/internal/osprobe"
)

var (
	// ErrNotFound reports a missing agent.
	ErrNotFound = errors.New("agents: not found")
	// ErrResurrectionPending reports a heartbeat from an agent the reaper
	// removed; the client should claim or dismiss the pending entry.
	ErrResurrectionPending = errors.New("agents: resurrection pending")
	// ErrEntryNotFound reports a missing resurrection entry.
	ErrEntryNotFound = errors.New("agents: resurrection entry not found")
	// ErrEntryState reports a resurrection operation invalid in the entry's
	// current state.
	ErrEntryState = errors.New("agents: invalid resurrection state")
)

// ServiceReleaser releases everything an agent owns in the services table.
type ServiceReleaser interface {
	ReleaseByAgentTx(tx *gorm.DB, agentID string) (ports []int, err error)
}

// LockReleaser releases everything an agent owns in the locks table.
type LockReleaser interface {
	ReleaseByOwnerTx(tx *gorm.DB, owner string) (names []string, err error)
}

// SessionAbandoner abandons an agent's active sessions and returns the
// hand-off context for resurrection.
type SessionAbandoner interface {
	AbandonActiveTx(tx *gorm.DB, agentID string, now db.Millis) (sessionID string, notes []string, err error)
}

// Notifier receives agent lifecycle events for webhook fan-out.
type Notifier interface {
	Emit(ctx context.Context, event, targetID string, data map[string]any)
}

// Config holds liveness thresholds and quota defaults.
type Config struct {
	StaleThresholdMS int64
	DeadThresholdMS  int64
	MaxServices      int
	MaxLocks         int
	// AutoRevive lets a heartbeat implicitly re-register a reaped agent
	// instead of requiring an explicit resurrection claim.
	AutoRevive bool
}

// Registry owns the agents, inbox and resurrection tables.
type Registry struct {
	db       *gorm.DB
	log      *zap.Logger
	activity *activity.Log
	probe    osprobe.Prober
	cfg      Config
	services ServiceReleaser
	locks    LockReleaser
	sessions SessionAbandoner
	events   Notifier

	// Now is the clock; replaced in tests.
	Now func() db.Millis
}

// New returns a Registry. services, locks, sessions and events may be nil in
// tests that do not exercise cleanup.
func New(database *gorm.DB, log *zap.Logger, audit *activity.Log, probe osprobe.Prober, cfg Config,
	services ServiceReleaser, locks LockReleaser, sessions SessionAbandoner, events Notifier) *Registry {
	return &Registry{
		db:       database,
		log:      log.Named("agents"),
		activity: audit,
		probe:    probe,
		cfg:      cfg,
		services: services,
		locks:    locks,
		sessions: sessions,
		events:   events,
		Now:      db.Now,
	}
}

// RegisterRequest registers or updates an agent.
type RegisterRequest struct {
	ID          string
	Name        string
	Type        string
	PID         int
	MaxServices int
	MaxLocks    int
	Identity    identity.Identity
	Purpose     string
	WorktreeID  string
}

// RegisterResult carries the upserted agent and, when dead agents share the
// same project, a salvage hint pointing at their pending resurrection
// entries. The hint never blocks registration.
type RegisterResult struct {
	Agent       db.Agent
	SalvageHint []db.ResurrectionEntry
}

// Register upserts an agent by id. Quotas default from config when zero.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*RegisterResult, error) {
	if err := identity.ValidateName(req.ID); err != nil {
		return nil, err
	}
	if req.MaxServices <= 0 {
		req.MaxServices = r.cfg.MaxServices
	}
	if req.MaxLocks <= 0 {
		req.MaxLocks = r.cfg.MaxLocks
	}

	now := r.Now()
	agent := db.Agent{
		ID:              req.ID,
		Name:            req.Name,
		Type:            req.Type,
		PID:             req.PID,
		RegisteredAt:    now,
		LastHeartbeat:   now,
		MaxServices:     req.MaxServices,
		MaxLocks:        req.MaxLocks,
		IdentityProject: req.Identity.Project,
		IdentityStack:   req.Identity.Stack,
		IdentityContext: req.Identity.Context,
		Purpose:         req.Purpose,
		WorktreeID:      req.WorktreeID,
		Status:          "active",
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing db.Agent
		err := tx.First(&existing, "id = ?", req.ID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := tx.Create(&agent).Error; err != nil {
				return fmt.Errorf("agents: register insert: %w", err)
			}
		case err != nil:
			return fmt.Errorf("agents: register lookup: %w", err)
		default:
			agent.RegisteredAt = existing.RegisteredAt
			if err := tx.Save(&agent).Error; err != nil {
				return fmt.Errorf("agents: register update: %w", err)
			}
		}
		return r.activity.RecordTx(tx, activity.TypeAgentRegister, req.ID, req.ID, req.Purpose, nil)
	})
	if err != nil {
		return nil, err
	}

	result := &RegisterResult{Agent: agent}
	if req.Identity.Project != "" {
		hint, err := r.PendingResurrections(ctx, req.Identity.Project)
		if err != nil {
			r.log.Warn("salvage hint lookup failed", zap.Error(err))
		} else {
			result.SalvageHint = hint
		}
	}
	if r.events != nil {
		r.events.Emit(ctx, activity.TypeAgentRegister, req.ID, map[string]any{"pid": req.PID})
	}
	return result, nil
}

// Heartbeat refreshes last_heartbeat and resets a stale agent to active.
// A heartbeat for an agent the reaper removed returns ErrResurrectionPending
// when a pending entry exists (or re-registers it under AutoRevive), and
// ErrNotFound otherwise.
func (r *Registry) Heartbeat(ctx context.Context, id string) (*db.Agent, error) {
	now := r.Now()
	var agent db.Agent
	err := r.db.WithContext(ctx).First(&agent, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return r.heartbeatMissing(ctx, id, now)
	}
	if err != nil {
		return nil, fmt.Errorf("agents: heartbeat lookup: %w", err)
	}

	agent.LastHeartbeat = now
	agent.Status = "active"
	if err := r.db.WithContext(ctx).Save(&agent).Error; err != nil {
		return nil, fmt.Errorf("agents: heartbeat: %w", err)
	}
	return &agent, nil
}

func (r *Registry) heartbeatMissing(ctx context.Context, id string, now db.Millis) (*db.Agent, error) {
	var entry db.ResurrectionEntry
	err := r.db.WithContext(ctx).First(&entry, "old_id = ? AND state = 'pending'", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("agents: heartbeat resurrection lookup: %w", err)
	}
	if !r.cfg.AutoRevive {
		return nil, fmt.Errorf("%w: %q", ErrResurrectionPending, id)
	}

	// AutoRevive: recreate the row under the same id and dismiss the entry.
	agent := db.Agent{
		ID:            id,
		RegisteredAt:  now,
		LastHeartbeat: now,
		MaxServices:   r.cfg.MaxServices,
		MaxLocks:      r.cfg.MaxLocks,
		Purpose:       entry.Purpose,
		Status:        "active",
	}
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&agent).Error; err != nil {
			return fmt.Errorf("agents: auto revive: %w", err)
		}
		return tx.Model(&db.ResurrectionEntry{}).
			Where("id = ?", entry.ID).
			Updates(map[string]any{"state": "dismissed", "updated_at": now}).Error
	})
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

// Unregister removes an agent and gracefully releases its services, locks
// and active session. No resurrection entry is created: a clean exit leaves
// nothing to salvage.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	now := r.Now()
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&db.Agent{}, "id = ?", id)
		if res.Error != nil {
			return fmt.Errorf("agents: unregister: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %q", ErrNotFound, id)
		}
		if err := r.releaseOwnedTx(tx, id, now); err != nil {
			return err
		}
		return r.activity.RecordTx(tx, activity.TypeAgentUnregister, id, id, "", nil)
	})
	if err != nil {
		return err
	}
	if r.events != nil {
		r.events.Emit(ctx, activity.TypeAgentUnregister, id, nil)
	}
	return nil
}

func (r *Registry) releaseOwnedTx(tx *gorm.DB, id string, now db.Millis) error {
	if r.services != nil {
		if _, err := r.services.ReleaseByAgentTx(tx, id); err != nil {
			return err
		}
	}
	if r.locks != nil {
		if _, err := r.locks.ReleaseByOwnerTx(tx, id); err != nil {
			return err
		}
	}
	if r.sessions != nil {
		if _, _, err := r.sessions.AbandonActiveTx(tx, id, now); err != nil {
			return err
		}
	}
	return nil
}

// Get returns one agent.
func (r *Registry) Get(ctx context.Context, id string) (*db.Agent, error) {
	var agent db.Agent
	err := r.db.WithContext(ctx).First(&agent, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("agents: get: %w", err)
	}
	return &agent, nil
}

// List returns all agents, optionally filtered by status.
func (r *Registry) List(ctx context.Context, status string) ([]db.Agent, error) {
	q := r.db.WithContext(ctx).Model(&db.Agent{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var agents []db.Agent
	if err := q.Order("id ASC").Find(&agents).Error; err != nil {
		return nil, fmt.Errorf("agents: list: %w", err)
	}
	return agents, nil
}

// ServiceQuota implements the services quota interface.
func (r *Registry) ServiceQuota(ctx context.Context, agentID string) (int, bool, error) {
	agent, err := r.Get(ctx, agentID)
	if errors.Is(err, ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return agent.MaxServices, true, nil
}

// LockQuota returns the agent's max_locks, with known=false for agents that
// never registered.
func (r *Registry) LockQuota(ctx context.Context, agentID string) (int, bool, error) {
	agent, err := r.Get(ctx, agentID)
	if errors.Is(err, ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return agent.MaxLocks, true, nil
}

// CleanupDead runs the staleness state machine over every agent: a dead PID
// or silence past the dead threshold removes the agent in one transaction
// that releases its services and locks, abandons its session, and enqueues a
// resurrection entry capturing the hand-off context; silence past the stale
// threshold with a live PID only marks it stale. A dead PID is grounds for
// removal no matter how recent the last heartbeat is.
func (r *Registry) CleanupDead(ctx context.Context) ([]string, error) {
	now := r.Now()

	var all []db.Agent
	if err := r.db.WithContext(ctx).Find(&all).Error; err != nil {
		return nil, fmt.Errorf("agents: cleanup scan: %w", err)
	}

	var reaped []string
	for i := range all {
		agent := &all[i]
		pidDead := agent.PID != 0 && !r.probe.Alive(ctx, agent.PID)
		tooQuiet := now-agent.LastHeartbeat > r.cfg.DeadThresholdMS
		if pidDead || tooQuiet {
			if err := r.reapAgent(ctx, agent, now); err != nil {
				return reaped, err
			}
			reaped = append(reaped, agent.ID)
			continue
		}

		if now-agent.LastHeartbeat > r.cfg.StaleThresholdMS && agent.Status != "stale" {
			if err := r.db.WithContext(ctx).Model(agent).Update("status", "stale").Error; err != nil {
				return reaped, fmt.Errorf("agents: mark stale: %w", err)
			}
		}
	}
	return reaped, nil
}

// reapAgent performs the single-transaction death cleanup for one agent, so
// observers never see its resources released while the agent looks alive.
func (r *Registry) reapAgent(ctx context.Context, agent *db.Agent, now db.Millis) error {
	var ports []int
	var lockNames []string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if r.services != nil {
			if ports, err = r.services.ReleaseByAgentTx(tx, agent.ID); err != nil {
				return err
			}
		}
		if r.locks != nil {
			if lockNames, err = r.locks.ReleaseByOwnerTx(tx, agent.ID); err != nil {
				return err
			}
		}
		var sessionID string
		var notes []string
		if r.sessions != nil {
			if sessionID, notes, err = r.sessions.AbandonActiveTx(tx, agent.ID, now); err != nil {
				return err
			}
		}

		rawNotes, err := json.Marshal(notes)
		if err != nil {
			return fmt.Errorf("agents: marshal notes: %w", err)
		}
		entry := db.ResurrectionEntry{
			OldID:     agent.ID,
			Project:   agent.IdentityProject,
			Purpose:   agent.Purpose,
			SessionID: sessionID,
			Notes:     string(rawNotes),
			State:     "pending",
			CreatedAt: now,
			UpdatedAt: now,
		}
		// A stale entry from a previous death of the same id is replaced.
		if err := tx.Delete(&db.ResurrectionEntry{}, "old_id = ?", agent.ID).Error; err != nil {
			return fmt.Errorf("agents: drop old entry: %w", err)
		}
		if err := tx.Create(&entry).Error; err != nil {
			return fmt.Errorf("agents: enqueue resurrection: %w", err)
		}

		if err := tx.Delete(&db.Agent{}, "id = ?", agent.ID).Error; err != nil {
			return fmt.Errorf("agents: delete dead: %w", err)
		}
		return r.activity.RecordTx(tx, activity.TypeAgentCleanup, agent.ID, agent.ID,
			fmt.Sprintf("released %d services, %d locks", len(ports), len(lockNames)),
			map[string]any{"ports": ports, "locks": lockNames})
	})
	if err != nil {
		return err
	}
	r.log.Info("reaped dead agent",
		zap.String("agent_id", agent.ID),
		zap.Ints("released_ports", ports),
		zap.Strings("released_locks", lockNames),
	)
	if r.events != nil {
		r.events.Emit(ctx, activity.TypeAgentCleanup, agent.ID, map[string]any{"ports": ports})
	}
	return nil
}
