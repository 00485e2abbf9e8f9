// Package sessions manages structured multi-step work units: mutable
// sessions, append-only notes, and advisory file claims. Leaving the active
// state is terminal for a session's claims; deleting a session cascades its
// notes and claims, the only cascades in the schema.
package sessions

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/erichowens/port-daddy-sub004/internal/activity"
	"github.com/erichowens/port-daddy-sub004/internal/db"
)

var (
	// ErrNotFound reports a missing session.
	ErrNotFound = errors.New("sessions: not found")
	// ErrNotActive reports a mutation on a completed or abandoned session.
	ErrNotActive = errors.New("sessions: session is not active")
	// ErrActiveExists reports a second active session for an agent when the
	// single-active-session policy is on.
	ErrActiveExists = errors.New("sessions: agent already has an active session")
	// ErrBadStatus reports an invalid status transition target.
	ErrBadStatus = errors.New("sessions: invalid status")
	// ErrEmptyPurpose reports a start without a purpose.
	ErrEmptyPurpose = errors.New("sessions: purpose is required")
)

// FileConflict is one overlapping advisory claim.
type FileConflict struct {
	Path      string `json:"path"`
	SessionID string `json:"sessionId"`
}

// ConflictError reports file-claim overlaps when force was not set.
type ConflictError struct {
	Conflicts []FileConflict
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("sessions: %d file claim conflicts", len(e.Conflicts))
}

// Manager owns the sessions, session_files and session_notes tables.
type Manager struct {
	db           *gorm.DB
	log          *zap.Logger
	activity     *activity.Log
	singleActive bool

	// Now is the clock; replaced in tests.
	Now func() db.Millis
}

// New returns a Manager. singleActive enforces one active session per agent.
func New(database *gorm.DB, log *zap.Logger, audit *activity.Log, singleActive bool) *Manager {
	return &Manager{
		db:           database,
		log:          log.Named("sessions"),
		activity:     audit,
		singleActive: singleActive,
		Now:          db.Now,
	}
}

// StartRequest opens a session.
type StartRequest struct {
	Purpose string
	AgentID string
	Files   []string
	Force   bool
}

// Start opens a session and claims the requested files. Overlapping claims
// return *ConflictError unless Force is set, in which case the overlapping
// claims are still recorded for audit.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*db.Session, error) {
	if req.Purpose == "" {
		return nil, ErrEmptyPurpose
	}

	now := m.Now()
	session := db.Session{
		Purpose:   req.Purpose,
		AgentID:   req.AgentID,
		Status:    "active",
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if m.singleActive && req.AgentID != "" {
			var n int64
			if err := tx.Model(&db.Session{}).
				Where("agent_id = ? AND status = 'active'", req.AgentID).
				Count(&n).Error; err != nil {
				return fmt.Errorf("sessions: active count: %w", err)
			}
			if n > 0 {
				return fmt.Errorf("%w: %q", ErrActiveExists, req.AgentID)
			}
		}

		if len(req.Files) > 0 && !req.Force {
			conflicts, err := m.conflictsTx(tx, "", req.Files)
			if err != nil {
				return err
			}
			if len(conflicts) > 0 {
				return &ConflictError{Conflicts: conflicts}
			}
		}

		if err := tx.Create(&session).Error; err != nil {
			return fmt.Errorf("sessions: insert: %w", err)
		}
		for _, path := range req.Files {
			claim := db.SessionFile{SessionID: session.ID, FilePath: path, ClaimedAt: now}
			if err := tx.Create(&claim).Error; err != nil {
				return fmt.Errorf("sessions: claim file: %w", err)
			}
		}
		return m.activity.RecordTx(tx, activity.TypeSessionStart, req.AgentID, session.ID, req.Purpose, nil)
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// Get returns one session.
func (m *Manager) Get(ctx context.Context, id string) (*db.Session, error) {
	var session db.Session
	err := m.db.WithContext(ctx).First(&session, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("sessions: get: %w", err)
	}
	return &session, nil
}

// ListOptions filters List.
type ListOptions struct {
	AgentID string
	Status  string
	Limit   int
}

// List returns sessions, newest first.
func (m *Manager) List(ctx context.Context, opts ListOptions) ([]db.Session, error) {
	limit := opts.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q := m.db.WithContext(ctx).Model(&db.Session{})
	if opts.AgentID != "" {
		q = q.Where("agent_id = ?", opts.AgentID)
	}
	if opts.Status != "" {
		q = q.Where("status = ?", opts.Status)
	}
	var sessions []db.Session
	if err := q.Order("created_at DESC").Limit(limit).Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("sessions: list: %w", err)
	}
	return sessions, nil
}

// Update transitions a session out of active. Terminal states soft-release
// every open file claim and refuse further notes.
func (m *Manager) Update(ctx context.Context, id, status string) (*db.Session, error) {
	if status != "completed" && status != "abandoned" {
		return nil, fmt.Errorf("%w: %q", ErrBadStatus, status)
	}
	now := m.Now()
	var session db.Session
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&session, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %q", ErrNotFound, id)
			}
			return fmt.Errorf("sessions: update lookup: %w", err)
		}
		if session.Status != "active" {
			return fmt.Errorf("%w: %q is %s", ErrNotActive, id, session.Status)
		}

		session.Status = status
		session.UpdatedAt = now
		session.CompletedAt = &now
		if err := tx.Save(&session).Error; err != nil {
			return fmt.Errorf("sessions: update: %w", err)
		}
		if err := releaseClaimsTx(tx, id, now); err != nil {
			return err
		}
		return m.activity.RecordTx(tx, activity.TypeSessionUpdate, session.AgentID, id, status, nil)
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// Delete removes a session with its notes and claims. Error-recovery path,
// not normal lifecycle.
func (m *Manager) Delete(ctx context.Context, id string) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var session db.Session
		if err := tx.First(&session, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %q", ErrNotFound, id)
			}
			return fmt.Errorf("sessions: delete lookup: %w", err)
		}
		// The schema cascades these; the explicit deletes keep the invariant
		// independent of the foreign_keys pragma.
		if err := tx.Delete(&db.SessionNote{}, "session_id = ?", id).Error; err != nil {
			return fmt.Errorf("sessions: delete notes: %w", err)
		}
		if err := tx.Delete(&db.SessionFile{}, "session_id = ?", id).Error; err != nil {
			return fmt.Errorf("sessions: delete claims: %w", err)
		}
		if err := tx.Delete(&db.Session{}, "id = ?", id).Error; err != nil {
			return fmt.Errorf("sessions: delete: %w", err)
		}
		return m.activity.RecordTx(tx, activity.TypeSessionDelete, session.AgentID, id, "", nil)
	})
}

// AddNote appends a note to an active session. Notes are immutable once
// written.
func (m *Manager) AddNote(ctx context.Context, sessionID, content, typ string) (*db.SessionNote, error) {
	if typ == "" {
		typ = "note"
	}
	session, err := m.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != "active" {
		return nil, fmt.Errorf("%w: %q is %s", ErrNotActive, sessionID, session.Status)
	}
	note := db.SessionNote{
		SessionID: sessionID,
		Content:   content,
		Type:      typ,
		CreatedAt: m.Now(),
	}
	if err := m.db.WithContext(ctx).Create(&note).Error; err != nil {
		return nil, fmt.Errorf("sessions: add note: %w", err)
	}
	return &note, nil
}

// Notes returns a session's notes, oldest first.
func (m *Manager) Notes(ctx context.Context, sessionID string, limit int) ([]db.SessionNote, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if _, err := m.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	var notes []db.SessionNote
	err := m.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id ASC").
		Limit(limit).
		Find(&notes).Error
	if err != nil {
		return nil, fmt.Errorf("sessions: notes: %w", err)
	}
	return notes, nil
}

// QuickNote posts a note without a session context, creating or reusing an
// implicit active session owned by agentID.
func (m *Manager) QuickNote(ctx context.Context, agentID, content, typ string) (*db.SessionNote, error) {
	var session db.Session
	err := m.db.WithContext(ctx).
		First(&session, "agent_id = ? AND status = 'active'", agentID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		created, startErr := m.Start(ctx, StartRequest{Purpose: "quick notes", AgentID: agentID})
		if startErr != nil {
			return nil, startErr
		}
		session = *created
	case err != nil:
		return nil, fmt.Errorf("sessions: quick note lookup: %w", err)
	}
	return m.AddNote(ctx, session.ID, content, typ)
}

// RecentNotes returns notes across all sessions, newest first.
func (m *Manager) RecentNotes(ctx context.Context, limit int) ([]db.SessionNote, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	var notes []db.SessionNote
	err := m.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&notes).Error
	if err != nil {
		return nil, fmt.Errorf("sessions: recent notes: %w", err)
	}
	return notes, nil
}

// ClaimFiles adds advisory claims to an active session. Overlaps with other
// active sessions return *ConflictError unless force is set.
func (m *Manager) ClaimFiles(ctx context.Context, sessionID string, paths []string, force bool) error {
	now := m.Now()
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var session db.Session
		if err := tx.First(&session, "id = ?", sessionID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %q", ErrNotFound, sessionID)
			}
			return fmt.Errorf("sessions: claim lookup: %w", err)
		}
		if session.Status != "active" {
			return fmt.Errorf("%w: %q is %s", ErrNotActive, sessionID, session.Status)
		}

		if !force {
			conflicts, err := m.conflictsTx(tx, sessionID, paths)
			if err != nil {
				return err
			}
			if len(conflicts) > 0 {
				return &ConflictError{Conflicts: conflicts}
			}
		}

		for _, path := range paths {
			// Re-claiming a path this session already holds refreshes it.
			var existing db.SessionFile
			err := tx.First(&existing, "session_id = ? AND file_path = ?", sessionID, path).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				claim := db.SessionFile{SessionID: sessionID, FilePath: path, ClaimedAt: now}
				if err := tx.Create(&claim).Error; err != nil {
					return fmt.Errorf("sessions: claim file: %w", err)
				}
			case err != nil:
				return fmt.Errorf("sessions: claim check: %w", err)
			default:
				existing.ClaimedAt = now
				existing.ReleasedAt = nil
				if err := tx.Save(&existing).Error; err != nil {
					return fmt.Errorf("sessions: reclaim file: %w", err)
				}
			}
		}
		return nil
	})
}

// ReleaseFiles soft-releases claims by stamping released_at.
func (m *Manager) ReleaseFiles(ctx context.Context, sessionID string, paths []string) error {
	if _, err := m.Get(ctx, sessionID); err != nil {
		return err
	}
	now := m.Now()
	err := m.db.WithContext(ctx).Model(&db.SessionFile{}).
		Where("session_id = ? AND file_path IN ? AND released_at IS NULL", sessionID, paths).
		Update("released_at", now).Error
	if err != nil {
		return fmt.Errorf("sessions: release files: %w", err)
	}
	return nil
}

// Files returns the session's claims, open ones first.
func (m *Manager) Files(ctx context.Context, sessionID string) ([]db.SessionFile, error) {
	if _, err := m.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	var files []db.SessionFile
	err := m.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("released_at IS NOT NULL, file_path ASC").
		Find(&files).Error
	if err != nil {
		return nil, fmt.Errorf("sessions: files: %w", err)
	}
	return files, nil
}

// AbandonActiveTx marks agentID's active sessions abandoned inside the
// caller's transaction, releasing their claims, and returns the most recent
// session id plus its latest note contents for the resurrection context.
func (m *Manager) AbandonActiveTx(tx *gorm.DB, agentID string, now db.Millis) (string, []string, error) {
	var active []db.Session
	if err := tx.Find(&active, "agent_id = ? AND status = 'active'", agentID).Error; err != nil {
		return "", nil, fmt.Errorf("sessions: abandon find: %w", err)
	}
	if len(active) == 0 {
		return "", nil, nil
	}

	for i := range active {
		s := &active[i]
		s.Status = "abandoned"
		s.UpdatedAt = now
		s.CompletedAt = &now
		if err := tx.Save(s).Error; err != nil {
			return "", nil, fmt.Errorf("sessions: abandon: %w", err)
		}
		if err := releaseClaimsTx(tx, s.ID, now); err != nil {
			return "", nil, err
		}
	}

	// Newest session carries the hand-off context.
	last := active[len(active)-1]
	var notes []string
	err := tx.Model(&db.SessionNote{}).
		Where("session_id = ?", last.ID).
		Order("id DESC").
		Limit(10).
		Pluck("content", &notes).Error
	if err != nil {
		return "", nil, fmt.Errorf("sessions: abandon notes: %w", err)
	}
	return last.ID, notes, nil
}

// TrimNotes deletes notes older than the retention window on completed or
// abandoned sessions. Active sessions keep their full history.
func (m *Manager) TrimNotes(ctx context.Context, retentionMS int64) (int64, error) {
	cutoff := m.Now() - retentionMS
	res := m.db.WithContext(ctx).Exec(
		`DELETE FROM session_notes WHERE created_at < ? AND session_id IN
		 (SELECT id FROM sessions WHERE status != 'active')`, cutoff)
	if res.Error != nil {
		return 0, fmt.Errorf("sessions: trim notes: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// conflictsTx finds open claims on paths held by other active sessions.
func (m *Manager) conflictsTx(tx *gorm.DB, excludeSessionID string, paths []string) ([]FileConflict, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	q := tx.Model(&db.SessionFile{}).
		Select("session_files.file_path AS path, session_files.session_id").
		Joins("JOIN sessions ON sessions.id = session_files.session_id").
		Where("sessions.status = 'active'").
		Where("session_files.file_path IN ?", paths).
		Where("session_files.released_at IS NULL")
	if excludeSessionID != "" {
		q = q.Where("session_files.session_id != ?", excludeSessionID)
	}
	var conflicts []FileConflict
	if err := q.Scan(&conflicts).Error; err != nil {
		return nil, fmt.Errorf("sessions: conflict check: %w", err)
	}
	return conflicts, nil
}

func releaseClaimsTx(tx *gorm.DB, sessionID string, now db.Millis) error {
	err := tx.Model(&db.SessionFile{}).
		Where("session_id = ? AND released_at IS NULL", sessionID).
		Update("released_at", now).Error
	if err != nil {
		return fmt.Errorf("sessions: release claims: %w", err)
	}
	return nil
}
