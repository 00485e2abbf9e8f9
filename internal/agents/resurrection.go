package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/erichowens/port-daddy-sub004/internal/db"
)

// ResurrectionContext is what a successor receives when it claims a dead
// agent's entry: everything needed to pick up the work.
type ResurrectionContext struct {
	OldID     string   `json:"oldId"`
	NewID     string   `json:"newId"`
	Project   string   `json:"project,omitempty"`
	Purpose   string   `json:"purpose,omitempty"`
	SessionID string   `json:"sessionId,omitempty"`
	Notes     []string `json:"notes"`
}

// PendingResurrections lists pending entries, optionally filtered by
// project, newest first.
func (r *Registry) PendingResurrections(ctx context.Context, project string) ([]db.ResurrectionEntry, error) {
	q := r.db.WithContext(ctx).Where("state = 'pending'")
	if project != "" {
		q = q.Where("project = ?", project)
	}
	var entries []db.ResurrectionEntry
	if err := q.Order("id DESC").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("agents: pending resurrections: %w", err)
	}
	return entries, nil
}

// ClaimResurrection moves a pending entry to resurrecting, records the
// successor id, and returns the captured context.
func (r *Registry) ClaimResurrection(ctx context.Context, oldID, newID string) (*ResurrectionContext, error) {
	now := r.Now()
	var entry db.ResurrectionEntry
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&entry, "old_id = ?", oldID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %q", ErrEntryNotFound, oldID)
			}
			return fmt.Errorf("agents: claim resurrection lookup: %w", err)
		}
		if entry.State != "pending" {
			return fmt.Errorf("%w: %q is %s", ErrEntryState, oldID, entry.State)
		}
		entry.State = "resurrecting"
		entry.NewID = newID
		entry.UpdatedAt = now
		if err := tx.Save(&entry).Error; err != nil {
			return fmt.Errorf("agents: claim resurrection: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var notes []string
	if err := json.Unmarshal([]byte(entry.Notes), &notes); err != nil {
		// A corrupt notes blob should not block the hand-off.
		notes = nil
	}
	return &ResurrectionContext{
		OldID:     entry.OldID,
		NewID:     newID,
		Project:   entry.Project,
		Purpose:   entry.Purpose,
		SessionID: entry.SessionID,
		Notes:     notes,
	}, nil
}

// CompleteResurrection closes a claimed entry once the successor has taken
// over the work.
func (r *Registry) CompleteResurrection(ctx context.Context, oldID string) error {
	return r.transitionEntry(ctx, oldID, "resurrecting", "completed")
}

// DismissResurrection discards an entry whose context nobody wants. Valid
// from both pending and resurrecting.
func (r *Registry) DismissResurrection(ctx context.Context, oldID string) error {
	now := r.Now()
	res := r.db.WithContext(ctx).Model(&db.ResurrectionEntry{}).
		Where("old_id = ? AND state IN ('pending', 'resurrecting')", oldID).
		Updates(map[string]any{"state": "dismissed", "updated_at": now})
	if res.Error != nil {
		return fmt.Errorf("agents: dismiss resurrection: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %q", ErrEntryNotFound, oldID)
	}
	return nil
}

func (r *Registry) transitionEntry(ctx context.Context, oldID, from, to string) error {
	now := r.Now()
	res := r.db.WithContext(ctx).Model(&db.ResurrectionEntry{}).
		Where("old_id = ? AND state = ?", oldID, from).
		Updates(map[string]any{"state": to, "updated_at": now})
	if res.Error != nil {
		return fmt.Errorf("agents: resurrection %s: %w", to, res.Error)
	}
	if res.RowsAffected == 0 {
		// Distinguish a missing entry from a wrong-state one.
		var n int64
		if err := r.db.WithContext(ctx).Model(&db.ResurrectionEntry{}).
			Where("old_id = ?", oldID).Count(&n).Error; err != nil {
			return fmt.Errorf("agents: resurrection %s: %w", to, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %q", ErrEntryNotFound, oldID)
		}
		return fmt.Errorf("%w: %q is not %s", ErrEntryState, oldID, from)
	}
	return nil
}
