// Package activity is the append-only audit log. Every state-changing core
// operation records one entry; queries cover recent entries, time ranges and
// per-type summaries, and the reaper trims the table by retention window and
// row cap, oldest first.
package activity

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/erichowens/port-daddy-sub004/internal/db"
	"github.com/erichowens/port-daddy-sub004/internal/identity"
)

// Entry types, one per core action.
const (
	TypeServiceClaim    = "service.claim"
	TypeServiceRelease  = "service.release"
	TypeLockAcquire     = "lock.acquire"
	TypeLockRelease     = "lock.release"
	TypeMessagePublish  = "message.publish"
	TypeAgentRegister   = "agent.register"
	TypeAgentUnregister = "agent.unregister"
	TypeAgentCleanup    = "agent.cleanup"
	TypeSessionStart    = "session.start"
	TypeSessionUpdate   = "session.update"
	TypeSessionDelete   = "session.delete"
	TypeWebhookDelivery = "webhook.delivery"
	TypeDaemonStart     = "daemon.start"
	TypeDaemonStop      = "daemon.stop"
)

// Log records and queries audit entries.
type Log struct {
	db  *gorm.DB
	log *zap.Logger

	// Now is the clock; replaced in tests.
	Now func() db.Millis
}

// New returns a Log writing to database.
func New(database *gorm.DB, log *zap.Logger) *Log {
	return &Log{db: database, log: log.Named("activity"), Now: db.Now}
}

// Record appends one entry. Audit failures must never fail the operation
// being audited, so errors are logged and swallowed.
func (l *Log) Record(ctx context.Context, typ, agentID, targetID, details string, metadata map[string]any) {
	if err := l.RecordTx(l.db.WithContext(ctx), typ, agentID, targetID, details, metadata); err != nil {
		l.log.Warn("failed to record activity", zap.String("type", typ), zap.Error(err))
	}
}

// RecordTx appends one entry inside the caller's transaction, so the audit
// row commits or rolls back together with the mutation it describes.
func (l *Log) RecordTx(tx *gorm.DB, typ, agentID, targetID, details string, metadata map[string]any) error {
	meta := "{}"
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("activity: marshal metadata: %w", err)
		}
		meta = string(raw)
	}
	entry := db.ActivityEntry{
		Timestamp: l.Now(),
		Type:      typ,
		AgentID:   agentID,
		TargetID:  targetID,
		Details:   details,
		Metadata:  meta,
	}
	if err := tx.Create(&entry).Error; err != nil {
		return fmt.Errorf("activity: record: %w", err)
	}
	return nil
}

// RecentOptions filters a Recent query. Zero values mean "no filter";
// Limit defaults to 100 and is capped at 1000.
type RecentOptions struct {
	Limit         int
	Type          string
	AgentID       string
	TargetPattern string
}

// Recent returns the newest entries first, filtered by opts.
func (l *Log) Recent(ctx context.Context, opts RecentOptions) ([]db.ActivityEntry, error) {
	limit := clampLimit(opts.Limit)

	q := l.db.WithContext(ctx).Model(&db.ActivityEntry{})
	if opts.Type != "" {
		q = q.Where("type = ?", opts.Type)
	}
	if opts.AgentID != "" {
		q = q.Where("agent_id = ?", opts.AgentID)
	}
	if opts.TargetPattern != "" {
		expr, args := identity.MatchSQL("target_id", opts.TargetPattern)
		q = q.Where(expr, args...)
	}

	var entries []db.ActivityEntry
	if err := q.Order("id DESC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("activity: recent: %w", err)
	}
	return entries, nil
}

// Range returns entries with from <= timestamp < to, oldest first.
func (l *Log) Range(ctx context.Context, from, to db.Millis, limit int) ([]db.ActivityEntry, error) {
	var entries []db.ActivityEntry
	err := l.db.WithContext(ctx).
		Where("timestamp >= ? AND timestamp < ?", from, to).
		Order("id ASC").
		Limit(clampLimit(limit)).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("activity: range: %w", err)
	}
	return entries, nil
}

// TypeCount is one row of a Summary result.
type TypeCount struct {
	Type  string `json:"type"`
	Count int64  `json:"count"`
}

// Summary groups entries since the given timestamp by type.
func (l *Log) Summary(ctx context.Context, since db.Millis) ([]TypeCount, error) {
	var counts []TypeCount
	err := l.db.WithContext(ctx).
		Model(&db.ActivityEntry{}).
		Select("type, COUNT(*) AS count").
		Where("timestamp >= ?", since).
		Group("type").
		Order("count DESC").
		Scan(&counts).Error
	if err != nil {
		return nil, fmt.Errorf("activity: summary: %w", err)
	}
	return counts, nil
}

// Stats describes the whole table.
type Stats struct {
	Total  int64     `json:"total"`
	Oldest db.Millis `json:"oldest"`
	Newest db.Millis `json:"newest"`
}

// Stats returns row count and timestamp extremes. Zero extremes mean the
// table is empty.
func (l *Log) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := l.db.WithContext(ctx).
		Model(&db.ActivityEntry{}).
		Select("COUNT(*) AS total, COALESCE(MIN(timestamp), 0) AS oldest, COALESCE(MAX(timestamp), 0) AS newest").
		Scan(&s).Error
	if err != nil {
		return Stats{}, fmt.Errorf("activity: stats: %w", err)
	}
	return s, nil
}

// Trim deletes entries older than the retention window, then enforces the
// max-row cap oldest first. Returns the number of rows deleted.
func (l *Log) Trim(ctx context.Context, retentionMS, maxRows int64) (int64, error) {
	var deleted int64

	cutoff := l.Now() - retentionMS
	res := l.db.WithContext(ctx).Where("timestamp < ?", cutoff).Delete(&db.ActivityEntry{})
	if res.Error != nil {
		return 0, fmt.Errorf("activity: trim retention: %w", res.Error)
	}
	deleted += res.RowsAffected

	var total int64
	if err := l.db.WithContext(ctx).Model(&db.ActivityEntry{}).Count(&total).Error; err != nil {
		return deleted, fmt.Errorf("activity: trim count: %w", err)
	}
	if excess := total - maxRows; excess > 0 {
		res = l.db.WithContext(ctx).Exec(
			`DELETE FROM activity_entries WHERE id IN
			 (SELECT id FROM activity_entries ORDER BY id ASC LIMIT ?)`, excess)
		if res.Error != nil {
			return deleted, fmt.Errorf("activity: trim cap: %w", res.Error)
		}
		deleted += res.RowsAffected
	}
	return deleted, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	}
	return limit
}
