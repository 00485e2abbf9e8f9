package agents

import (
	"context"
	"fmt"

	"github.com/erichowens/port-daddy-sub004/internal/db"
)

// PostInbox appends a directed message to the recipient agent's queue. The
// recipient must be registered; the sender need not be.
func (r *Registry) PostInbox(ctx context.Context, agentID, content, sender string) (*db.InboxMessage, error) {
	if _, err := r.Get(ctx, agentID); err != nil {
		return nil, err
	}
	msg := db.InboxMessage{
		AgentID:   agentID,
		Content:   content,
		Sender:    sender,
		CreatedAt: r.Now(),
	}
	if err := r.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return nil, fmt.Errorf("agents: post inbox: %w", err)
	}
	return &msg, nil
}

// Inbox lists an agent's messages, oldest first, optionally unread only.
func (r *Registry) Inbox(ctx context.Context, agentID string, unreadOnly bool, limit int) ([]db.InboxMessage, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q := r.db.WithContext(ctx).Where("agent_id = ?", agentID)
	if unreadOnly {
		q = q.Where("read = ?", false)
	}
	var msgs []db.InboxMessage
	if err := q.Order("id ASC").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("agents: inbox: %w", err)
	}
	return msgs, nil
}

// MarkInboxRead flags all of an agent's messages read and returns how many
// changed.
func (r *Registry) MarkInboxRead(ctx context.Context, agentID string) (int64, error) {
	res := r.db.WithContext(ctx).Model(&db.InboxMessage{}).
		Where("agent_id = ? AND read = ?", agentID, false).
		Update("read", true)
	if res.Error != nil {
		return 0, fmt.Errorf("agents: mark inbox read: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// ClearInbox deletes all of an agent's messages.
func (r *Registry) ClearInbox(ctx context.Context, agentID string) (int64, error) {
	res := r.db.WithContext(ctx).Delete(&db.InboxMessage{}, "agent_id = ?", agentID)
	if res.Error != nil {
		return 0, fmt.Errorf("agents: clear inbox: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// InboxStats summarizes an agent's queue.
type InboxStats struct {
	Total  int64 `json:"total"`
	Unread int64 `json:"unread"`
}

// Stats returns message counts for an agent's inbox.
func (r *Registry) Stats(ctx context.Context, agentID string) (InboxStats, error) {
	var s InboxStats
	err := r.db.WithContext(ctx).Model(&db.InboxMessage{}).
		Select("COUNT(*) AS total, COALESCE(SUM(CASE WHEN read = 0 THEN 1 ELSE 0 END), 0) AS unread").
		Where("agent_id = ?", agentID).
		Scan(&s).Error
	if err != nil {
		return InboxStats{}, fmt.Errorf("agents: inbox stats: %w", err)
	}
	return s, nil
}
