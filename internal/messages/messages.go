// Package messages is the ordered channel bus: one append-only log per
// channel, read by monotonically increasing cursor. Publish wakes waiters by
// closing and replacing a per-channel notify channel; long-poll combines that
// wakeup with a short recheck tick so correctness never depends on the
// signal. Channel depth is bounded; the oldest rows are trimmed on overflow.
package messages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/erichowens/port-daddy-sub004/internal/activity"
	"github.com/erichowens/port-daddy-sub004/internal/db"
	"github.com/erichowens/port-daddy-sub004/internal/identity"
)

const (
	// MaxReadLimit caps how many rows one read returns.
	MaxReadLimit = 1000
	// recheckInterval is the long-poll fallback recheck period.
	recheckInterval = 1 * time.Second
)

var (
	// ErrPayloadTooLarge reports a payload over the configured cap.
	ErrPayloadTooLarge = errors.New("messages: payload too large")
	// ErrBadPayload reports a payload that is not valid JSON.
	ErrBadPayload = errors.New("messages: payload is not valid JSON")
)

// Notifier receives publish events for webhook fan-out.
type Notifier interface {
	Emit(ctx context.Context, event, targetID string, data map[string]any)
}

// Config bounds the channel log.
type Config struct {
	ChannelDepth   int64
	MaxPayloadSize int
}

// Log owns the messages table and the in-process wakeup fan-out.
type Log struct {
	db       *gorm.DB
	log      *zap.Logger
	activity *activity.Log
	events   Notifier
	cfg      Config

	// Now is the clock; replaced in tests.
	Now func() db.Millis

	mu     sync.Mutex
	notify map[string]chan struct{} // closed and replaced on each publish
}

// New returns a Log. events may be nil.
func New(database *gorm.DB, log *zap.Logger, audit *activity.Log, cfg Config, events Notifier) *Log {
	return &Log{
		db:       database,
		log:      log.Named("messages"),
		activity: audit,
		events:   events,
		cfg:      cfg,
		Now:      db.Now,
		notify:   make(map[string]chan struct{}),
	}
}

// Publish appends one message and wakes every waiter on the channel. The
// returned row carries the assigned cursor id.
func (l *Log) Publish(ctx context.Context, channel string, payload json.RawMessage, sender string, expiresAt *db.Millis) (*db.Message, error) {
	if err := identity.ValidateName(channel); err != nil {
		return nil, err
	}
	if len(payload) > l.cfg.MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	if !json.Valid(payload) {
		return nil, ErrBadPayload
	}

	msg := db.Message{
		Channel:   channel,
		Payload:   string(payload),
		Sender:    sender,
		CreatedAt: l.Now(),
		ExpiresAt: expiresAt,
	}
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&msg).Error; err != nil {
			return fmt.Errorf("messages: insert: %w", err)
		}
		return l.trimChannelTx(tx, channel)
	})
	if err != nil {
		return nil, err
	}

	l.wake(channel)
	l.activity.Record(ctx, activity.TypeMessagePublish, sender, channel, "", map[string]any{"id": msg.ID})
	if l.events != nil {
		l.events.Emit(ctx, activity.TypeMessagePublish, channel, map[string]any{"id": msg.ID, "sender": sender})
	}
	return &msg, nil
}

// Get returns rows with id > afterID on the channel, oldest first, capped at
// min(limit, MaxReadLimit). Expired rows are filtered out.
func (l *Log) Get(ctx context.Context, channel string, afterID int64, limit int) ([]db.Message, error) {
	if limit <= 0 || limit > MaxReadLimit {
		limit = MaxReadLimit
	}
	var msgs []db.Message
	err := l.db.WithContext(ctx).
		Where("channel = ? AND id > ?", channel, afterID).
		Where("expires_at IS NULL OR expires_at > ?", l.Now()).
		Order("id ASC").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("messages: get: %w", err)
	}
	return msgs, nil
}

// Poll is the long-poll read: an immediate Get, then a wait until a publish
// lands, the timeout elapses, or ctx is cancelled (client disconnect). A
// timeout returns an empty slice, not an error.
func (l *Log) Poll(ctx context.Context, channel string, afterID int64, limit int, timeout time.Duration) ([]db.Message, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(recheckInterval)
	defer tick.Stop()

	for {
		msgs, err := l.Get(ctx, channel, afterID, limit)
		if err != nil || len(msgs) > 0 {
			return msgs, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return []db.Message{}, nil
		case <-l.WaitCh(channel):
		case <-tick.C:
		}
	}
}

// WaitCh returns a channel closed on the next publish to channel. Callers
// must re-call after each wakeup; the previous channel stays closed.
func (l *Log) WaitCh(channel string) <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.notify[channel]
	if !ok {
		ch = make(chan struct{})
		l.notify[channel] = ch
	}
	return ch
}

func (l *Log) wake(channel string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ch, ok := l.notify[channel]; ok {
		close(ch)
		delete(l.notify, channel)
	}
}

// ChannelInfo summarizes one channel with at least one row.
type ChannelInfo struct {
	Channel     string    `json:"channel"`
	Count       int64     `json:"count"`
	LastPublish db.Millis `json:"lastPublish"`
}

// Channels lists all channels with at least one row.
func (l *Log) Channels(ctx context.Context) ([]ChannelInfo, error) {
	var infos []ChannelInfo
	err := l.db.WithContext(ctx).
		Model(&db.Message{}).
		Select("channel, COUNT(*) AS count, MAX(created_at) AS last_publish").
		Group("channel").
		Order("channel ASC").
		Scan(&infos).Error
	if err != nil {
		return nil, fmt.Errorf("messages: channels: %w", err)
	}
	return infos, nil
}

// Clear deletes all rows on the channel and returns the count.
func (l *Log) Clear(ctx context.Context, channel string) (int64, error) {
	res := l.db.WithContext(ctx).Where("channel = ?", channel).Delete(&db.Message{})
	if res.Error != nil {
		return 0, fmt.Errorf("messages: clear: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// DeleteExpired removes rows past their expiry. Called by the reaper.
func (l *Log) DeleteExpired(ctx context.Context) (int64, error) {
	res := l.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at <= ?", l.Now()).
		Delete(&db.Message{})
	if res.Error != nil {
		return 0, fmt.Errorf("messages: delete expired: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// TrimAll enforces the depth cap on every channel. Called by the reaper;
// publish already trims its own channel inline.
func (l *Log) TrimAll(ctx context.Context) error {
	infos, err := l.Channels(ctx)
	if err != nil {
		return err
	}
	for _, info := range infos {
		if info.Count <= l.cfg.ChannelDepth {
			continue
		}
		if err := l.trimChannelTx(l.db.WithContext(ctx), info.Channel); err != nil {
			return err
		}
	}
	return nil
}

// trimChannelTx deletes the oldest rows above the depth cap for channel.
func (l *Log) trimChannelTx(tx *gorm.DB, channel string) error {
	var count int64
	if err := tx.Model(&db.Message{}).Where("channel = ?", channel).Count(&count).Error; err != nil {
		return fmt.Errorf("messages: depth count: %w", err)
	}
	excess := count - l.cfg.ChannelDepth
	if excess <= 0 {
		return nil
	}
	err := tx.Exec(
		`DELETE FROM messages WHERE id IN
		 (SELECT id FROM messages WHERE channel = ? ORDER BY id ASC LIMIT ?)`,
		channel, excess).Error
	if err != nil {
		return fmt.Errorf("messages: depth trim: %w", err)
	}
	return nil
}
