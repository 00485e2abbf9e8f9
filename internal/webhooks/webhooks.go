// Package webhooks manages outbound event subscriptions and their delivery
// pipeline: subscription CRUD behind an SSRF guard, HMAC-signed POSTs with a
// hard timeout, and persistent retry state so undelivered events survive a
// daemon restart.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/erichowens/port-daddy-sub004/internal/activity"
	"github.com/erichowens/port-daddy-sub004/internal/db"
	"github.com/erichowens/port-daddy-sub004/internal/identity"
)

var (
	// ErrNotFound reports a missing subscription or delivery.
	ErrNotFound = errors.New("webhooks: not found")
)

// Config tunes the delivery pipeline.
type Config struct {
	MaxAttempts int
	Timeout     time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Workers     int
	QueueDepth  int
}

// Manager owns webhook subscriptions and deliveries. It implements the
// Notifier interface the core components emit through.
type Manager struct {
	db       *gorm.DB
	log      *zap.Logger
	activity *activity.Log
	cfg      Config
	client   *http.Client
	queue    chan string

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Now is the clock; replaced in tests.
	Now func() db.Millis
	// lookup resolves hostnames for the SSRF guard; replaced in tests.
	lookup lookupFunc
}

// New returns a Manager. Start must be called before deliveries flow.
func New(database *gorm.DB, log *zap.Logger, audit *activity.Log, cfg Config) *Manager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Timeout <= 0 || cfg.Timeout > 5*time.Second {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 5 * time.Minute
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 256
	}
	return &Manager{
		db:       database,
		log:      log.Named("webhooks"),
		activity: audit,
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		queue:    make(chan string, cfg.QueueDepth),
		Now:      db.Now,
		lookup:   defaultLookup,
	}
}

// Start launches the delivery workers. They drain the in-process queue until
// Stop is called; anything still queued in the database is picked up again by
// Reschedule.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	for i := 0; i < m.cfg.Workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case id := <-m.queue:
					m.deliver(ctx, id)
				}
			}
		}()
	}
}

// Stop halts the workers and waits for in-flight deliveries to finish.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// SubscribeRequest creates a subscription.
type SubscribeRequest struct {
	URL      string
	Events   []string
	Secret   string
	Filter   string
	Metadata string
}

// Subscribe validates the URL against the SSRF policy and stores the
// subscription. An empty event set subscribes to everything.
func (m *Manager) Subscribe(ctx context.Context, req SubscribeRequest) (*db.WebhookSubscription, error) {
	if err := validateURL(ctx, req.URL, m.lookup); err != nil {
		return nil, err
	}
	if req.Filter != "" {
		if err := identity.ValidatePattern(req.Filter); err != nil {
			return nil, err
		}
	}
	if len(req.Events) == 0 {
		req.Events = []string{"*"}
	}
	events, err := json.Marshal(req.Events)
	if err != nil {
		return nil, fmt.Errorf("webhooks: marshal events: %w", err)
	}
	if req.Metadata == "" {
		req.Metadata = "{}"
	}
	sub := db.WebhookSubscription{
		URL:       req.URL,
		Events:    string(events),
		Secret:    req.Secret,
		Filter:    req.Filter,
		Active:    true,
		CreatedAt: m.Now(),
		Metadata:  req.Metadata,
	}
	if err := m.db.WithContext(ctx).Create(&sub).Error; err != nil {
		return nil, fmt.Errorf("webhooks: subscribe: %w", err)
	}
	return &sub, nil
}

// UpdateRequest mutates a subscription; nil fields are left untouched.
type UpdateRequest struct {
	URL    *string
	Events []string
	Secret *string
	Filter *string
	Active *bool
}

// Update applies a partial update. A new URL goes back through the SSRF
// guard.
func (m *Manager) Update(ctx context.Context, id string, req UpdateRequest) (*db.WebhookSubscription, error) {
	sub, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.URL != nil {
		if err := validateURL(ctx, *req.URL, m.lookup); err != nil {
			return nil, err
		}
		sub.URL = *req.URL
	}
	if req.Events != nil {
		events, err := json.Marshal(req.Events)
		if err != nil {
			return nil, fmt.Errorf("webhooks: marshal events: %w", err)
		}
		sub.Events = string(events)
	}
	if req.Secret != nil {
		sub.Secret = *req.Secret
	}
	if req.Filter != nil {
		if *req.Filter != "" {
			if err := identity.ValidatePattern(*req.Filter); err != nil {
				return nil, err
			}
		}
		sub.Filter = *req.Filter
	}
	if req.Active != nil {
		sub.Active = *req.Active
	}
	if err := m.db.WithContext(ctx).Save(sub).Error; err != nil {
		return nil, fmt.Errorf("webhooks: update: %w", err)
	}
	return sub, nil
}

// Delete removes a subscription and its delivery history.
func (m *Manager) Delete(ctx context.Context, id string) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&db.WebhookSubscription{}, "id = ?", id)
		if res.Error != nil {
			return fmt.Errorf("webhooks: delete: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %q", ErrNotFound, id)
		}
		if err := tx.Delete(&db.WebhookDelivery{}, "subscription_id = ?", id).Error; err != nil {
			return fmt.Errorf("webhooks: delete deliveries: %w", err)
		}
		return nil
	})
}

// Get returns one subscription.
func (m *Manager) Get(ctx context.Context, id string) (*db.WebhookSubscription, error) {
	var sub db.WebhookSubscription
	err := m.db.WithContext(ctx).First(&sub, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("webhooks: get: %w", err)
	}
	return &sub, nil
}

// List returns all subscriptions, newest first.
func (m *Manager) List(ctx context.Context) ([]db.WebhookSubscription, error) {
	var subs []db.WebhookSubscription
	if err := m.db.WithContext(ctx).Order("created_at DESC").Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("webhooks: list: %w", err)
	}
	return subs, nil
}

// Deliveries returns a subscription's delivery history, newest first.
func (m *Manager) Deliveries(ctx context.Context, subscriptionID string, limit int) ([]db.WebhookDelivery, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var rows []db.WebhookDelivery
	err := m.db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("timestamp DESC").Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("webhooks: deliveries: %w", err)
	}
	return rows, nil
}

// wirePayload is the body POSTed to receivers.
type wirePayload struct {
	Event     string         `json:"event"`
	TargetID  string         `json:"target_id,omitempty"`
	Timestamp db.Millis      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Emit fans an event out to every matching subscription. It persists one
// delivery row per match and hands them to the workers; a full queue is not
// an error because the reaper reschedules anything left behind. Emit never
// fails the caller: core operations must not roll back because a webhook
// could not be recorded.
func (m *Manager) Emit(ctx context.Context, event, targetID string, data map[string]any) {
	now := m.Now()
	body, err := json.Marshal(wirePayload{Event: event, TargetID: targetID, Timestamp: now, Data: data})
	if err != nil {
		m.log.Error("marshal event payload", zap.String("event", event), zap.Error(err))
		return
	}

	var subs []db.WebhookSubscription
	if err := m.db.WithContext(ctx).Find(&subs, "active = ?", true).Error; err != nil {
		m.log.Error("load subscriptions", zap.Error(err))
		return
	}
	for i := range subs {
		sub := &subs[i]
		if !subscribed(sub.Events, event) {
			continue
		}
		if sub.Filter != "" && !identity.Match(targetID, sub.Filter) {
			continue
		}
		delivery := db.WebhookDelivery{
			SubscriptionID: sub.ID,
			Event:          event,
			TargetID:       targetID,
			Payload:        string(body),
			Timestamp:      now,
		}
		if err := m.db.WithContext(ctx).Create(&delivery).Error; err != nil {
			m.log.Error("persist delivery", zap.String("subscription", sub.ID), zap.Error(err))
			continue
		}
		m.enqueue(delivery.ID)
	}
}

// subscribed reports whether the stored event set (a JSON array, possibly
// containing "*") covers event.
func subscribed(stored, event string) bool {
	var events []string
	if err := json.Unmarshal([]byte(stored), &events); err != nil {
		return false
	}
	for _, e := range events {
		if e == "*" || e == event {
			return true
		}
	}
	return false
}

func (m *Manager) enqueue(id string) {
	select {
	case m.queue <- id:
	default:
		// Left pending in the database; Reschedule picks it up.
	}
}

// Test synthesizes a delivery to one subscription so an operator can verify
// connectivity, performing it synchronously and returning the recorded
// attempt.
func (m *Manager) Test(ctx context.Context, id string) (*db.WebhookDelivery, error) {
	sub, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := m.Now()
	body, err := json.Marshal(wirePayload{
		Event:     "webhook.test",
		Timestamp: now,
		Data:      map[string]any{"subscription_id": sub.ID},
	})
	if err != nil {
		return nil, fmt.Errorf("webhooks: marshal test payload: %w", err)
	}
	delivery := db.WebhookDelivery{
		SubscriptionID: sub.ID,
		Event:          "webhook.test",
		Payload:        string(body),
		Timestamp:      now,
	}
	if err := m.db.WithContext(ctx).Create(&delivery).Error; err != nil {
		return nil, fmt.Errorf("webhooks: persist test delivery: %w", err)
	}
	m.deliver(ctx, delivery.ID)
	return m.delivery(ctx, delivery.ID)
}

func (m *Manager) delivery(ctx context.Context, id string) (*db.WebhookDelivery, error) {
	var row db.WebhookDelivery
	err := m.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: delivery %q", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("webhooks: load delivery: %w", err)
	}
	return &row, nil
}

// deliver performs one POST attempt for a stored delivery and records the
// outcome: success finishes the row, failure schedules a backoff retry until
// the attempt budget runs out.
func (m *Manager) deliver(ctx context.Context, id string) {
	row, err := m.delivery(ctx, id)
	if err != nil {
		m.log.Warn("delivery vanished", zap.String("delivery", id), zap.Error(err))
		return
	}
	if row.Done {
		return
	}
	sub, err := m.Get(ctx, row.SubscriptionID)
	if err != nil || !sub.Active {
		m.finish(ctx, row, 0, false, "subscription removed or inactive")
		return
	}

	status, attemptErr := m.post(ctx, sub, row)
	row.Attempts++
	row.StatusCode = status
	if attemptErr == nil {
		m.finish(ctx, row, status, true, "")
		return
	}

	row.LastError = attemptErr.Error()
	if row.Attempts >= m.cfg.MaxAttempts {
		m.finish(ctx, row, status, false, row.LastError)
		return
	}
	next := m.Now() + db.Millis(m.backoff(row.Attempts)/time.Millisecond)
	row.NextRetryAt = &next
	if err := m.db.WithContext(ctx).Save(row).Error; err != nil {
		m.log.Error("save retry state", zap.String("delivery", row.ID), zap.Error(err))
	}
	m.log.Debug("delivery failed, retry scheduled",
		zap.String("delivery", row.ID),
		zap.Int("attempt", row.Attempts),
		zap.Int64("next_retry_at", next),
		zap.Error(attemptErr),
	)
}

// post performs the HTTP attempt. The signature convention follows GitHub
// and Stripe: "sha256=<hex(HMAC-SHA256(secret, body))>".
func (m *Manager) post(ctx context.Context, sub *db.WebhookSubscription, row *db.WebhookDelivery) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader([]byte(row.Payload)))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "port-daddy-webhook/1.0")
	if sub.Secret != "" {
		mac := hmac.New(sha256.New, []byte(sub.Secret))
		mac.Write([]byte(row.Payload))
		req.Header.Set("X-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// finish closes out a delivery row and records the terminal outcome in the
// activity log.
func (m *Manager) finish(ctx context.Context, row *db.WebhookDelivery, status int, success bool, lastError string) {
	row.Done = true
	row.Success = success
	row.StatusCode = status
	row.LastError = lastError
	row.NextRetryAt = nil
	if err := m.db.WithContext(ctx).Save(row).Error; err != nil {
		m.log.Error("finish delivery", zap.String("delivery", row.ID), zap.Error(err))
		return
	}
	m.activity.Record(ctx, activity.TypeWebhookDelivery, "", row.TargetID, row.Event, map[string]any{
		"delivery_id": row.ID,
		"success":     success,
		"status_code": status,
		"attempts":    row.Attempts,
	})
}

func (m *Manager) backoff(attempts int) time.Duration {
	d := m.cfg.BackoffBase << (attempts - 1)
	if d > m.cfg.BackoffMax || d <= 0 {
		return m.cfg.BackoffMax
	}
	return d
}

// Reschedule re-queues unfinished deliveries whose retry time has elapsed
// (or was never set, as after a crash mid-pipeline). Called at boot and on
// every reaper pass.
func (m *Manager) Reschedule(ctx context.Context) (int, error) {
	now := m.Now()
	var rows []db.WebhookDelivery
	err := m.db.WithContext(ctx).
		Select("id").
		Where("done = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)", false, now).
		Limit(m.cfg.QueueDepth).
		Find(&rows).Error
	if err != nil {
		return 0, fmt.Errorf("webhooks: reschedule: %w", err)
	}
	for _, row := range rows {
		m.enqueue(row.ID)
	}
	return len(rows), nil
}

// TrimDeliveries deletes finished delivery rows older than the retention
// window and returns how many went.
func (m *Manager) TrimDeliveries(ctx context.Context, retentionMS int64) (int64, error) {
	cutoff := m.Now() - retentionMS
	res := m.db.WithContext(ctx).
		Where("done = ? AND timestamp < ?", true, cutoff).
		Delete(&db.WebhookDelivery{})
	if res.Error != nil {
		return 0, fmt.Errorf("webhooks: trim deliveries: %w", res.Error)
	}
	return res.RowsAffected, nil
}
