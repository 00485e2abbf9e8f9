// Package reaper runs the periodic maintenance pass that enforces the
// cross-table invariants: dead PIDs lose their ports, dead agents lose their
// locks and sessions, expired rows and old history get trimmed. It wraps
// gocron in singleton mode so a slow pass is never overlapped by the next
// tick, and the same pass is invocable on demand through RunPass.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/erichowens/port-daddy-sub004/internal/activity"
	"github.com/erichowens/port-daddy-sub004/internal/agents"
	"github.com/erichowens/port-daddy-sub004/internal/locks"
	"github.com/erichowens/port-daddy-sub004/internal/messages"
	"github.com/erichowens/port-daddy-sub004/internal/services"
	"github.com/erichowens/port-daddy-sub004/internal/sessions"
	"github.com/erichowens/port-daddy-sub004/internal/webhooks"
)

// Config carries the pass interval and the retention windows.
type Config struct {
	Interval            time.Duration
	ActivityRetentionMS int64
	ActivityMaxRows     int64
	NoteRetentionMS     int64
	DeliveryRetentionMS int64
}

// Reaper owns the periodic pass.
type Reaper struct {
	cron     gocron.Scheduler
	log      *zap.Logger
	cfg      Config
	services *services.Registry
	locks    *locks.Manager
	messages *messages.Log
	agents   *agents.Registry
	activity *activity.Log
	webhooks *webhooks.Manager
	sessions *sessions.Manager
}

// New creates a Reaper. Call Start to begin periodic passes.
func New(
	log *zap.Logger,
	cfg Config,
	svc *services.Registry,
	lck *locks.Manager,
	msg *messages.Log,
	agt *agents.Registry,
	audit *activity.Log,
	hooks *webhooks.Manager,
	sess *sessions.Manager,
) (*Reaper, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("reaper: create scheduler: %w", err)
	}
	return &Reaper{
		cron:     cron,
		log:      log.Named("reaper"),
		cfg:      cfg,
		services: svc,
		locks:    lck,
		messages: msg,
		agents:   agt,
		activity: audit,
		webhooks: hooks,
		sessions: sess,
	}, nil
}

// Start schedules the pass at the configured interval and starts the
// scheduler. Singleton mode guarantees at most one pass in flight.
func (r *Reaper) Start() error {
	_, err := r.cron.NewJob(
		gocron.DurationJob(r.cfg.Interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Interval)
			defer cancel()
			summary, err := r.RunPass(ctx)
			if err != nil {
				r.log.Warn("pass finished with errors", zap.Error(err))
			}
			r.log.Debug("pass complete",
				zap.Strings("services_released", summary.ServicesReleased),
				zap.Strings("agents_reaped", summary.AgentsReaped),
				zap.Int64("messages_deleted", summary.MessagesDeleted),
				zap.Int64("activity_trimmed", summary.ActivityTrimmed),
			)
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("reaper: schedule pass: %w", err)
	}
	r.cron.Start()
	r.log.Info("started", zap.Duration("interval", r.cfg.Interval))
	return nil
}

// Stop shuts the scheduler down, waiting for a running pass to finish.
func (r *Reaper) Stop() error {
	if err := r.cron.Shutdown(); err != nil {
		return fmt.Errorf("reaper: shutdown: %w", err)
	}
	r.log.Info("stopped")
	return nil
}

// Summary reports what one pass removed.
type Summary struct {
	ServicesReleased   []string `json:"services_released"`
	LocksExpired       int64    `json:"locks_expired"`
	MessagesDeleted    int64    `json:"messages_deleted"`
	AgentsReaped       []string `json:"agents_reaped"`
	ActivityTrimmed    int64    `json:"activity_trimmed"`
	DeliveriesTrimmed  int64    `json:"deliveries_trimmed"`
	DeliveriesRequeued int      `json:"deliveries_requeued"`
	NotesTrimmed       int64    `json:"notes_trimmed"`
}

// RunPass executes one maintenance pass. The step order is load-bearing:
// services go before agents so agent cleanup sees ports already released,
// and the activity trim runs after the steps that append to it. A failing
// step is recorded and the pass continues; the joined errors come back to
// the caller.
func (r *Reaper) RunPass(ctx context.Context) (Summary, error) {
	var summary Summary
	var errs []error

	released, err := r.services.ReapStale(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	summary.ServicesReleased = released

	if summary.LocksExpired, err = r.locks.DeleteExpired(ctx); err != nil {
		errs = append(errs, err)
	}

	if summary.MessagesDeleted, err = r.messages.DeleteExpired(ctx); err != nil {
		errs = append(errs, err)
	}
	if err = r.messages.TrimAll(ctx); err != nil {
		errs = append(errs, err)
	}

	reaped, err := r.agents.CleanupDead(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	summary.AgentsReaped = reaped

	if summary.ActivityTrimmed, err = r.activity.Trim(ctx, r.cfg.ActivityRetentionMS, r.cfg.ActivityMaxRows); err != nil {
		errs = append(errs, err)
	}

	if summary.DeliveriesTrimmed, err = r.webhooks.TrimDeliveries(ctx, r.cfg.DeliveryRetentionMS); err != nil {
		errs = append(errs, err)
	}
	if summary.DeliveriesRequeued, err = r.webhooks.Reschedule(ctx); err != nil {
		errs = append(errs, err)
	}

	if summary.NotesTrimmed, err = r.sessions.TrimNotes(ctx, r.cfg.NoteRetentionMS); err != nil {
		errs = append(errs, err)
	}

	return summary, errors.Join(errs...)
}
