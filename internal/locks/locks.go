// Package locks implements named advisory locks with owner and TTL. At any
// instant at most one live row exists per name; expired rows are replaced in
// place by the next acquire. Re-acquire by the current owner is an idempotent
// refresh: it extends the TTL instead of conflicting.
package locks

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
)

var (
	// ErrNotFound reports a missing or expired lock.
	ErrNotFound = errors.New("locks: not found")
	// ErrNotOwner reports a release or extend by someone other than the
	// current owner, without force.
	ErrNotOwner = errors.New("locks: not the owner")
	// ErrBadTTL reports a TTL outside (0, max].
	ErrBadTTL = errors.New("locks: invalid ttl")
	// ErrQuotaExceeded reports an owner at its max_locks quota.
	ErrQuotaExceeded = errors.New("locks: owner lock quota exceeded")
)

// Quota answers how many locks an owner may hold. Implemented by the agents
// registry; a nil Quota or an unknown owner means no limit.
type Quota interface {
	LockQuota(ctx context.Context, agentID string) (max int, known bool, err error)
}

// HeldError reports an acquire conflict: the lock is live and owned by
// someone else. Carries what the client needs to wait or back off.
type HeldError struct {
	Name      string
	Owner     string
	ExpiresAt db.Millis
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("locks: %q held by %q until %d", e.Name, e.Owner, e.ExpiresAt)
}

// Manager owns the locks table.
type Manager struct {
	db       *gorm.DB
	log      *zap.Logger
	activity *activity.Log
	maxTTL   int64
	quota    Quota

	// Now is the clock; replaced in tests.
	Now func() db.Millis
}

// New returns a Manager. maxTTL bounds acquire and extend TTLs.
func New(database *gorm.DB, log *zap.Logger, audit *activity.Log, maxTTL int64) *Manager {
	return &Manager{
		db:       database,
		log:      log.Named("locks"),
		activity: audit,
		maxTTL:   maxTTL,
		Now:      db.Now,
	}
}

// SetQuota binds the quota source after construction; the agents registry
// implements Quota but is built later in the wiring order.
func (m *Manager) SetQuota(q Quota) {
	m.quota = q
}

// Acquire takes or refreshes the named lock. Returns the live row and
// whether this was a refresh by the existing owner. A live lock with a
// different owner returns *HeldError.
func (m *Manager) Acquire(ctx context.Context, name, owner string, pid int, ttl int64, metadata map[string]any) (*db.Lock, bool, error) {
	if err := identity.ValidateName(name); err != nil {
		return nil, false, err
	}
	if owner == "" {
		return nil, false, fmt.Errorf("locks: owner is required: %w", identity.ErrInvalid)
	}
	if ttl <= 0 || ttl > m.maxTTL {
		return nil, false, fmt.Errorf("%w: %d", ErrBadTTL, ttl)
	}

	meta, err := marshalMeta(metadata)
	if err != nil {
		return nil, false, err
	}

	now := m.Now()
	var (
		lock      db.Lock
		refreshed bool
	)
	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing db.Lock
		err := tx.First(&existing, "name = ?", name).Error
		switch {
		case err == nil && existing.ExpiresAt > now && existing.Owner != owner:
			return &HeldError{Name: name, Owner: existing.Owner, ExpiresAt: existing.ExpiresAt}

		case err == nil && existing.ExpiresAt > now:
			// Same owner: idempotent refresh.
			refreshed = true
			lock = existing
			lock.ExpiresAt = now + ttl
			lock.PID = pid
			if err := tx.Save(&lock).Error; err != nil {
				return fmt.Errorf("locks: refresh: %w", err)
			}
			return nil

		case err == nil:
			// Expired row: replace in place.
			if err := tx.Delete(&db.Lock{}, "name = ?", name).Error; err != nil {
				return fmt.Errorf("locks: replace expired: %w", err)
			}

		case !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("locks: acquire lookup: %w", err)
		}

		if err := m.checkQuotaTx(ctx, tx, owner, now); err != nil {
			return err
		}

		lock = db.Lock{
			Name:       name,
			Owner:      owner,
			PID:        pid,
			AcquiredAt: now,
			ExpiresAt:  now + ttl,
			Metadata:   meta,
		}
		if err := tx.Create(&lock).Error; err != nil {
			return fmt.Errorf("locks: insert: %w", err)
		}
		return m.activity.RecordTx(tx, activity.TypeLockAcquire, owner, name, "", nil)
	})
	if err != nil {
		return nil, false, err
	}
	return &lock, refreshed, nil
}

// checkQuotaTx enforces max_locks on fresh acquires. Refreshes never pass
// through here: they do not grow the owner's holdings.
func (m *Manager) checkQuotaTx(ctx context.Context, tx *gorm.DB, owner string, now db.Millis) error {
	if m.quota == nil || owner == "" {
		return nil
	}
	max, known, err := m.quota.LockQuota(ctx, owner)
	if err != nil {
		return fmt.Errorf("locks: quota lookup: %w", err)
	}
	if !known {
		return nil
	}
	var n int64
	err = tx.Model(&db.Lock{}).
		Where("owner = ? AND expires_at > ?", owner, now).
		Count(&n).Error
	if err != nil {
		return fmt.Errorf("locks: quota count: %w", err)
	}
	if n >= int64(max) {
		return fmt.Errorf("%w: %d/%d", ErrQuotaExceeded, n, max)
	}
	return nil
}

// Release drops the named lock. Without force the caller must be the
// current owner. Releasing an expired or missing lock returns ErrNotFound.
func (m *Manager) Release(ctx context.Context, name, owner string, force bool) error {
	now := m.Now()
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing db.Lock
		if err := tx.First(&existing, "name = ?", name).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("locks: release lookup: %w", err)
		}
		if existing.ExpiresAt <= now {
			// Expired rows are vacant; clean up and report not found.
			_ = tx.Delete(&db.Lock{}, "name = ?", name).Error
			return ErrNotFound
		}
		if !force && existing.Owner != owner {
			return fmt.Errorf("%w: %q is held by %q", ErrNotOwner, name, existing.Owner)
		}
		if err := tx.Delete(&db.Lock{}, "name = ?", name).Error; err != nil {
			return fmt.Errorf("locks: release: %w", err)
		}
		return m.activity.RecordTx(tx, activity.TypeLockRelease, owner, name, "", nil)
	})
}

// Extend shifts the lock's expiry to now + ttl. Only the current owner may
// extend, unless force is set.
func (m *Manager) Extend(ctx context.Context, name, owner string, ttl int64, force bool) (*db.Lock, error) {
	if ttl <= 0 || ttl > m.maxTTL {
		return nil, fmt.Errorf("%w: %d", ErrBadTTL, ttl)
	}
	now := m.Now()
	var lock db.Lock
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&lock, "name = ?", name).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("locks: extend lookup: %w", err)
		}
		if lock.ExpiresAt <= now {
			return ErrNotFound
		}
		if !force && lock.Owner != owner {
			return fmt.Errorf("%w: %q is held by %q", ErrNotOwner, name, lock.Owner)
		}
		lock.ExpiresAt = now + ttl
		if err := tx.Save(&lock).Error; err != nil {
			return fmt.Errorf("locks: extend: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &lock, nil
}

// Check returns the live lock row, or nil when the name is vacant.
func (m *Manager) Check(ctx context.Context, name string) (*db.Lock, error) {
	var lock db.Lock
	err := m.db.WithContext(ctx).First(&lock, "name = ? AND expires_at > ?", name, m.Now()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("locks: check: %w", err)
	}
	return &lock, nil
}

// List returns all live locks, optionally filtered by owner.
func (m *Manager) List(ctx context.Context, owner string) ([]db.Lock, error) {
	q := m.db.WithContext(ctx).Where("expires_at > ?", m.Now())
	if owner != "" {
		q = q.Where("owner = ?", owner)
	}
	var locks []db.Lock
	if err := q.Order("name ASC").Find(&locks).Error; err != nil {
		return nil, fmt.Errorf("locks: list: %w", err)
	}
	return locks, nil
}

// CountByOwner returns the number of live locks held by owner. Used for
// quota checks.
func (m *Manager) CountByOwner(ctx context.Context, owner string) (int64, error) {
	var n int64
	err := m.db.WithContext(ctx).Model(&db.Lock{}).
		Where("owner = ? AND expires_at > ?", owner, m.Now()).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("locks: count by owner: %w", err)
	}
	return n, nil
}

// ReleaseByOwnerTx drops every lock held by owner inside the caller's
// transaction. Used by the agent-death cleanup so "agent dead" and "locks
// released" commit atomically. Returns the released names.
func (m *Manager) ReleaseByOwnerTx(tx *gorm.DB, owner string) ([]string, error) {
	var names []string
	if err := tx.Model(&db.Lock{}).Where("owner = ?", owner).Pluck("name", &names).Error; err != nil {
		return nil, fmt.Errorf("locks: release by owner list: %w", err)
	}
	if len(names) == 0 {
		return nil, nil
	}
	if err := tx.Delete(&db.Lock{}, "owner = ?", owner).Error; err != nil {
		return nil, fmt.Errorf("locks: release by owner: %w", err)
	}
	return names, nil
}

// DeleteExpired removes rows past their expiry. Expired rows are already
// treated as vacant everywhere; this just keeps the table tidy.
func (m *Manager) DeleteExpired(ctx context.Context) (int64, error) {
	res := m.db.WithContext(ctx).Where("expires_at <= ?", m.Now()).Delete(&db.Lock{})
	if res.Error != nil {
		return 0, fmt.Errorf("locks: delete expired: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func marshalMeta(metadata map[string]any) (string, error) {
	if len(metadata) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("locks: marshal metadata: %w", err)
	}
	return string(raw), nil
}
