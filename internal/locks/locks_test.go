package locks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/erichowens/port-daddy-sub004/internal/activity"
	"github.com/erichowens/port-daddy-sub004/internal/db"
)

func testManager(t *testing.T) (*Manager, *int64) {
	t.Helper()
	database, err := db.Open(db.Config{Path: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(database) })

	now := int64(1_000_000)
	audit := activity.New(database, zap.NewNop())
	audit.Now = func() db.Millis { return now }
	m := New(database, zap.NewNop(), audit, 30*24*60*60*1000)
	m.Now = func() db.Millis { return now }
	return m, &now
}

func TestAcquireAndConflict(t *testing.T) {
	ctx := context.Background()
	m, _ := testManager(t)

	lock, refreshed, err := m.Acquire(ctx, "build", "agent-1", 100, 60_000, nil)
	require.NoError(t, err)
	assert.False(t, refreshed)
	assert.Equal(t, db.Millis(1_060_000), lock.ExpiresAt)

	// A different owner conflicts and learns who holds the lock.
	_, _, err = m.Acquire(ctx, "build", "agent-2", 200, 60_000, nil)
	var held *HeldError
	require.ErrorAs(t, err, &held)
	assert.Equal(t, "agent-1", held.Owner)
	assert.Equal(t, db.Millis(1_060_000), held.ExpiresAt)
}

func TestAcquireSameOwnerRefreshes(t *testing.T) {
	ctx := context.Background()
	m, now := testManager(t)

	_, _, err := m.Acquire(ctx, "build", "agent-1", 100, 60_000, nil)
	require.NoError(t, err)

	*now += 30_000
	lock, refreshed, err := m.Acquire(ctx, "build", "agent-1", 100, 60_000, nil)
	require.NoError(t, err)
	assert.True(t, refreshed)
	assert.Equal(t, db.Millis(1_090_000), lock.ExpiresAt)
}

func TestAcquireReplacesExpired(t *testing.T) {
	ctx := context.Background()
	m, now := testManager(t)

	_, _, err := m.Acquire(ctx, "build", "agent-1", 100, 1_000, nil)
	require.NoError(t, err)

	*now += 2_000
	lock, refreshed, err := m.Acquire(ctx, "build", "agent-2", 200, 60_000, nil)
	require.NoError(t, err)
	assert.False(t, refreshed)
	assert.Equal(t, "agent-2", lock.Owner)
}

func TestAcquireValidation(t *testing.T) {
	ctx := context.Background()
	m, _ := testManager(t)

	_, _, err := m.Acquire(ctx, "bad name!", "o", 0, 1000, nil)
	assert.Error(t, err)

	_, _, err = m.Acquire(ctx, "ok", "o", 0, 0, nil)
	assert.ErrorIs(t, err, ErrBadTTL)

	_, _, err = m.Acquire(ctx, "ok", "o", 0, 90*24*60*60*1000, nil)
	assert.ErrorIs(t, err, ErrBadTTL)

	_, _, err = m.Acquire(ctx, "ok", "", 0, 1000, nil)
	assert.Error(t, err)
}

type fixedQuota int

func (q fixedQuota) LockQuota(_ context.Context, _ string) (int, bool, error) {
	return int(q), true, nil
}

func TestAcquireQuota(t *testing.T) {
	ctx := context.Background()
	m, now := testManager(t)
	m.SetQuota(fixedQuota(2))

	_, _, err := m.Acquire(ctx, "a", "o1", 0, 60_000, nil)
	require.NoError(t, err)
	_, _, err = m.Acquire(ctx, "b", "o1", 0, 60_000, nil)
	require.NoError(t, err)

	_, _, err = m.Acquire(ctx, "c", "o1", 0, 60_000, nil)
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	// A refresh is not a new holding and passes at the cap.
	_, refreshed, err := m.Acquire(ctx, "a", "o1", 0, 60_000, nil)
	require.NoError(t, err)
	assert.True(t, refreshed)

	// Expired rows no longer count.
	*now += 120_000
	_, _, err = m.Acquire(ctx, "c", "o1", 0, 60_000, nil)
	require.NoError(t, err)
}

func TestReleaseOwnershipAndForce(t *testing.T) {
	ctx := context.Background()
	m, _ := testManager(t)

	_, _, err := m.Acquire(ctx, "build", "agent-1", 0, 60_000, nil)
	require.NoError(t, err)

	err = m.Release(ctx, "build", "agent-2", false)
	assert.ErrorIs(t, err, ErrNotOwner)

	require.NoError(t, m.Release(ctx, "build", "agent-2", true))

	// After a force release the name is vacant again.
	lock, err := m.Check(ctx, "build")
	require.NoError(t, err)
	assert.Nil(t, lock)

	err = m.Release(ctx, "build", "agent-1", false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExtend(t *testing.T) {
	ctx := context.Background()
	m, now := testManager(t)

	_, _, err := m.Acquire(ctx, "build", "agent-1", 0, 10_000, nil)
	require.NoError(t, err)

	*now += 5_000
	lock, err := m.Extend(ctx, "build", "agent-1", 60_000, false)
	require.NoError(t, err)
	assert.Equal(t, db.Millis(1_065_000), lock.ExpiresAt)

	_, err = m.Extend(ctx, "build", "agent-2", 60_000, false)
	assert.ErrorIs(t, err, ErrNotOwner)

	_, err = m.Extend(ctx, "missing", "agent-1", 60_000, false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAtMostOneLiveLockPerName(t *testing.T) {
	ctx := context.Background()
	m, _ := testManager(t)

	_, _, err := m.Acquire(ctx, "a", "o1", 0, 60_000, nil)
	require.NoError(t, err)
	_, _, err = m.Acquire(ctx, "a", "o2", 0, 60_000, nil)
	require.Error(t, err)

	locks, err := m.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, "o1", locks[0].Owner)
}

func TestListAndCountByOwner(t *testing.T) {
	ctx := context.Background()
	m, now := testManager(t)

	_, _, err := m.Acquire(ctx, "a", "o1", 0, 60_000, nil)
	require.NoError(t, err)
	_, _, err = m.Acquire(ctx, "b", "o1", 0, 1_000, nil)
	require.NoError(t, err)
	_, _, err = m.Acquire(ctx, "c", "o2", 0, 60_000, nil)
	require.NoError(t, err)

	// Expire "b".
	*now += 2_000

	locks, err := m.List(ctx, "o1")
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, "a", locks[0].Name)

	n, err := m.CountByOwner(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestReleaseByOwnerTx(t *testing.T) {
	ctx := context.Background()
	m, _ := testManager(t)

	_, _, err := m.Acquire(ctx, "a", "o1", 0, 60_000, nil)
	require.NoError(t, err)
	_, _, err = m.Acquire(ctx, "b", "o1", 0, 60_000, nil)
	require.NoError(t, err)

	names, err := m.ReleaseByOwnerTx(m.db, "o1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, names)

	n, err := m.CountByOwner(ctx, "o1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDeleteExpired(t *testing.T) {
	ctx := context.Background()
	m, now := testManager(t)

	_, _, err := m.Acquire(ctx, "a", "o1", 0, 1_000, nil)
	require.NoError(t, err)
	_, _, err = m.Acquire(ctx, "b", "o1", 0, 60_000, nil)
	require.NoError(t, err)

	*now += 2_000
	n, err := m.DeleteExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
