package activity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/erichowens/port-daddy-sub004/internal/db"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	database, err := db.Open(db.Config{Path: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(database) })
	return database
}

func testLog(t *testing.T) (*Log, *int64) {
	t.Helper()
	now := int64(1_000_000)
	l := New(testDB(t), zap.NewNop())
	l.Now = func() db.Millis { return now }
	return l, &now
}

func TestRecordAndRecent(t *testing.T) {
	ctx := context.Background()
	l, now := testLog(t)

	l.Record(ctx, TypeServiceClaim, "agent-1", "myapp:api:main", "claimed port 3100", map[string]any{"port": 3100})
	*now += 10
	l.Record(ctx, TypeLockAcquire, "agent-2", "build", "", nil)

	entries, err := l.Recent(ctx, RecentOptions{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// Newest first.
	assert.Equal(t, TypeLockAcquire, entries[0].Type)
	assert.Equal(t, TypeServiceClaim, entries[1].Type)
	assert.JSONEq(t, `{"port":3100}`, entries[1].Metadata)

	byType, err := l.Recent(ctx, RecentOptions{Type: TypeServiceClaim})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, "myapp:api:main", byType[0].TargetID)

	byAgent, err := l.Recent(ctx, RecentOptions{AgentID: "agent-2"})
	require.NoError(t, err)
	require.Len(t, byAgent, 1)

	byTarget, err := l.Recent(ctx, RecentOptions{TargetPattern: "myapp:*"})
	require.NoError(t, err)
	require.Len(t, byTarget, 1)
}

func TestRange(t *testing.T) {
	ctx := context.Background()
	l, now := testLog(t)

	for i := 0; i < 5; i++ {
		l.Record(ctx, TypeMessagePublish, "", "ch", "", nil)
		*now += 100
	}

	entries, err := l.Range(ctx, 1_000_100, 1_000_300, 100)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// Oldest first within the range.
	assert.Equal(t, db.Millis(1_000_100), entries[0].Timestamp)
	assert.Equal(t, db.Millis(1_000_200), entries[1].Timestamp)
}

func TestSummaryAndStats(t *testing.T) {
	ctx := context.Background()
	l, now := testLog(t)

	l.Record(ctx, TypeServiceClaim, "", "a", "", nil)
	l.Record(ctx, TypeServiceClaim, "", "b", "", nil)
	*now += 50
	l.Record(ctx, TypeServiceRelease, "", "a", "", nil)

	counts, err := l.Summary(ctx, 0)
	require.NoError(t, err)
	require.Len(t, counts, 2)
	assert.Equal(t, TypeServiceClaim, counts[0].Type)
	assert.Equal(t, int64(2), counts[0].Count)

	stats, err := l.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, db.Millis(1_000_000), stats.Oldest)
	assert.Equal(t, db.Millis(1_000_050), stats.Newest)
}

func TestTrim(t *testing.T) {
	ctx := context.Background()
	l, now := testLog(t)

	for i := 0; i < 10; i++ {
		l.Record(ctx, TypeMessagePublish, "", "", "", nil)
		*now += 10
	}

	// Retention removes the first 5 entries (older than now-50).
	deleted, err := l.Trim(ctx, 50, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(5), deleted)

	// Row cap removes the oldest of the remainder.
	deleted, err = l.Trim(ctx, 1_000_000, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)

	stats, err := l.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Total)
}
