package sessions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

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
	m := New(database, zap.NewNop(), audit, true)
	m.Now = func() db.Millis { return now }
	return m, &now
}

func TestStartAndGet(t *testing.T) {
	ctx := context.Background()
	m, _ := testManager(t)

	s, err := m.Start(ctx, StartRequest{Purpose: "refactor auth", AgentID: "a1"})
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, "active", s.Status)

	got, err := m.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "refactor auth", got.Purpose)

	_, err = m.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.Start(ctx, StartRequest{Purpose: ""})
	assert.ErrorIs(t, err, ErrEmptyPurpose)
}

func TestSingleActiveSessionPerAgent(t *testing.T) {
	ctx := context.Background()
	m, _ := testManager(t)

	_, err := m.Start(ctx, StartRequest{Purpose: "one", AgentID: "a1"})
	require.NoError(t, err)

	_, err = m.Start(ctx, StartRequest{Purpose: "two", AgentID: "a1"})
	assert.ErrorIs(t, err, ErrActiveExists)

	// A different agent is unaffected.
	_, err = m.Start(ctx, StartRequest{Purpose: "two", AgentID: "a2"})
	require.NoError(t, err)
}

func TestFileClaimConflicts(t *testing.T) {
	ctx := context.Background()
	m, _ := testManager(t)

	s1, err := m.Start(ctx, StartRequest{Purpose: "p1", AgentID: "a1", Files: []string{"src/a.go", "src/b.go"}})
	require.NoError(t, err)

	// Overlap without force is a conflict carrying the offending paths.
	_, err = m.Start(ctx, StartRequest{Purpose: "p2", AgentID: "a2", Files: []string{"src/b.go"}})
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Len(t, conflict.Conflicts, 1)
	assert.Equal(t, "src/b.go", conflict.Conflicts[0].Path)
	assert.Equal(t, s1.ID, conflict.Conflicts[0].SessionID)

	// Force records the overlapping claim anyway.
	s2, err := m.Start(ctx, StartRequest{Purpose: "p2", AgentID: "a2", Files: []string{"src/b.go"}, Force: true})
	require.NoError(t, err)

	files, err := m.Files(ctx, s2.ID)
	require.NoError(t, err)
	require.Len(t, files, 1)
}

func TestUpdateReleasesClaims(t *testing.T) {
	ctx := context.Background()
	m, now := testManager(t)

	s, err := m.Start(ctx, StartRequest{Purpose: "p", AgentID: "a1", Files: []string{"x.go"}})
	require.NoError(t, err)

	*now += 1_000
	updated, err := m.Update(ctx, s.ID, "completed")
	require.NoError(t, err)
	assert.Equal(t, "completed", updated.Status)
	require.NotNil(t, updated.CompletedAt)

	files, err := m.Files(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.NotNil(t, files[0].ReleasedAt)
	assert.Equal(t, db.Millis(1_001_000), *files[0].ReleasedAt)

	// Terminal transitions are terminal.
	_, err = m.Update(ctx, s.ID, "abandoned")
	assert.ErrorIs(t, err, ErrNotActive)

	// Released paths no longer conflict.
	_, err = m.Start(ctx, StartRequest{Purpose: "p2", AgentID: "a2", Files: []string{"x.go"}})
	require.NoError(t, err)

	_, err = m.Update(ctx, s.ID, "bogus")
	assert.ErrorIs(t, err, ErrBadStatus)
}

func TestNotesLifecycle(t *testing.T) {
	ctx := context.Background()
	m, _ := testManager(t)

	s, err := m.Start(ctx, StartRequest{Purpose: "p", AgentID: "a1"})
	require.NoError(t, err)

	_, err = m.AddNote(ctx, s.ID, "first", "")
	require.NoError(t, err)
	n2, err := m.AddNote(ctx, s.ID, "second", "decision")
	require.NoError(t, err)
	assert.Equal(t, "decision", n2.Type)

	notes, err := m.Notes(ctx, s.ID, 0)
	require.NoError(t, err)
	require.Len(t, notes, 2)
	assert.Equal(t, "first", notes[0].Content)
	assert.Equal(t, "note", notes[0].Type)

	// Completed sessions refuse new notes.
	_, err = m.Update(ctx, s.ID, "completed")
	require.NoError(t, err)
	_, err = m.AddNote(ctx, s.ID, "late", "")
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestQuickNoteCreatesImplicitSession(t *testing.T) {
	ctx := context.Background()
	m, _ := testManager(t)

	note, err := m.QuickNote(ctx, "a1", "remember this", "")
	require.NoError(t, err)
	assert.NotEmpty(t, note.SessionID)

	// A second quick note reuses the implicit session.
	note2, err := m.QuickNote(ctx, "a1", "and this", "")
	require.NoError(t, err)
	assert.Equal(t, note.SessionID, note2.SessionID)

	recent, err := m.RecentNotes(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	// Newest first.
	assert.Equal(t, "and this", recent[0].Content)
}

func TestDeleteCascades(t *testing.T) {
	ctx := context.Background()
	m, _ := testManager(t)

	s, err := m.Start(ctx, StartRequest{Purpose: "p", AgentID: "a1", Files: []string{"a.go"}})
	require.NoError(t, err)
	_, err = m.AddNote(ctx, s.ID, "n", "")
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, s.ID))

	_, err = m.Get(ctx, s.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	var notes, files int64
	require.NoError(t, m.db.Model(&db.SessionNote{}).Where("session_id = ?", s.ID).Count(&notes).Error)
	require.NoError(t, m.db.Model(&db.SessionFile{}).Where("session_id = ?", s.ID).Count(&files).Error)
	assert.Zero(t, notes)
	assert.Zero(t, files)

	assert.ErrorIs(t, m.Delete(ctx, "missing"), ErrNotFound)
}

func TestClaimAndReleaseFiles(t *testing.T) {
	ctx := context.Background()
	m, _ := testManager(t)

	s, err := m.Start(ctx, StartRequest{Purpose: "p", AgentID: "a1"})
	require.NoError(t, err)

	require.NoError(t, m.ClaimFiles(ctx, s.ID, []string{"a.go", "b.go"}, false))
	require.NoError(t, m.ReleaseFiles(ctx, s.ID, []string{"a.go"}))

	files, err := m.Files(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, files, 2)

	open := 0
	for _, f := range files {
		if f.ReleasedAt == nil {
			open++
		}
	}
	assert.Equal(t, 1, open)

	// A released path can be reclaimed by another session.
	s2, err := m.Start(ctx, StartRequest{Purpose: "p2", AgentID: "a2"})
	require.NoError(t, err)
	require.NoError(t, m.ClaimFiles(ctx, s2.ID, []string{"a.go"}, false))

	// But the still-open one conflicts.
	err = m.ClaimFiles(ctx, s2.ID, []string{"b.go"}, false)
	var conflict *ConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestAbandonActiveTx(t *testing.T) {
	ctx := context.Background()
	m, _ := testManager(t)

	s, err := m.Start(ctx, StartRequest{Purpose: "p", AgentID: "a1", Files: []string{"a.go"}})
	require.NoError(t, err)
	_, err = m.AddNote(ctx, s.ID, "progress so far", "")
	require.NoError(t, err)

	var sessionID string
	var notes []string
	err = m.db.Transaction(func(tx *gorm.DB) error {
		var txErr error
		sessionID, notes, txErr = m.AbandonActiveTx(tx, "a1", m.Now())
		return txErr
	})
	require.NoError(t, err)
	assert.Equal(t, s.ID, sessionID)
	assert.Equal(t, []string{"progress so far"}, notes)

	got, err := m.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "abandoned", got.Status)
}

func TestTrimNotes(t *testing.T) {
	ctx := context.Background()
	m, now := testManager(t)

	s, err := m.Start(ctx, StartRequest{Purpose: "p", AgentID: "a1"})
	require.NoError(t, err)
	_, err = m.AddNote(ctx, s.ID, "old", "")
	require.NoError(t, err)

	active, err := m.Start(ctx, StartRequest{Purpose: "p", AgentID: "a2"})
	require.NoError(t, err)
	_, err = m.AddNote(ctx, active.ID, "old but active", "")
	require.NoError(t, err)

	_, err = m.Update(ctx, s.ID, "completed")
	require.NoError(t, err)

	*now += 100_000
	deleted, err := m.TrimNotes(ctx, 50_000)
	require.NoError(t, err)
	// Only the completed session's note is trimmed.
	assert.Equal(t, int64(1), deleted)
}
