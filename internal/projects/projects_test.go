package projects

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/erichowens/port-daddy-sub004/internal/db"
	"github.com/erichowens/port-daddy-sub004/internal/identity"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	database, err := db.Open(db.Config{Path: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(database) })

	s := New(database, zap.NewNop())
	s.Now = func() db.Millis { return 1_000_000 }
	return s
}

func TestPutCreatesWithDefaults(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	p, err := s.Put(ctx, PutRequest{ID: "myapp", Root: "/src/myapp", Type: "node"})
	require.NoError(t, err)
	assert.Equal(t, "{}", p.Config)
	assert.Equal(t, "[]", p.Services)
	assert.Equal(t, db.Millis(1_000_000), p.CreatedAt)
	assert.Nil(t, p.LastScanned)
}

func TestPutUpdatesKeepUnsetFields(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	_, err := s.Put(ctx, PutRequest{
		ID:       "myapp",
		Root:     "/src/myapp",
		Config:   `{"port":3100}`,
		Services: `[{"name":"api"}]`,
	})
	require.NoError(t, err)

	scanned := db.Millis(2_000_000)
	p, err := s.Put(ctx, PutRequest{ID: "myapp", LastScanned: &scanned})
	require.NoError(t, err)
	assert.Equal(t, "/src/myapp", p.Root)
	assert.Equal(t, `{"port":3100}`, p.Config)
	assert.Equal(t, `[{"name":"api"}]`, p.Services)
	require.NotNil(t, p.LastScanned)
	assert.Equal(t, scanned, *p.LastScanned)
}

func TestPutRejectsBadID(t *testing.T) {
	_, err := testStore(t).Put(context.Background(), PutRequest{ID: "my app!"})
	assert.ErrorIs(t, err, identity.ErrInvalid)
}

func TestGetListDelete(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	_, err := s.Put(ctx, PutRequest{ID: "beta"})
	require.NoError(t, err)
	_, err = s.Put(ctx, PutRequest{ID: "alpha"})
	require.NoError(t, err)

	p, err := s.Get(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, "alpha", p.ID)

	_, err = s.Get(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "alpha", all[0].ID)

	require.NoError(t, s.Delete(ctx, "alpha"))
	assert.ErrorIs(t, s.Delete(ctx, "alpha"), ErrNotFound)
}
