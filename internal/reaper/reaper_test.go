package reaper

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/erichowens/port-daddy-sub004/internal/activity"
	"github.com/erichowens/port-daddy-sub004/internal/agents"
	"github.com/erichowens/port-daddy-sub004/internal/db"
	"github.com/erichowens/port-daddy-sub004/internal/locks"
	"github.com/erichowens/port-daddy-sub004/internal/messages"
	"github.com/erichowens/port-daddy-sub004/internal/osprobe"
	"github.com/erichowens/port-daddy-sub004/internal/services"
	"github.com/erichowens/port-daddy-sub004/internal/sessions"
	"github.com/erichowens/port-daddy-sub004/internal/webhooks"
)

type fakeProbe struct {
	alive map[int]bool
}

func (f *fakeProbe) Alive(_ context.Context, pid int) bool          { return f.alive[pid] }
func (f *fakeProbe) Listeners(_ context.Context) []osprobe.Listener { return nil }
func (f *fakeProbe) Refresh()                                       {}

type fixture struct {
	reaper   *Reaper
	services *services.Registry
	locks    *locks.Manager
	messages *messages.Log
	agents   *agents.Registry
	sessions *sessions.Manager
	webhooks *webhooks.Manager
	audit    *activity.Log
	probe    *fakeProbe
	now      *int64
}

func newFixture(t *testing.T) (*fixture, func() db.Millis) {
	t.Helper()
	database, err := db.Open(db.Config{Path: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(database) })

	now := int64(10_000_000)
	clock := func() db.Millis { return now }
	nop := zap.NewNop()
	probe := &fakeProbe{alive: map[int]bool{}}

	audit := activity.New(database, nop)
	audit.Now = clock
	svc := services.New(database, nop, probe, audit, services.PortConfig{
		RangeStart: 3100, RangeEnd: 3110, Reserved: map[int]bool{},
	}, nil, nil)
	svc.Now = clock
	lck := locks.New(database, nop, audit, 30*24*60*60*1000)
	lck.Now = clock
	msg := messages.New(database, nop, audit, messages.Config{
		ChannelDepth: 3, MaxPayloadSize: 1024,
	}, nil)
	msg.Now = clock
	sess := sessions.New(database, nop, audit, true)
	sess.Now = clock
	hooks := webhooks.New(database, nop, audit, webhooks.Config{})
	hooks.Now = clock
	agt := agents.New(database, nop, audit, probe, agents.Config{
		StaleThresholdMS: 5 * 60 * 1000,
		DeadThresholdMS:  15 * 60 * 1000,
		MaxServices:      10,
		MaxLocks:         20,
	}, svc, lck, sess, nil)
	agt.Now = clock

	r, err := New(nop, Config{
		Interval:            time.Minute,
		ActivityRetentionMS: 24 * 60 * 60 * 1000,
		ActivityMaxRows:     10000,
		NoteRetentionMS:     24 * 60 * 60 * 1000,
		DeliveryRetentionMS: 60 * 60 * 1000,
	}, svc, lck, msg, agt, audit, hooks, sess)
	require.NoError(t, err)

	f := &fixture{
		reaper: r, services: svc, locks: lck, messages: msg,
		agents: agt, sessions: sess, webhooks: hooks, audit: audit, probe: probe,
		now: &now,
	}
	return f, clock
}

func TestRunPassReleasesExpiredServices(t *testing.T) {
	ctx := context.Background()
	f, _ := newFixture(t)
	f.probe.alive[42] = true

	expiry := db.Millis(*f.now + 1_000)
	_, err := f.services.Claim(ctx, services.ClaimRequest{ID: "myapp:api", PID: 42, ExpiresAt: &expiry})
	require.NoError(t, err)
	_, err = f.services.Claim(ctx, services.ClaimRequest{ID: "myapp:web", PID: 42})
	require.NoError(t, err)

	*f.now += 2_000
	summary, err := f.reaper.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"myapp:api"}, summary.ServicesReleased)

	left, err := f.services.List(ctx, services.FindOptions{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "myapp:web", left[0].ID)
}

func TestRunPassExpiresMessagesAndTrimsDepth(t *testing.T) {
	ctx := context.Background()
	f, _ := newFixture(t)

	expired := db.Millis(*f.now + 500)
	_, err := f.messages.Publish(ctx, "builds", json.RawMessage(`{"n":0}`), "", &expired)
	require.NoError(t, err)
	for i := 1; i <= 4; i++ {
		_, err := f.messages.Publish(ctx, "deploys", json.RawMessage(`{"n":1}`), "", nil)
		require.NoError(t, err)
	}

	*f.now += 1_000
	summary, err := f.reaper.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.MessagesDeleted)

	// Depth cap is 3; the oldest deploys row is trimmed.
	msgs, err := f.messages.Get(ctx, "deploys", 0, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 3)
}

func TestRunPassReapsDeadAgents(t *testing.T) {
	ctx := context.Background()
	f, _ := newFixture(t)
	f.probe.alive[42] = true

	_, err := f.agents.Register(ctx, agents.RegisterRequest{ID: "a1", PID: 42})
	require.NoError(t, err)
	_, err = f.services.Claim(ctx, services.ClaimRequest{ID: "myapp:api", AgentID: "a1", PID: 42})
	require.NoError(t, err)

	f.probe.alive[42] = false
	*f.now += 6 * 60 * 1000

	summary, err := f.reaper.RunPass(ctx)
	require.NoError(t, err)
	// The services step already released the dead PID's port, so the agent
	// step finds nothing left to free but still reaps the agent itself.
	assert.Contains(t, summary.ServicesReleased, "myapp:api")
	assert.Equal(t, []string{"a1"}, summary.AgentsReaped)

	pending, err := f.agents.PendingResurrections(ctx, "")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestRunPassTrimsHistory(t *testing.T) {
	ctx := context.Background()
	f, _ := newFixture(t)

	// Old activity beyond the 24 h retention window.
	f.audit.Record(ctx, activity.TypeMessagePublish, "", "old", "", nil)
	*f.now += 25 * 60 * 60 * 1000
	f.audit.Record(ctx, activity.TypeMessagePublish, "", "new", "", nil)

	summary, err := f.reaper.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.ActivityTrimmed)
}

func TestRunPassExpiresLocks(t *testing.T) {
	ctx := context.Background()
	f, _ := newFixture(t)

	_, _, err := f.locks.Acquire(ctx, "short", "a1", 0, 1_000, nil)
	require.NoError(t, err)
	_, _, err = f.locks.Acquire(ctx, "long", "a1", 0, 60_000, nil)
	require.NoError(t, err)

	*f.now += 2_000
	summary, err := f.reaper.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.LocksExpired)
}

func TestStartStop(t *testing.T) {
	f, _ := newFixture(t)
	require.NoError(t, f.reaper.Start())
	require.NoError(t, f.reaper.Stop())
}
