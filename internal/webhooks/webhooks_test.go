package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

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
	m := New(database, zap.NewNop(), audit, Config{
		MaxAttempts: 3,
		Timeout:     2 * time.Second,
		BackoffBase: time.Second,
		BackoffMax:  time.Minute,
	})
	m.Now = func() db.Millis { return now }
	m.lookup = staticLookup("93.184.216.34")
	return m, &now
}

// insertSub bypasses the SSRF guard so deliveries can target an httptest
// server on loopback.
func insertSub(t *testing.T, m *Manager, url, events, secret, filter string) *db.WebhookSubscription {
	t.Helper()
	sub := &db.WebhookSubscription{
		URL:       url,
		Events:    events,
		Secret:    secret,
		Filter:    filter,
		Active:    true,
		CreatedAt: m.Now(),
		Metadata:  "{}",
	}
	require.NoError(t, m.db.Create(sub).Error)
	return sub
}

func TestSubscribeLifecycle(t *testing.T) {
	ctx := context.Background()
	m, _ := testManager(t)

	_, err := m.Subscribe(ctx, SubscribeRequest{URL: "http://10.0.0.5/hook"})
	assert.ErrorIs(t, err, ErrBlockedURL)

	sub, err := m.Subscribe(ctx, SubscribeRequest{URL: "https://hooks.example/hook"})
	require.NoError(t, err)
	assert.NotEmpty(t, sub.ID)
	assert.Equal(t, `["*"]`, sub.Events)
	assert.True(t, sub.Active)

	inactive := false
	updated, err := m.Update(ctx, sub.ID, UpdateRequest{
		Events: []string{"service.claim"},
		Active: &inactive,
	})
	require.NoError(t, err)
	assert.Equal(t, `["service.claim"]`, updated.Events)
	assert.False(t, updated.Active)

	// An update cannot smuggle in a blocked URL.
	bad := "http://169.254.169.254/hook"
	_, err = m.Update(ctx, sub.ID, UpdateRequest{URL: &bad})
	assert.ErrorIs(t, err, ErrBlockedURL)

	subs, err := m.List(ctx)
	require.NoError(t, err)
	assert.Len(t, subs, 1)

	require.NoError(t, m.Delete(ctx, sub.ID))
	_, err = m.Get(ctx, sub.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, m.Delete(ctx, sub.ID), ErrNotFound)
}

func TestEmitMatchesEventsAndFilter(t *testing.T) {
	ctx := context.Background()
	m, _ := testManager(t)

	all := insertSub(t, m, "http://hooks.example/a", `["*"]`, "", "")
	claims := insertSub(t, m, "http://hooks.example/b", `["service.claim"]`, "", "")
	filtered := insertSub(t, m, "http://hooks.example/c", `["*"]`, "", "myapp:*")
	inactive := insertSub(t, m, "http://hooks.example/d", `["*"]`, "", "")
	require.NoError(t, m.db.Model(inactive).Update("active", false).Error)

	m.Emit(ctx, "service.claim", "myapp:api", map[string]any{"port": 3100})
	m.Emit(ctx, "lock.acquire", "other", nil)

	count := func(subID string) int64 {
		var n int64
		require.NoError(t, m.db.Model(&db.WebhookDelivery{}).
			Where("subscription_id = ?", subID).Count(&n).Error)
		return n
	}
	assert.Equal(t, int64(2), count(all.ID))
	assert.Equal(t, int64(1), count(claims.ID))
	assert.Equal(t, int64(1), count(filtered.ID))
	assert.Zero(t, count(inactive.ID))

	var row db.WebhookDelivery
	require.NoError(t, m.db.First(&row, "subscription_id = ?", claims.ID).Error)
	var payload wirePayload
	require.NoError(t, json.Unmarshal([]byte(row.Payload), &payload))
	assert.Equal(t, "service.claim", payload.Event)
	assert.Equal(t, "myapp:api", payload.TargetID)
	assert.Equal(t, float64(3100), payload.Data["port"])
}

func TestDeliverSignsPayload(t *testing.T) {
	ctx := context.Background()
	m, _ := testManager(t)

	var gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sub := insertSub(t, m, srv.URL, `["*"]`, "s3cret", "")
	row, err := m.Test(ctx, sub.ID)
	require.NoError(t, err)
	assert.True(t, row.Done)
	assert.True(t, row.Success)
	assert.Equal(t, http.StatusOK, row.StatusCode)
	assert.Equal(t, 1, row.Attempts)

	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(gotBody)
	assert.Equal(t, "sha256="+hex.EncodeToString(mac.Sum(nil)), gotSig)
}

func TestDeliverRetriesWithBackoff(t *testing.T) {
	ctx := context.Background()
	m, now := testManager(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sub := insertSub(t, m, srv.URL, `["*"]`, "", "")
	m.Emit(ctx, "service.claim", "svc", nil)

	var row db.WebhookDelivery
	require.NoError(t, m.db.First(&row, "subscription_id = ?", sub.ID).Error)

	// Attempt 1: schedule retry at base backoff.
	m.deliver(ctx, row.ID)
	got, err := m.delivery(ctx, row.ID)
	require.NoError(t, err)
	assert.False(t, got.Done)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.NextRetryAt)
	assert.Equal(t, db.Millis(*now+1_000), *got.NextRetryAt)

	// Attempt 2: backoff doubles.
	m.deliver(ctx, row.ID)
	got, err = m.delivery(ctx, row.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRetryAt)
	assert.Equal(t, db.Millis(*now+2_000), *got.NextRetryAt)

	// Attempt 3 exhausts the budget.
	m.deliver(ctx, row.ID)
	got, err = m.delivery(ctx, row.ID)
	require.NoError(t, err)
	assert.True(t, got.Done)
	assert.False(t, got.Success)
	assert.Equal(t, http.StatusInternalServerError, got.StatusCode)
	assert.Nil(t, got.NextRetryAt)
}

func TestRescheduleAndTrim(t *testing.T) {
	ctx := context.Background()
	m, now := testManager(t)

	sub := insertSub(t, m, "http://hooks.example/x", `["*"]`, "", "")
	retryAt := db.Millis(*now + 60_000)
	pendingLater := db.WebhookDelivery{SubscriptionID: sub.ID, Event: "e", Payload: "{}", Timestamp: *now, NextRetryAt: &retryAt}
	pendingNow := db.WebhookDelivery{SubscriptionID: sub.ID, Event: "e", Payload: "{}", Timestamp: *now}
	doneOld := db.WebhookDelivery{SubscriptionID: sub.ID, Event: "e", Payload: "{}", Timestamp: *now - 100_000, Done: true, Success: true}
	require.NoError(t, m.db.Create(&pendingLater).Error)
	require.NoError(t, m.db.Create(&pendingNow).Error)
	require.NoError(t, m.db.Create(&doneOld).Error)

	// Only the elapsed (or never-scheduled) pending row requeues.
	n, err := m.Reschedule(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	select {
	case id := <-m.queue:
		assert.Equal(t, pendingNow.ID, id)
	default:
		t.Fatal("expected a queued delivery")
	}

	// Trim removes finished rows past retention, never pending ones.
	deleted, err := m.TrimDeliveries(ctx, 50_000)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	var left int64
	require.NoError(t, m.db.Model(&db.WebhookDelivery{}).Count(&left).Error)
	assert.Equal(t, int64(2), left)
}

func TestWorkersDrainQueue(t *testing.T) {
	ctx := context.Background()
	m, _ := testManager(t)

	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		select {
		case done <- struct{}{}:
		default:
		}
	}))
	defer srv.Close()

	insertSub(t, m, srv.URL, `["*"]`, "", "")
	m.Start(ctx)
	defer m.Stop()

	m.Emit(ctx, "service.claim", "svc", nil)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("delivery never arrived")
	}
}
