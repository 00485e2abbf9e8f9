package messages

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/erichowens/port-daddy-sub004/internal/activity"
	"github.com/erichowens/port-daddy-sub004/internal/db"
)

func testLog(t *testing.T) (*Log, *int64) {
	t.Helper()
	database, err := db.Open(db.Config{Path: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(database) })

	now := int64(1_000_000)
	audit := activity.New(database, zap.NewNop())
	audit.Now = func() db.Millis { return now }
	l := New(database, zap.NewNop(), audit, Config{ChannelDepth: 5, MaxPayloadSize: 1024}, nil)
	l.Now = func() db.Millis { return now }
	return l, &now
}

func payload(s string) json.RawMessage { return json.RawMessage(s) }

func TestPublishAndGet(t *testing.T) {
	ctx := context.Background()
	l, _ := testLog(t)

	m1, err := l.Publish(ctx, "ch", payload(`{"n":1}`), "alice", nil)
	require.NoError(t, err)
	m2, err := l.Publish(ctx, "ch", payload(`{"n":2}`), "", nil)
	require.NoError(t, err)
	assert.Greater(t, m2.ID, m1.ID)

	msgs, err := l.Get(ctx, "ch", 0, 100)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, `{"n":1}`, msgs[0].Payload)
	assert.Equal(t, "alice", msgs[0].Sender)

	// Cursor resumes after the last seen id with no duplicates.
	msgs, err = l.Get(ctx, "ch", m1.ID, 100)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, m2.ID, msgs[0].ID)

	msgs, err = l.Get(ctx, "ch", m2.ID, 100)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestPublishValidation(t *testing.T) {
	ctx := context.Background()
	l, _ := testLog(t)

	_, err := l.Publish(ctx, "bad channel!", payload(`{}`), "", nil)
	assert.Error(t, err)

	_, err = l.Publish(ctx, "ch", payload(`{not json`), "", nil)
	assert.ErrorIs(t, err, ErrBadPayload)

	big := fmt.Sprintf(`{"x":%q}`, string(make([]byte, 2048)))
	_, err = l.Publish(ctx, "ch", payload(big), "", nil)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestIDsMonotonicPerChannel(t *testing.T) {
	ctx := context.Background()
	l, _ := testLog(t)

	var last int64
	for i := 0; i < 5; i++ {
		ch := "a"
		if i%2 == 1 {
			ch = "b"
		}
		m, err := l.Publish(ctx, ch, payload(`{}`), "", nil)
		require.NoError(t, err)
		assert.Greater(t, m.ID, last)
		last = m.ID
	}
}

func TestDepthTrim(t *testing.T) {
	ctx := context.Background()
	l, _ := testLog(t)

	for i := 1; i <= 8; i++ {
		_, err := l.Publish(ctx, "ch", payload(fmt.Sprintf(`{"n":%d}`, i)), "", nil)
		require.NoError(t, err)
	}

	msgs, err := l.Get(ctx, "ch", 0, 100)
	require.NoError(t, err)
	require.Len(t, msgs, 5)
	// Oldest rows were trimmed first.
	assert.Equal(t, `{"n":4}`, msgs[0].Payload)
}

func TestExpiry(t *testing.T) {
	ctx := context.Background()
	l, now := testLog(t)

	exp := *now + 1_000
	_, err := l.Publish(ctx, "ch", payload(`{"ttl":1}`), "", &exp)
	require.NoError(t, err)
	_, err = l.Publish(ctx, "ch", payload(`{"keep":1}`), "", nil)
	require.NoError(t, err)

	*now += 2_000

	// Expired rows are invisible to readers even before the reaper runs.
	msgs, err := l.Get(ctx, "ch", 0, 100)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, `{"keep":1}`, msgs[0].Payload)

	n, err := l.DeleteExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestPollImmediate(t *testing.T) {
	ctx := context.Background()
	l, _ := testLog(t)

	_, err := l.Publish(ctx, "ch", payload(`{"n":1}`), "", nil)
	require.NoError(t, err)

	msgs, err := l.Poll(ctx, "ch", 0, 100, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestPollWakeup(t *testing.T) {
	ctx := context.Background()
	l, _ := testLog(t)

	done := make(chan []db.Message, 1)
	go func() {
		msgs, err := l.Poll(ctx, "ch", 0, 100, 10*time.Second)
		if err != nil {
			done <- nil
			return
		}
		done <- msgs
	}()

	time.Sleep(50 * time.Millisecond)
	_, err := l.Publish(ctx, "ch", payload(`{"n":1}`), "", nil)
	require.NoError(t, err)

	select {
	case msgs := <-done:
		require.Len(t, msgs, 1)
	case <-time.After(3 * time.Second):
		t.Fatal("poll did not wake after publish")
	}
}

func TestPollTimeout(t *testing.T) {
	ctx := context.Background()
	l, _ := testLog(t)

	start := time.Now()
	msgs, err := l.Poll(ctx, "ch", 0, 100, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestPollClientDisconnect(t *testing.T) {
	l, _ := testLog(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := l.Poll(ctx, "ch", 0, 100, 10*time.Second)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("poll did not observe cancellation")
	}
}

func TestChannelsAndClear(t *testing.T) {
	ctx := context.Background()
	l, now := testLog(t)

	_, err := l.Publish(ctx, "a", payload(`{}`), "", nil)
	require.NoError(t, err)
	*now += 100
	_, err = l.Publish(ctx, "a", payload(`{}`), "", nil)
	require.NoError(t, err)
	_, err = l.Publish(ctx, "b", payload(`{}`), "", nil)
	require.NoError(t, err)

	infos, err := l.Channels(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "a", infos[0].Channel)
	assert.Equal(t, int64(2), infos[0].Count)
	assert.Equal(t, db.Millis(1_000_100), infos[0].LastPublish)

	n, err := l.Clear(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	infos, err = l.Channels(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
}
