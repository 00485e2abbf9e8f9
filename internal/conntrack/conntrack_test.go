package conntrack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker() *Tracker {
	return New(Limits{MaxLongPoll: 3, MaxStreams: 2, MaxPerOrigin: 2})
}

func TestAcquireAndRelease(t *testing.T) {
	tr := newTestTracker()

	rel1, err := tr.Acquire("a", LongPoll)
	require.NoError(t, err)
	rel2, err := tr.Acquire("a", LongPoll)
	require.NoError(t, err)
	assert.Equal(t, 2, tr.Count(LongPoll))

	// Third from the same origin hits the per-origin cap.
	_, err = tr.Acquire("a", LongPoll)
	assert.ErrorIs(t, err, ErrOriginLimit)

	// A different origin still fits under the global cap.
	rel3, err := tr.Acquire("b", LongPoll)
	require.NoError(t, err)

	// Global cap reached.
	_, err = tr.Acquire("c", LongPoll)
	assert.ErrorIs(t, err, ErrGlobalLimit)

	rel1()
	rel2()
	rel3()
	assert.Equal(t, 0, tr.Count(LongPoll))
}

func TestPopulationsAreIndependent(t *testing.T) {
	tr := newTestTracker()

	relA, err := tr.Acquire("a", LongPoll)
	require.NoError(t, err)
	relB, err := tr.Acquire("a", Stream)
	require.NoError(t, err)

	assert.Equal(t, 1, tr.Count(LongPoll))
	assert.Equal(t, 1, tr.Count(Stream))

	relA()
	relB()
}

func TestStreamGlobalCap(t *testing.T) {
	tr := newTestTracker()

	_, err := tr.Acquire("a", Stream)
	require.NoError(t, err)
	_, err = tr.Acquire("b", Stream)
	require.NoError(t, err)
	_, err = tr.Acquire("c", Stream)
	assert.ErrorIs(t, err, ErrGlobalLimit)
}

func TestReleaseIsIdempotent(t *testing.T) {
	tr := newTestTracker()

	rel, err := tr.Acquire("a", Stream)
	require.NoError(t, err)
	rel()
	rel()
	assert.Equal(t, 0, tr.Count(Stream))

	// The double release must not have corrupted the counters.
	_, err = tr.Acquire("a", Stream)
	require.NoError(t, err)
	assert.Equal(t, 1, tr.Count(Stream))
}
