// Package conntrack enforces the connection caps on long-poll and streaming
// clients: a global cap per population and a per-origin cap that applies to
// each population independently. It is a pure in-memory counter map guarded
// by a mutex; nothing here blocks.
package conntrack

import (
	"errors"
	"sync"
)

// Kind selects which population a connection belongs to.
type Kind string

const (
	// LongPoll covers /msg/{channel}/poll waiters.
	LongPoll Kind = "long_poll"
	// Stream covers SSE and websocket subscribers.
	Stream Kind = "stream"
)

var (
	// ErrGlobalLimit means the population-wide cap is reached.
	ErrGlobalLimit = errors.New("conntrack: too many open connections")
	// ErrOriginLimit means the per-origin cap is reached.
	ErrOriginLimit = errors.New("conntrack: too many open connections for origin")
)

// Limits carries the configured caps.
type Limits struct {
	MaxLongPoll  int
	MaxStreams   int
	MaxPerOrigin int
}

// Tracker counts open connections. All methods are safe for concurrent use.
type Tracker struct {
	limits Limits

	mu       sync.Mutex
	totals   map[Kind]int
	byOrigin map[Kind]map[string]int
}

// New returns an empty tracker with the given limits.
func New(limits Limits) *Tracker {
	return &Tracker{
		limits: limits,
		totals: make(map[Kind]int),
		byOrigin: map[Kind]map[string]int{
			LongPoll: make(map[string]int),
			Stream:   make(map[string]int),
		},
	}
}

// Acquire registers one connection for origin. On success it returns a
// release function that must be called exactly once when the connection ends,
// on any path — normal close, client drop, timeout, or handler error. The
// release function is idempotent so deferred and explicit calls can coexist.
func (t *Tracker) Acquire(origin string, kind Kind) (release func(), err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.totals[kind] >= t.max(kind) {
		return nil, ErrGlobalLimit
	}
	if t.byOrigin[kind][origin] >= t.limits.MaxPerOrigin {
		return nil, ErrOriginLimit
	}

	t.totals[kind]++
	t.byOrigin[kind][origin]++

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			t.totals[kind]--
			if n := t.byOrigin[kind][origin]; n <= 1 {
				delete(t.byOrigin[kind], origin)
			} else {
				t.byOrigin[kind][origin] = n - 1
			}
		})
	}, nil
}

// Count returns the current population size for kind.
func (t *Tracker) Count(kind Kind) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totals[kind]
}

func (t *Tracker) max(kind Kind) int {
	if kind == LongPoll {
		return t.limits.MaxLongPoll
	}
	return t.limits.MaxStreams
}
