package scopelock

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeWaiter records activations; Activate tolerates repeats the way the
// real transaction does.
type fakeWaiter struct {
	scope     []string
	active    bool
	activated int
}

func (f *fakeWaiter) Scope() []string { return f.scope }

func (f *fakeWaiter) Activate() {
	if f.active {
		return
	}
	f.active = true
	f.activated++
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return New(zap.NewNop())
}

func TestDisjointScopesHoldConcurrently(t *testing.T) {
	m := newTestManager(t)

	a := &fakeWaiter{scope: []string{"users"}}
	b := &fakeWaiter{scope: []string{"orders"}}

	require.True(t, m.Enqueue(a))
	require.True(t, m.Enqueue(b))
}

func TestOverlappingScopesSerializeFIFO(t *testing.T) {
	m := newTestManager(t)

	first := &fakeWaiter{scope: []string{"users"}, active: true}
	second := &fakeWaiter{scope: []string{"users"}}
	third := &fakeWaiter{scope: []string{"users"}}

	require.True(t, m.Enqueue(first))
	require.False(t, m.Enqueue(second))
	require.False(t, m.Enqueue(third))

	m.Release(first)
	require.True(t, second.active)
	require.False(t, third.active)

	m.Release(second)
	require.True(t, third.active)
	require.Equal(t, 1, third.activated)
}

// TestPartialHeadDoesNotActivate covers the multi-store scenario: T1 holds
// {A,B}, T2 waits on {B}. T2 must stay queued until T1 releases, then hold
// its full scope.
func TestPartialHeadDoesNotActivate(t *testing.T) {
	m := newTestManager(t)

	t1 := &fakeWaiter{scope: []string{"A", "B"}, active: true}
	t2 := &fakeWaiter{scope: []string{"B"}}

	require.True(t, m.Enqueue(t1))
	require.False(t, m.Enqueue(t2))
	require.False(t, t2.active)

	m.Release(t1)
	require.True(t, t2.active)
}

// TestHeadOfAllQueuesRequired pins the "head of every queue simultaneously"
// rule: a waiter that heads one store's queue but not another's is not
// promoted.
func TestHeadOfAllQueuesRequired(t *testing.T) {
	m := newTestManager(t)

	t1 := &fakeWaiter{scope: []string{"A"}, active: true}
	t2 := &fakeWaiter{scope: []string{"A", "B"}}
	t3 := &fakeWaiter{scope: []string{"B"}}

	require.True(t, m.Enqueue(t1))
	require.False(t, m.Enqueue(t2)) // heads B, waits on A
	require.False(t, m.Enqueue(t3)) // behind t2 on B

	// Releasing t1 exposes t2 as head of A; t2 already heads B, so it holds
	// its full scope; t3 still waits.
	m.Release(t1)
	require.True(t, t2.active)
	require.False(t, t3.active)

	m.Release(t2)
	require.True(t, t3.active)
}

// TestReleaseMidQueueWaiter covers aborting a transaction that never reached
// the head: it leaves the queues without promoting anything it should not.
func TestReleaseMidQueueWaiter(t *testing.T) {
	m := newTestManager(t)

	t1 := &fakeWaiter{scope: []string{"A"}, active: true}
	t2 := &fakeWaiter{scope: []string{"A"}}
	t3 := &fakeWaiter{scope: []string{"A"}}

	require.True(t, m.Enqueue(t1))
	require.False(t, m.Enqueue(t2))
	require.False(t, m.Enqueue(t3))

	m.Release(t2) // aborted while queued
	require.False(t, t3.active)
	require.Equal(t, 2, m.QueueLength("A"))

	m.Release(t1)
	require.True(t, t3.active)
}

func TestReleaseIsIdempotent(t *testing.T) {
	m := newTestManager(t)

	t1 := &fakeWaiter{scope: []string{"A"}, active: true}
	require.True(t, m.Enqueue(t1))

	m.Release(t1)
	m.Release(t1)
	require.Equal(t, 0, m.QueueLength("A"))
}
