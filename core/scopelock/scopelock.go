// Package scopelock serializes transactions whose declared store-name scopes
// intersect. Each store name carries a FIFO wait queue in transaction
// creation order; a transaction holds its full scope only while it is at the
// head of every queue it sits in. Mode is intentionally not consulted:
// scope overlap alone gates concurrency, so two read-only transactions over
// the same store still serialize.
package scopelock

import "go.uber.org/zap"

// Waiter is a queued transaction from the lock manager's point of view.
// Scope must be stable for the waiter's lifetime. Activate is called when
// the waiter holds its full scope after a release; implementations must
// treat a call on an already-active waiter as a no-op, since releasing a
// mid-queue waiter can re-expose a head that already holds its scope.
type Waiter interface {
	Scope() []string
	Activate()
}

// Manager owns the per-store wait queues. It is created per storage
// connection and mutated only by that connection's goroutine.
type Manager struct {
	logger *zap.Logger
	queues map[string][]Waiter
}

// New creates an empty Manager.
func New(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger: logger.Named("scopelock"),
		queues: make(map[string][]Waiter),
	}
}

// Enqueue appends w to the wait queue of every store in its scope and
// reports whether w immediately holds its full scope. When it does, the
// caller activates it directly; Activate is reserved for later promotions.
func (m *Manager) Enqueue(w Waiter) bool {
	for _, store := range w.Scope() {
		m.queues[store] = append(m.queues[store], w)
	}
	held := m.holdsFullScope(w)
	if !held {
		m.logger.Debug("transaction queued behind overlapping scope",
			zap.Strings("scope", w.Scope()))
	}
	return held
}

// Release removes w from every queue it sits in, head or not, then promotes
// any waiter that now holds its full scope. Safe to call for a waiter that
// was already released.
func (m *Manager) Release(w Waiter) {
	// Collect the waiters exposed as new heads before promoting any of them:
	// a promotion must see the fully updated queues.
	candidates := make([]Waiter, 0, len(w.Scope()))
	seen := make(map[Waiter]struct{}, len(w.Scope()))
	for _, store := range w.Scope() {
		queue := m.queues[store]
		idx := -1
		for i, queued := range queue {
			if queued == w {
				idx = i
				break
			}
		}
		if idx < 0 {
			continue
		}
		queue = append(queue[:idx], queue[idx+1:]...)
		if len(queue) == 0 {
			delete(m.queues, store)
		} else {
			m.queues[store] = queue
			if idx == 0 {
				if _, dup := seen[queue[0]]; !dup {
					seen[queue[0]] = struct{}{}
					candidates = append(candidates, queue[0])
				}
			}
		}
	}

	for _, c := range candidates {
		if m.holdsFullScope(c) {
			m.logger.Debug("promoting queued transaction",
				zap.Strings("scope", c.Scope()))
			c.Activate()
		}
	}
}

// QueueLength reports how many waiters sit in a store's queue, including the
// current holder.
func (m *Manager) QueueLength(store string) int {
	return len(m.queues[store])
}

func (m *Manager) holdsFullScope(w Waiter) bool {
	for _, store := range w.Scope() {
		queue := m.queues[store]
		if len(queue) == 0 || queue[0] != w {
			return false
		}
	}
	return true
}
