package transaction

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tickstore/tickstore/core/scheduler"
	"github.com/tickstore/tickstore/core/scopelock"
	"github.com/tickstore/tickstore/core/storage"
	"github.com/tickstore/tickstore/pkg/telemetry"
)

// Manager drives the lifecycle of every transaction created against one
// storage connection. It validates scopes against the declared store
// namespace, hands transactions to the scope lock manager, and installs the
// tick-boundary hook that runs each live transaction's auto-commit check.
type Manager struct {
	logger  *zap.Logger
	sched   *scheduler.Scheduler
	locks   *scopelock.Manager
	backend storage.Backend
	metrics *telemetry.Metrics

	declared map[string]struct{}
	nextID   uint64
	live     []*Transaction // creation order; the boundary hook walks this
	cancel   func()
}

// NewManager wires a Manager to its collaborators. stores is the declared
// store namespace; scopes naming anything else are rejected at Begin. A nil
// metrics bundle disables recording.
func NewManager(sched *scheduler.Scheduler, locks *scopelock.Manager, backend storage.Backend,
	stores []string, logger *zap.Logger, metrics *telemetry.Metrics) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = telemetry.NoopMetrics()
	}
	m := &Manager{
		logger:   logger.Named("txn"),
		sched:    sched,
		locks:    locks,
		backend:  backend,
		metrics:  metrics,
		declared: make(map[string]struct{}, len(stores)),
	}
	for _, s := range stores {
		m.declared[s] = struct{}{}
	}
	m.cancel = sched.OnTickEnd(m.onTickEnd)
	return m
}

// Close deregisters the manager's tick-boundary hook. Live transactions stop
// auto-committing after Close; it is meant for connection teardown.
func (m *Manager) Close() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

// Live returns the number of unfinished transactions.
func (m *Manager) Live() int { return len(m.live) }

// AbortLive aborts every unfinished transaction, releasing its scope lock.
// Transactions already committing are left to their queued finisher. Used at
// connection teardown.
func (m *Manager) AbortLive() {
	for _, t := range append([]*Transaction(nil), m.live...) {
		if t.state == StateCommitting {
			continue
		}
		_ = t.Abort()
	}
}

// Begin creates a transaction over the given scope. The transaction comes
// back Active if its full scope is immediately available, otherwise Queued
// behind the overlapping transactions, promoted in FIFO creation order.
// Fails with ErrInvalidAccess when the scope is empty or names an undeclared
// store.
func (m *Manager) Begin(scope []string, mode Mode) (*Transaction, error) {
	if len(scope) == 0 {
		return nil, fmt.Errorf("%w: scope is empty", ErrInvalidAccess)
	}
	normalized := normalizeScope(scope)
	for _, store := range normalized {
		if _, ok := m.declared[store]; !ok {
			return nil, fmt.Errorf("%w: undeclared store %q", ErrInvalidAccess, store)
		}
	}

	m.nextID++
	t := &Transaction{
		id:        m.nextID,
		uid:       uuid.New(),
		scope:     normalized,
		mode:      mode,
		state:     StateQueued,
		mgr:       m,
		beginTick: m.sched.CurrentTick(),
	}
	t.logger = m.logger.With(
		zap.Uint64("txn_id", t.id),
		zap.String("txn_uid", t.uid.String()))

	m.live = append(m.live, t)
	m.metrics.TxnsBegun.Add(context.Background(), 1)

	if m.locks.Enqueue(t) {
		t.state = StateActive
		t.windowTick = m.sched.CurrentTick()
		t.windowOpen = true
		t.logger.Info("transaction begun",
			zap.Strings("scope", t.scope),
			zap.Stringer("mode", mode))
	} else {
		m.metrics.LockWaits.Add(context.Background(), 1)
		t.logger.Info("transaction queued behind overlapping scope",
			zap.Strings("scope", t.scope),
			zap.Stringer("mode", mode))
	}
	return t, nil
}

// onTickEnd fans the tick boundary out to every live transaction in
// creation order. Transactions may finish (and remove themselves) during the
// walk, so it iterates a snapshot.
func (m *Manager) onTickEnd(ended scheduler.Tick) {
	snapshot := append([]*Transaction(nil), m.live...)
	for _, t := range snapshot {
		t.onTickEnd(ended)
	}
}

func (m *Manager) remove(t *Transaction) {
	for i, live := range m.live {
		if live == t {
			m.live = append(m.live[:i], m.live[i+1:]...)
			return
		}
	}
}

func normalizeScope(scope []string) []string {
	seen := make(map[string]struct{}, len(scope))
	normalized := make([]string, 0, len(scope))
	for _, store := range scope {
		if _, dup := seen[store]; dup {
			continue
		}
		seen[store] = struct{}{}
		normalized = append(normalized, store)
	}
	sort.Strings(normalized)
	return normalized
}
