package transaction

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tickstore/tickstore/core/scheduler"
)

// State is the in-memory lifecycle state of a transaction.
type State int

const (
	// StateQueued means the transaction waits for an overlapping-scope
	// transaction to finish before it can hold its scope lock.
	StateQueued State = iota
	// StateActive means the transaction holds its full scope lock and may
	// issue operations while its activation window is open.
	StateActive
	// StateInactive means the transaction went quiescent at a tick boundary
	// and an auto-commit check is pending.
	StateInactive
	// StateCommitting means the commit decision is made and the finisher is
	// queued; no further operations or aborts are accepted.
	StateCommitting
	// StateCommitted and StateAborted are terminal.
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateActive:
		return "active"
	case StateInactive:
		return "inactive"
	case StateCommitting:
		return "committing"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Finished reports whether s is terminal.
func (s State) Finished() bool {
	return s == StateCommitted || s == StateAborted
}

// Mode is the access mode declared at creation. The scope lock manager does
// not consult it; it only gates writes.
type Mode int

const (
	ModeReadOnly Mode = iota
	ModeReadWrite
)

func (m Mode) String() string {
	if m == ModeReadWrite {
		return "read-write"
	}
	return "read-only"
}

// Outcome is the terminal result reported by the one-shot finished signal.
type Outcome int

const (
	OutcomeCommitted Outcome = iota
	OutcomeAborted
)

func (o Outcome) String() string {
	if o == OutcomeAborted {
		return "aborted"
	}
	return "committed"
}

// Transaction owns a fixed store-name scope, an access mode, and a count of
// in-flight operations, and consults the tick scheduler to decide its own
// activation window. All methods must be called from the scheduler's
// goroutine.
type Transaction struct {
	id     uint64
	uid    uuid.UUID
	scope  []string
	mode   Mode
	state  State
	mgr    *Manager
	logger *zap.Logger

	pendingOps int
	pending    []*Operation

	// windowTick is the tick the activation window is currently tied to:
	// the creation tick, the tick of the latest issue, or the tick of the
	// latest completion delivery. Issuing in any other tick fails.
	// windowOpen is false while Queued and once the window lapses at a tick
	// boundary; the window has no tick then.
	windowTick    scheduler.Tick
	windowOpen    bool
	lastIssueTick scheduler.Tick
	hasIssued     bool
	beginTick     scheduler.Tick

	commitRequested bool
	abortRequested  bool

	onActivate func(*Transaction)
	onFinished func(Outcome)
	notified   bool
	outcome    Outcome
	released   bool
}

// ID returns the transaction's numeric id (also the write-attribution id the
// backend sees).
func (t *Transaction) ID() uint64 { return t.id }

// UID returns the transaction's correlation id used in logs and metrics.
func (t *Transaction) UID() uuid.UUID { return t.uid }

// Scope returns the store names declared at creation, sorted and deduplicated.
// Callers must not mutate it. Part of the scopelock.Waiter contract.
func (t *Transaction) Scope() []string { return t.scope }

// Mode returns the access mode declared at creation.
func (t *Transaction) Mode() Mode { return t.mode }

// State returns the current lifecycle state.
func (t *Transaction) State() State { return t.state }

// PendingOperations returns the number of issued-but-undelivered operations.
func (t *Transaction) PendingOperations() int { return t.pendingOps }

// OnActivate registers the callback fired (in a tick of its own) when a
// queued transaction is promoted to Active. The callback tick is tagged to
// the transaction, so issuing operations from it is legal.
func (t *Transaction) OnActivate(fn func(*Transaction)) { t.onActivate = fn }

// OnFinished registers the one-shot finished signal. If the transaction
// already finished, the callback fires synchronously with the recorded
// outcome.
func (t *Transaction) OnFinished(fn func(Outcome)) {
	if t.notified {
		if fn != nil {
			fn(t.outcome)
		}
		return
	}
	t.onFinished = fn
}

// IssueOperation issues a single asynchronous read or write against the
// transaction. It fails synchronously when the transaction is not Active,
// its activation window is closed, commit or abort was already requested,
// the store is outside the scope, or a write is attempted in read-only mode.
// On success the operation is forwarded to the backend and its completion is
// delivered on a future tick.
func (t *Transaction) IssueOperation(store string, kind OpKind, key string, payload []byte) (*Operation, error) {
	if t.state != StateActive || t.commitRequested || t.abortRequested {
		return nil, fmt.Errorf("%w: state %s", ErrTransactionInactive, t.state)
	}
	cur := t.mgr.sched.CurrentTick()
	if !t.windowOpen || t.windowTick != cur {
		return nil, fmt.Errorf("%w: activation window closed (current tick %d)",
			ErrTransactionInactive, cur)
	}
	if !t.inScope(store) {
		return nil, fmt.Errorf("%w: store %q is not in the transaction scope", ErrInvalidState, store)
	}
	if kind == OpWrite && t.mode == ModeReadOnly {
		return nil, fmt.Errorf("%w: store %q", ErrReadOnlyTransaction, store)
	}

	op := &Operation{txn: t, store: store, kind: kind, key: key, payload: payload}
	op.forward(t.mgr.backend)

	t.pendingOps++
	t.pending = append(t.pending, op)
	t.hasIssued = true
	t.lastIssueTick = cur
	t.windowTick = cur

	t.mgr.metrics.OpsIssued.Add(context.Background(), 1)
	t.logger.Debug("operation issued",
		zap.String("store", store),
		zap.Stringer("kind", kind),
		zap.String("key", key),
		zap.Int("pending_ops", t.pendingOps))

	t.mgr.sched.RunDeferred(op.deliver)
	return op, nil
}

// Commit requests an explicit commit. Operations already issued run to
// completion; any later IssueOperation fails synchronously. The transaction
// reaches Committed, and the finished signal fires, once the pending count
// drains to zero. Calling Commit on a finished or committing transaction
// fails with ErrInvalidState.
func (t *Transaction) Commit() error {
	if t.state.Finished() || t.state == StateCommitting {
		return fmt.Errorf("%w: state %s", ErrInvalidState, t.state)
	}
	if t.commitRequested || t.abortRequested {
		return fmt.Errorf("%w: commit or abort already requested", ErrInvalidState)
	}
	t.commitRequested = true
	t.logger.Debug("explicit commit requested", zap.Int("pending_ops", t.pendingOps))

	if t.state != StateQueued && t.pendingOps == 0 {
		t.beginCommit(false)
	}
	return nil
}

// Abort aborts the transaction immediately. Every still-pending operation
// fails with ErrTransactionAborted through its normal completion channel,
// writes already applied are rolled back in the backend, and the scope lock
// is released at once so waiting transactions may proceed while rollback
// bookkeeping finishes. A rollback failure is returned as the backend's
// distinct unrecoverable error. Calling Abort on a finished or committing
// transaction fails with ErrInvalidState.
func (t *Transaction) Abort() error {
	if t.state.Finished() || t.state == StateCommitting {
		return fmt.Errorf("%w: state %s", ErrInvalidState, t.state)
	}
	t.abortRequested = true

	failed := t.pending
	t.pending = nil
	t.pendingOps = 0
	for _, op := range failed {
		op.fail(ErrTransactionAborted)
	}

	t.state = StateAborted
	t.releaseLock()
	t.mgr.remove(t)

	rollbackErr := t.mgr.backend.Rollback(t.id)
	if rollbackErr != nil {
		t.logger.Error("rollback failed; backend contract broken", zap.Error(rollbackErr))
	}

	t.mgr.metrics.TxnsAborted.Add(context.Background(), 1)
	t.recordTicksToFinish()
	t.logger.Info("transaction aborted",
		zap.Int("operations_failed", len(failed)))

	t.mgr.sched.RunImmediate(func() { t.notifyFinished(OutcomeAborted) })
	return rollbackErr
}

// Activate is called by the scope lock manager when the transaction reaches
// the head of every store queue in its scope. Promotion is announced through
// a deferred entry so the OnActivate callback gets a tick of its own, tagged
// to this transaction. Part of the scopelock.Waiter contract; calls on a
// transaction that is not Queued are ignored.
func (t *Transaction) Activate() {
	if t.state != StateQueued {
		return
	}
	t.state = StateActive
	t.logger.Debug("promoted to active")

	t.mgr.sched.RunDeferred(func() {
		if t.state != StateActive {
			// Aborted between promotion and delivery.
			return
		}
		t.windowTick = t.mgr.sched.CurrentTick()
		t.windowOpen = true
		if t.onActivate != nil {
			t.onActivate(t)
		}
		// A commit requested while still queued resolves as soon as the
		// transaction activates with nothing pending.
		if t.state == StateActive && t.commitRequested && t.pendingOps == 0 {
			t.beginCommit(false)
		}
	})
}

// onTickEnd runs the auto-commit algorithm at every tick boundary. If the
// transaction was active in the tick that just ended and is quiescent, it is
// marked Inactive for the next tick and a re-check is scheduled one tick
// later; the re-check commits only if the transaction is still quiescent.
func (t *Transaction) onTickEnd(ended scheduler.Tick) {
	if t.state != StateActive || !t.windowOpen || t.windowTick != ended {
		return
	}
	if t.pendingOps > 0 {
		return
	}
	if t.hasIssued && t.lastIssueTick == ended {
		return
	}
	if t.commitRequested || t.abortRequested {
		return
	}

	t.state = StateInactive
	t.windowOpen = false
	t.logger.Debug("quiescent at tick boundary, auto-commit check scheduled",
		zap.Uint64("ended_tick", uint64(ended)))
	t.mgr.sched.RunDeferred(func() { t.autoCommitCheck(ended) })
}

func (t *Transaction) autoCommitCheck(ended scheduler.Tick) {
	if t.state != StateInactive || t.pendingOps != 0 || t.commitRequested || t.abortRequested {
		return
	}
	if t.hasIssued && t.lastIssueTick > ended {
		return
	}
	t.mgr.metrics.TxnsAutoCommitted.Add(context.Background(), 1)
	t.logger.Debug("auto-commit fired", zap.Uint64("quiescent_since_tick", uint64(ended)))
	t.beginCommit(true)
}

// beginCommit moves the transaction to Committing and queues the finisher as
// an immediate continuation, so Committing and Committed land in the same
// scheduler step.
func (t *Transaction) beginCommit(auto bool) {
	t.state = StateCommitting
	t.mgr.sched.RunImmediate(func() { t.finishCommit(auto) })
}

func (t *Transaction) finishCommit(auto bool) {
	if t.state != StateCommitting {
		return
	}
	if err := t.mgr.backend.Commit(t.id); err != nil {
		t.logger.Error("backend commit bookkeeping failed", zap.Error(err))
	}
	t.state = StateCommitted
	t.releaseLock()
	t.mgr.remove(t)

	t.mgr.metrics.TxnsCommitted.Add(context.Background(), 1)
	t.recordTicksToFinish()
	t.logger.Info("transaction committed", zap.Bool("auto", auto))

	t.notifyFinished(OutcomeCommitted)
}

func (t *Transaction) releaseLock() {
	if t.released {
		return
	}
	t.released = true
	t.mgr.locks.Release(t)
}

func (t *Transaction) notifyFinished(outcome Outcome) {
	if t.notified {
		return
	}
	t.notified = true
	t.outcome = outcome
	if t.onFinished != nil {
		t.onFinished(outcome)
	}
}

func (t *Transaction) recordTicksToFinish() {
	elapsed := int64(t.mgr.sched.CurrentTick() - t.beginTick)
	t.mgr.metrics.TicksToFinish.Record(context.Background(), elapsed)
}

func (t *Transaction) inScope(store string) bool {
	for _, s := range t.scope {
		if s == store {
			return true
		}
	}
	return false
}

func (t *Transaction) removePending(op *Operation) {
	for i, pending := range t.pending {
		if pending == op {
			t.pending = append(t.pending[:i], t.pending[i+1:]...)
			return
		}
	}
}
