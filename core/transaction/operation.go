package transaction

import (
	"context"

	"github.com/tickstore/tickstore/core/storage"
)

// OpKind distinguishes reads from writes.
type OpKind int

const (
	OpRead OpKind = iota
	OpWrite
)

func (k OpKind) String() string {
	if k == OpWrite {
		return "write"
	}
	return "read"
}

// Result is the outcome of one operation. Value and Found are meaningful for
// reads; Err is set exactly once for failed operations (abort or a backend
// error) and nil otherwise.
type Result struct {
	Value []byte
	Found bool
	Err   error
}

// Operation is the pending-result handle returned by IssueOperation. Its
// completion is always delivered through a deferred scheduler entry, so the
// caller can register a callback synchronously after issuing without racing
// the delivery.
type Operation struct {
	txn     *Transaction
	store   string
	kind    OpKind
	key     string
	payload []byte

	result    Result
	aborted   bool
	delivered bool
	callback  func(Result)
}

// Store returns the store the operation targets.
func (op *Operation) Store() string { return op.store }

// Kind returns whether the operation is a read or a write.
func (op *Operation) Kind() OpKind { return op.kind }

// Key returns the key the operation targets.
func (op *Operation) Key() string { return op.key }

// Done reports whether the completion has been delivered.
func (op *Operation) Done() bool { return op.delivered }

// Result returns the operation's outcome. Only meaningful once Done reports
// true.
func (op *Operation) Result() Result { return op.result }

// OnComplete registers the completion callback. If the completion was
// already delivered the callback is invoked synchronously with the recorded
// result. At most one callback is supported; a later registration replaces
// an earlier one that has not fired yet.
func (op *Operation) OnComplete(fn func(Result)) {
	if op.delivered {
		if fn != nil {
			fn(op.result)
		}
		return
	}
	op.callback = fn
}

// forward pushes the operation into the storage backend. Called once, at
// issue time; the recorded result is surfaced later by deliver.
func (op *Operation) forward(backend storage.Backend) {
	switch op.kind {
	case OpWrite:
		op.result.Err = backend.Put(op.store, storage.Record{Key: op.key, Value: op.payload}, op.txn.id)
	default:
		op.result.Value, op.result.Found, op.result.Err = backend.Get(op.store, op.key)
	}
}

// fail marks a still-pending operation as failed. The already-scheduled
// delivery surfaces err through the normal completion channel.
func (op *Operation) fail(err error) {
	op.aborted = true
	op.result = Result{Err: err}
}

// deliver runs as a deferred scheduler entry and completes the operation. A
// successful delivery re-opens its transaction's activation window for the
// tick it runs in, so the callback may issue further operations.
func (op *Operation) deliver() {
	if op.delivered {
		return
	}
	op.delivered = true
	t := op.txn

	if op.aborted {
		t.mgr.metrics.OpsFailed.Add(context.Background(), 1)
		op.invokeCallback()
		return
	}

	t.pendingOps--
	t.removePending(op)
	t.windowTick = t.mgr.sched.CurrentTick()
	t.windowOpen = true

	if op.result.Err != nil {
		t.mgr.metrics.OpsFailed.Add(context.Background(), 1)
	}
	op.invokeCallback()

	// Explicit commit resolves once the last pending operation drains.
	if t.commitRequested && t.pendingOps == 0 && t.state == StateActive {
		t.beginCommit(false)
	}
}

func (op *Operation) invokeCallback() {
	if op.callback != nil {
		op.callback(op.result)
	}
}
