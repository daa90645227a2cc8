package db

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tickstore/tickstore/core/transaction"
)

func openTestDB(t *testing.T, stores ...string) *DB {
	t.Helper()
	d, err := Open(Config{Stores: stores}, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	return d
}

func put(t *testing.T, txn *transaction.Transaction, store, key, value string) *transaction.Operation {
	t.Helper()
	op, err := txn.IssueOperation(store, transaction.OpWrite, key, []byte(value))
	require.NoError(t, err)
	return op
}

func get(t *testing.T, txn *transaction.Transaction, store, key string) *transaction.Operation {
	t.Helper()
	op, err := txn.IssueOperation(store, transaction.OpRead, key, nil)
	require.NoError(t, err)
	return op
}

// TestActivationWindow: issuing synchronously after creation, or from within
// the synchronous continuation of the transaction's own completion, succeeds;
// issuing from an unrelated deferred callback fails even while operations are
// still pending.
func TestActivationWindow(t *testing.T) {
	d := openTestDB(t, "A")

	txn, err := d.Begin([]string{"A"}, transaction.ModeReadWrite)
	require.NoError(t, err)

	op := put(t, txn, "A", "k1", "v1")

	var continuationErr error
	op.OnComplete(func(transaction.Result) {
		// Runs inside the completion's tick; the window is open again.
		_, continuationErr = txn.IssueOperation("A", transaction.OpRead, "k1", nil)
	})

	// An unrelated deferred callback runs in a tick that is not tagged to
	// this transaction, so issuing from it must fail, pending ops or not.
	var unrelatedErr error
	d.Scheduler().RunDeferred(func() {
		_, unrelatedErr = txn.IssueOperation("A", transaction.OpRead, "k1", nil)
	})

	d.Run()
	require.NoError(t, continuationErr)
	require.ErrorIs(t, unrelatedErr, transaction.ErrTransactionInactive)
}

// TestAutoCommitOnQuiescence: once the only operation's completion
// tick passes with nothing further issued, the transaction commits within
// one subsequent tick and accepts nothing more.
func TestAutoCommitOnQuiescence(t *testing.T) {
	d := openTestDB(t, "A")

	txn, err := d.Begin([]string{"A"}, transaction.ModeReadWrite)
	require.NoError(t, err)
	put(t, txn, "A", "k1", "v1")

	var outcome transaction.Outcome
	finished := false
	txn.OnFinished(func(o transaction.Outcome) { outcome, finished = o, true })

	d.Step() // delivers the completion
	require.Equal(t, transaction.StateActive, txn.State())
	require.False(t, finished)

	d.Step() // quiescent boundary, then the auto-commit check's tick
	require.Equal(t, transaction.StateCommitted, txn.State())
	require.True(t, finished)
	require.Equal(t, transaction.OutcomeCommitted, outcome)

	_, err = txn.IssueOperation("A", transaction.OpWrite, "k2", []byte("v2"))
	require.ErrorIs(t, err, transaction.ErrTransactionInactive)
}

// TestScopeIsolation: with overlapping scopes, no operation of the second
// transaction completes before the first is finished, regardless of modes.
func TestScopeIsolation(t *testing.T) {
	d := openTestDB(t, "A")

	t1, err := d.Begin([]string{"A"}, transaction.ModeReadWrite)
	require.NoError(t, err)
	t2, err := d.Begin([]string{"A"}, transaction.ModeReadOnly)
	require.NoError(t, err)
	require.Equal(t, transaction.StateQueued, t2.State(),
		"read-only still queues behind an overlapping scope")

	var order []string
	var t2Read transaction.Result

	put(t, t1, "A", "k1", "v1").OnComplete(func(transaction.Result) {
		order = append(order, "t1-op")
	})
	require.NoError(t, t1.Commit())
	t1.OnFinished(func(transaction.Outcome) { order = append(order, "t1-finished") })

	t2.OnActivate(func(txn *transaction.Transaction) {
		order = append(order, "t2-active")
		get(t, txn, "A", "k1").OnComplete(func(res transaction.Result) {
			order = append(order, "t2-op")
			t2Read = res
		})
	})

	d.Run()
	require.Equal(t, []string{"t1-op", "t1-finished", "t2-active", "t2-op"}, order)
	require.NoError(t, t2Read.Err)
	require.True(t, t2Read.Found)
	require.Equal(t, []byte("v1"), t2Read.Value, "post-commit visibility")
}

// TestDisjointScopesInterleave: transactions whose scopes do not intersect
// run and finish independently.
func TestDisjointScopesInterleave(t *testing.T) {
	d := openTestDB(t, "A", "B")

	t1, err := d.Begin([]string{"A"}, transaction.ModeReadWrite)
	require.NoError(t, err)
	t2, err := d.Begin([]string{"B"}, transaction.ModeReadWrite)
	require.NoError(t, err)
	require.Equal(t, transaction.StateActive, t1.State())
	require.Equal(t, transaction.StateActive, t2.State())

	var completions []string
	put(t, t1, "A", "k", "1").OnComplete(func(transaction.Result) {
		completions = append(completions, "t1")
	})
	put(t, t2, "B", "k", "2").OnComplete(func(transaction.Result) {
		completions = append(completions, "t2")
	})

	d.Run()
	// Both completed without waiting on each other's lifetime.
	require.Equal(t, []string{"t1", "t2"}, completions)
	require.Equal(t, transaction.StateCommitted, t1.State())
	require.Equal(t, transaction.StateCommitted, t2.State())
}

// TestCommitCutoff: operations issued before Commit all complete
// successfully even though the commit resolves asynchronously; operations
// issued after Commit fail synchronously.
func TestCommitCutoff(t *testing.T) {
	d := openTestDB(t, "A")

	txn, err := d.Begin([]string{"A"}, transaction.ModeReadWrite)
	require.NoError(t, err)

	var results []transaction.Result
	put(t, txn, "A", "k1", "v1").OnComplete(func(res transaction.Result) { results = append(results, res) })
	put(t, txn, "A", "k2", "v2").OnComplete(func(res transaction.Result) { results = append(results, res) })

	require.NoError(t, txn.Commit())
	require.NotEqual(t, transaction.StateCommitted, txn.State(), "commit resolves asynchronously")

	_, err = txn.IssueOperation("A", transaction.OpWrite, "k3", []byte("v3"))
	require.ErrorIs(t, err, transaction.ErrTransactionInactive)

	d.Run()
	require.Len(t, results, 2)
	for _, res := range results {
		require.NoError(t, res.Err)
	}
	require.Equal(t, transaction.StateCommitted, txn.State())
}

// TestAbortRollsBackWrites: a write by an aborted transaction is never
// observed by a later transaction over the same store.
func TestAbortRollsBackWrites(t *testing.T) {
	d := openTestDB(t, "A")

	t1, err := d.Begin([]string{"A"}, transaction.ModeReadWrite)
	require.NoError(t, err)
	op := put(t, t1, "A", "id1", "record")

	var opErr error
	op.OnComplete(func(res transaction.Result) { opErr = res.Err })

	require.NoError(t, t1.Abort())
	d.Run()
	require.ErrorIs(t, opErr, transaction.ErrTransactionAborted)

	t2, err := d.Begin([]string{"A"}, transaction.ModeReadOnly)
	require.NoError(t, err)
	var read transaction.Result
	get(t, t2, "A", "id1").OnComplete(func(res transaction.Result) { read = res })

	d.Run()
	require.NoError(t, read.Err)
	require.False(t, read.Found, "rolled-back write must not be observed")
}

// TestCommittedWriteIsVisible: a committed write is observed by a later
// transaction over the same store.
func TestCommittedWriteIsVisible(t *testing.T) {
	d := openTestDB(t, "A")

	t1, err := d.Begin([]string{"A"}, transaction.ModeReadWrite)
	require.NoError(t, err)
	put(t, t1, "A", "id1", "record")
	require.NoError(t, t1.Commit())
	d.Run()

	t2, err := d.Begin([]string{"A"}, transaction.ModeReadOnly)
	require.NoError(t, err)
	var read transaction.Result
	get(t, t2, "A", "id1").OnComplete(func(res transaction.Result) { read = res })

	d.Run()
	require.True(t, read.Found)
	require.Equal(t, []byte("record"), read.Value)
}

// TestMultiStoreScopeBlocks: a transaction over {A,B} blocks one over {B}
// until it finishes, and the promoted transaction then runs to completion.
func TestMultiStoreScopeBlocks(t *testing.T) {
	d := openTestDB(t, "A", "B")

	t1, err := d.Begin([]string{"A", "B"}, transaction.ModeReadWrite)
	require.NoError(t, err)
	t2, err := d.Begin([]string{"B"}, transaction.ModeReadWrite)
	require.NoError(t, err)
	require.Equal(t, transaction.StateQueued, t2.State())

	activated := false
	t2.OnActivate(func(*transaction.Transaction) { activated = true })

	put(t, t1, "B", "k", "v")
	require.NoError(t, t1.Commit())

	d.Run()
	require.True(t, activated)
	require.Equal(t, transaction.StateCommitted, t1.State())
	require.Equal(t, transaction.StateCommitted, t2.State(),
		"promoted transaction with nothing to do auto-commits")
}

// TestOwnWritesVisibleWithinTransaction: a read issued after a write in the
// same transaction observes the uncommitted value.
func TestOwnWritesVisibleWithinTransaction(t *testing.T) {
	d := openTestDB(t, "A")

	txn, err := d.Begin([]string{"A"}, transaction.ModeReadWrite)
	require.NoError(t, err)

	put(t, txn, "A", "k", "v")
	var read transaction.Result
	get(t, txn, "A", "k").OnComplete(func(res transaction.Result) { read = res })

	d.Run()
	require.True(t, read.Found)
	require.Equal(t, []byte("v"), read.Value)
}

func TestOpenValidation(t *testing.T) {
	_, err := Open(Config{}, zaptest.NewLogger(t), nil)
	require.Error(t, err)
}

func TestCloseAbortsLiveTransactions(t *testing.T) {
	d := openTestDB(t, "A")

	t1, err := d.Begin([]string{"A"}, transaction.ModeReadWrite)
	require.NoError(t, err)
	put(t, t1, "A", "k", "v")
	_, err = d.Begin([]string{"A"}, transaction.ModeReadWrite)
	require.NoError(t, err)
	require.Equal(t, 2, d.LiveTransactions())

	d.Close()
	require.Equal(t, 0, d.LiveTransactions())
	require.Equal(t, transaction.StateAborted, t1.State())
}
