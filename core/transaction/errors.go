package transaction

import "errors"

// --- Error Definitions ---
//
// Precondition violations are synchronous and returned at the call site.
// ErrTransactionAborted is the one sentinel that travels the asynchronous
// completion channel instead; it is never returned from IssueOperation
// directly. Backend failures pass through the completion channel unchanged.

var (
	// ErrTransactionInactive means an operation was attempted outside the
	// transaction's activation window, or after commit/abort was requested.
	ErrTransactionInactive = errors.New("transaction is not active")

	// ErrInvalidState means Commit or Abort was called on a finished
	// transaction, or an operation referenced a store outside the
	// transaction's scope.
	ErrInvalidState = errors.New("transaction is in an invalid state for this operation")

	// ErrInvalidAccess means the scope given at creation was empty or named
	// an undeclared store.
	ErrInvalidAccess = errors.New("invalid transaction scope")

	// ErrTransactionAborted is delivered to every operation still pending
	// when Abort is called.
	ErrTransactionAborted = errors.New("transaction aborted")

	// ErrReadOnlyTransaction means a write was issued on a read-only
	// transaction.
	ErrReadOnlyTransaction = errors.New("write operation on a read-only transaction")
)
