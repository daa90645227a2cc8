// Package storage defines the backend contract the transaction manager
// issues operations against, plus an in-memory reference implementation.
// The manager does not care how a backend lays out its data; it only needs
// get/put primitives and an idempotent per-transaction rollback.
package storage

import "errors"

// --- Error Definitions ---

var (
	ErrUnknownStore = errors.New("store does not exist")
	// ErrRollbackFailed means the backend could not undo a transaction's
	// writes. This is fatal to the backend contract and is deliberately
	// distinct from the abort error delivered to individual operations.
	ErrRollbackFailed = errors.New("backend failed to roll back transaction writes")
)

// Record is one keyed row in a named store.
type Record struct {
	Key   string
	Value []byte
}

// Backend is the storage engine contract. Put attributes the write to a
// transaction so that Rollback can later undo the whole batch; Commit
// discards the undo bookkeeping for a finished transaction. Rollback and
// Commit must be idempotent: a second call for the same transaction is a
// no-op.
type Backend interface {
	Get(store, key string) (value []byte, found bool, err error)
	Put(store string, rec Record, txnID uint64) error
	Commit(txnID uint64) error
	Rollback(txnID uint64) error
}
