package storage

import (
	"fmt"

	"go.uber.org/zap"
)

// undoRecord remembers the state of one key before a transaction's write, so
// the whole batch can be unwound on abort. prevFound distinguishes "key held
// prevValue" from "key did not exist".
type undoRecord struct {
	store     string
	key       string
	prevValue []byte
	prevFound bool
}

// MemStore is the in-memory reference Backend. Each named store is a flat
// key/value map; writes are applied in place and journaled per transaction
// for rollback. MemStore inherits the caller's single-goroutine discipline
// and takes no locks of its own.
type MemStore struct {
	logger  *zap.Logger
	stores  map[string]map[string][]byte
	journal map[uint64][]undoRecord
}

// NewMemStore creates a MemStore with the given named stores.
func NewMemStore(logger *zap.Logger, stores ...string) *MemStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	ms := &MemStore{
		logger:  logger.Named("memstore"),
		stores:  make(map[string]map[string][]byte, len(stores)),
		journal: make(map[uint64][]undoRecord),
	}
	for _, name := range stores {
		ms.stores[name] = make(map[string][]byte)
	}
	return ms
}

// HasStore reports whether a store with the given name was declared.
func (ms *MemStore) HasStore(name string) bool {
	_, ok := ms.stores[name]
	return ok
}

// Get returns the value stored under key, if any.
func (ms *MemStore) Get(store, key string) ([]byte, bool, error) {
	data, ok := ms.stores[store]
	if !ok {
		return nil, false, fmt.Errorf("%w: %q", ErrUnknownStore, store)
	}
	value, found := data[key]
	return value, found, nil
}

// Put writes rec into store and journals the prior state against txnID.
func (ms *MemStore) Put(store string, rec Record, txnID uint64) error {
	data, ok := ms.stores[store]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownStore, store)
	}

	prev, found := data[rec.Key]
	ms.journal[txnID] = append(ms.journal[txnID], undoRecord{
		store:     store,
		key:       rec.Key,
		prevValue: prev,
		prevFound: found,
	})
	data[rec.Key] = rec.Value

	ms.logger.Debug("put applied",
		zap.Uint64("txn_id", txnID),
		zap.String("store", store),
		zap.String("key", rec.Key))
	return nil
}

// Commit discards the undo journal for txnID, making its writes permanent.
// Idempotent: unknown transactions are a no-op.
func (ms *MemStore) Commit(txnID uint64) error {
	delete(ms.journal, txnID)
	return nil
}

// Rollback unwinds every journaled write of txnID in reverse order.
// Idempotent: a transaction with no journal (never wrote, or already rolled
// back) is a no-op. A journal entry naming a store that no longer exists
// means the backend contract was broken and surfaces ErrRollbackFailed.
func (ms *MemStore) Rollback(txnID uint64) error {
	undo, ok := ms.journal[txnID]
	if !ok {
		return nil
	}
	delete(ms.journal, txnID)

	for i := len(undo) - 1; i >= 0; i-- {
		rec := undo[i]
		data, ok := ms.stores[rec.store]
		if !ok {
			return fmt.Errorf("%w: txn %d references store %q", ErrRollbackFailed, txnID, rec.store)
		}
		if rec.prevFound {
			data[rec.key] = rec.prevValue
		} else {
			delete(data, rec.key)
		}
	}

	ms.logger.Debug("rollback applied",
		zap.Uint64("txn_id", txnID),
		zap.Int("writes_undone", len(undo)))
	return nil
}
