// Package db is the connection-level entry point: it wires the tick
// scheduler, the scope lock manager, the storage backend, and the
// transaction manager together and exposes Begin. One DB owns one scope
// lock manager; the manager's queues live and die with the connection.
package db

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/tickstore/tickstore/core/scheduler"
	"github.com/tickstore/tickstore/core/scopelock"
	"github.com/tickstore/tickstore/core/storage"
	"github.com/tickstore/tickstore/core/transaction"
	"github.com/tickstore/tickstore/pkg/telemetry"
)

// Config declares the store namespace and optional telemetry for one
// connection.
type Config struct {
	// Stores is the fixed set of named stores transactions may scope to.
	Stores []string `yaml:"stores"`
}

// DB is an open tickstore connection. All methods must be used from the
// goroutine that opened it; the caller pumps asynchronous completions with
// Step or Run.
type DB struct {
	logger *zap.Logger
	sched  *scheduler.Scheduler
	store  *storage.MemStore
	locks  *scopelock.Manager
	txns   *transaction.Manager
	stores []string
}

// Open creates a connection with the in-memory reference backend. A nil
// metrics bundle disables recording.
func Open(cfg Config, logger *zap.Logger, metrics *telemetry.Metrics) (*DB, error) {
	if len(cfg.Stores) == 0 {
		return nil, fmt.Errorf("at least one store must be declared")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sched := scheduler.New(logger)
	store := storage.NewMemStore(logger, cfg.Stores...)
	locks := scopelock.New(logger)
	txns := transaction.NewManager(sched, locks, store, cfg.Stores, logger, metrics)

	logger.Info("tickstore connection opened", zap.Strings("stores", cfg.Stores))
	return &DB{
		logger: logger,
		sched:  sched,
		store:  store,
		locks:  locks,
		txns:   txns,
		stores: append([]string(nil), cfg.Stores...),
	}, nil
}

// Begin creates a transaction over scope. See transaction.Manager.Begin.
func (db *DB) Begin(scope []string, mode transaction.Mode) (*transaction.Transaction, error) {
	return db.txns.Begin(scope, mode)
}

// Step advances the scheduler by one tick. Returns true if a deferred entry ran.
func (db *DB) Step() bool { return db.sched.Step() }

// Run pumps the scheduler until it is idle: all completions delivered, all
// quiescent transactions auto-committed.
func (db *DB) Run() { db.sched.Drain() }

// Scheduler exposes the connection's tick scheduler.
func (db *DB) Scheduler() *scheduler.Scheduler { return db.sched }

// Backend exposes the connection's storage backend.
func (db *DB) Backend() storage.Backend { return db.store }

// Stores returns the declared store names.
func (db *DB) Stores() []string { return append([]string(nil), db.stores...) }

// LiveTransactions returns the number of unfinished transactions.
func (db *DB) LiveTransactions() int { return db.txns.Live() }

// Close tears the connection down: every unfinished transaction is aborted,
// remaining completions are drained, and the manager's tick hook is removed.
func (db *DB) Close() {
	db.txns.AbortLive()
	db.sched.Drain()
	db.txns.Close()
	db.logger.Info("tickstore connection closed")
}
