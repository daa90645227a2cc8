package telemetry

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics bundles the instruments recorded by the transaction manager.
// Construct one with NewMetrics; a bundle built from a no-op meter is safe
// to use everywhere and records nothing.
type Metrics struct {
	TxnsBegun         metric.Int64Counter
	TxnsCommitted     metric.Int64Counter
	TxnsAborted       metric.Int64Counter
	TxnsAutoCommitted metric.Int64Counter
	OpsIssued         metric.Int64Counter
	OpsFailed         metric.Int64Counter
	LockWaits         metric.Int64Counter
	TicksToFinish     metric.Int64Histogram
}

// NewMetrics registers the transaction manager's instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.TxnsBegun, err = meter.Int64Counter("tickstore.txns.begun",
		metric.WithDescription("Transactions created")); err != nil {
		return nil, fmt.Errorf("failed to create txns.begun counter: %w", err)
	}
	if m.TxnsCommitted, err = meter.Int64Counter("tickstore.txns.committed",
		metric.WithDescription("Transactions that reached Committed")); err != nil {
		return nil, fmt.Errorf("failed to create txns.committed counter: %w", err)
	}
	if m.TxnsAborted, err = meter.Int64Counter("tickstore.txns.aborted",
		metric.WithDescription("Transactions that reached Aborted")); err != nil {
		return nil, fmt.Errorf("failed to create txns.aborted counter: %w", err)
	}
	if m.TxnsAutoCommitted, err = meter.Int64Counter("tickstore.txns.auto_committed",
		metric.WithDescription("Transactions committed by the quiescence check")); err != nil {
		return nil, fmt.Errorf("failed to create txns.auto_committed counter: %w", err)
	}
	if m.OpsIssued, err = meter.Int64Counter("tickstore.ops.issued",
		metric.WithDescription("Operations accepted by a transaction")); err != nil {
		return nil, fmt.Errorf("failed to create ops.issued counter: %w", err)
	}
	if m.OpsFailed, err = meter.Int64Counter("tickstore.ops.failed",
		metric.WithDescription("Operations that completed with an error")); err != nil {
		return nil, fmt.Errorf("failed to create ops.failed counter: %w", err)
	}
	if m.LockWaits, err = meter.Int64Counter("tickstore.scope.lock_waits",
		metric.WithDescription("Transactions queued behind an overlapping scope")); err != nil {
		return nil, fmt.Errorf("failed to create scope.lock_waits counter: %w", err)
	}
	if m.TicksToFinish, err = meter.Int64Histogram("tickstore.txns.ticks_to_finish",
		metric.WithDescription("Scheduler ticks between Begin and a terminal state")); err != nil {
		return nil, fmt.Errorf("failed to create txns.ticks_to_finish histogram: %w", err)
	}

	return m, nil
}

// NoopMetrics returns a bundle that records nothing. Used when the caller
// does not wire telemetry.
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(""))
	return m
}
