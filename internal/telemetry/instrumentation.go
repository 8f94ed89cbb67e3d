package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// High cardinality values (URLs, file paths, project names) are kept out of
// span attributes and metric labels; they belong in logs. Attributes here
// are drawn from closed vocabularies only: operation names, components,
// outcome/reason codes.

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// InstrumentOperation wraps fn in a span and records its status.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operationName, component string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	start := time.Now()
	ctx, span := t.tracer.Start(ctx, operationName)

	defer span.End()

	span.SetAttributes(
		attribute.String("component", component),
		attribute.String("operation", operationName),
	)

	err := fn(ctx)

	status := "success"
	if err != nil {
		status = "error"

		span.SetAttributes(attribute.Bool("error", true))
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		attribute.String("status", status),
		attribute.Float64("duration_seconds", time.Since(start).Seconds()),
	)

	return err
}

// InstrumentLedgerOp instruments one ledger operation.
func (t *Telemetry) InstrumentLedgerOp(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "ledger_"+operation, "ledger", fn)

	status := "success"
	if err != nil {
		status = "error"
	}

	t.RecordLedgerOp(operation, status, time.Since(start))

	return err
}

// InstrumentFetch instruments the end-to-end processing of one record,
// maintaining the active-fetch gauge for its duration. The outcome/reason
// pair recorded afterwards comes from the caller since the terminal state
// is known only once the event is built. kind is the closed target-kind
// vocabulary, never a URL.
func (t *Telemetry) InstrumentFetch(ctx context.Context, kind string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	t.IncrementActiveFetches()
	defer t.DecrementActiveFetches()

	return t.InstrumentOperation(ctx, "fetch_"+kind, "downloader", fn)
}
