// Package pipeline wires the four components — Normalizer, Reconciler,
// FIFO engine, Sink — into the single deterministic, single-pass run
// described by §4: normalize, reconcile, run FIFO, append to the sink.
package pipeline

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"qntropy/internal/fifo"
	"qntropy/internal/model"
	"qntropy/internal/normalize"
	"qntropy/internal/reconcile"
	"qntropy/internal/sink"
)

// Options controls the knobs a run needs beyond the raw rows/snapshot
// themselves: timezone for date parsing, balance tolerance, and whether an
// unrecognized Type demotes to a skip instead of aborting the run.
type Options struct {
	Location    *time.Location
	Tolerance   decimal.Decimal
	SkipUnknown bool
}

// Result is everything a `compute` invocation produces, independent of how
// it's later rendered (CSV, Postgres rows, ...).
type Result struct {
	TaxEvents []model.TaxEvent
	Audit     []model.AuditEntry
}

// Run executes the full pipeline over rows (in source-file order) and an
// optional end-of-period snapshot, appending everything it produces to s.
// sourceHash identifies the input for Tx ID prefixing (§4.1).
func Run(ctx context.Context, oracle fifo.PriceSource, s sink.Sink, rows []normalize.Row, snapshot *reconcile.Snapshot, sourceHash string, opts Options) (Result, error) {
	tolerance := opts.Tolerance
	if tolerance.IsZero() {
		tolerance = model.Tolerance
	}

	normResult, err := normalize.Normalize(rows, sourceHash, normalize.Options{
		Location:    opts.Location,
		SkipUnknown: opts.SkipUnknown,
	})
	if err != nil {
		return Result{}, err
	}

	reconResult, err := reconcile.Reconcile(normResult.Txs, snapshot, tolerance)
	if err != nil {
		return Result{}, err
	}

	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	// A non-nil err here is the first MissingPrice the engine hit; per §7
	// that's advisory, not fatal, so every event/audit entry the engine did
	// manage to produce is still appended before the error is surfaced.
	engine := fifo.New(oracle, loc)
	events, fifoAudit, runErr := engine.Process(ctx, reconResult.Txs)

	audit := make([]model.AuditEntry, 0, len(normResult.Audit)+len(reconResult.Audit)+len(fifoAudit))
	audit = append(audit, normResult.Audit...)
	audit = append(audit, reconResult.Audit...)
	audit = append(audit, fifoAudit...)

	if err := s.AppendTaxEvents(ctx, events); err != nil {
		return Result{}, err
	}
	if err := s.AppendAudit(ctx, audit); err != nil {
		return Result{}, err
	}

	return Result{TaxEvents: events, Audit: audit}, runErr
}
