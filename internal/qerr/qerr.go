// Package qerr defines the closed error taxonomy described in spec §7. Each
// kind is a distinct struct rather than a sentinel or a stringly-typed
// exception, so callers can errors.As into the concrete kind they care
// about.
package qerr

import "fmt"

// ParseError is a per-row parse failure. The Normalizer recovers from it
// locally: the row is skipped and an AuditEntry records the skip.
type ParseError struct {
	RowOrdinal int
	Column     string
	Cause      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("row %d: parse error in column %q: %v", e.RowOrdinal, e.Column, e.Cause)
}
func (e *ParseError) Unwrap() error { return e.Cause }

// UnknownTxKind is fatal for the run unless the caller opted into
// --skip-unknown.
type UnknownTxKind struct {
	RowOrdinal int
	RawKind    string
}

func (e *UnknownTxKind) Error() string {
	return fmt.Sprintf("row %d: unknown transaction kind %q", e.RowOrdinal, e.RawKind)
}

// InvalidAmount is a per-row failure: a present leg had amount <= 0.
type InvalidAmount struct {
	RowOrdinal int
	Column     string
	Raw        string
}

func (e *InvalidAmount) Error() string {
	return fmt.Sprintf("row %d: invalid amount in column %q: %q", e.RowOrdinal, e.Column, e.Raw)
}

// MissingPrice is surfaced as a per-event failure (exit code 3, §7). The
// disposing Tx should be reported as a DisposalNeedsPrice diagnostic by the
// caller rather than silently dropped.
type MissingPrice struct {
	Asset   string
	Day     string
	Reason  string
}

func (e *MissingPrice) Error() string {
	return fmt.Sprintf("no EUR price for %s on %s: %s", e.Asset, e.Day, e.Reason)
}

// ReconciliationFatal indicates an internal invariant violation — e.g. a
// negative balance surviving synthetic repair. It always stops the run
// (exit code 4).
type ReconciliationFatal struct {
	Asset   string
	Balance string
	Detail  string
}

func (e *ReconciliationFatal) Error() string {
	return fmt.Sprintf("reconciliation invariant violated for %s (balance=%s): %s", e.Asset, e.Balance, e.Detail)
}

// CacheIOError wraps a price-cache read/write failure. The oracle retries
// once; a second failure is treated as a provider decline (§7).
type CacheIOError struct {
	Path  string
	Cause error
}

func (e *CacheIOError) Error() string {
	return fmt.Sprintf("price cache I/O error at %s: %v", e.Path, e.Cause)
}
func (e *CacheIOError) Unwrap() error { return e.Cause }
