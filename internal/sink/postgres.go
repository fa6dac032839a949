package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/shopspring/decimal"

	"qntropy/internal/model"
)

// PostgresSink is a durable Sink backed by Postgres, grounded on
// internal/data/conn.go's pgxpool usage and internal/data/retry.go's
// isConnectionError/exponential-backoff shape, here applied to
// tax_events/audit_entries inserts instead of trade rows.
type PostgresSink struct {
	db *pgxpool.Pool
}

func NewPostgresSink(db *pgxpool.Pool) *PostgresSink {
	return &PostgresSink{db: db}
}

// EnsureSchema creates the two append-only tables if they don't already
// exist. Qntropy owns no migration tooling of its own; this is the
// minimal bootstrap a fresh database needs.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tax_events (
			id BIGSERIAL PRIMARY KEY,
			tax_year INT NOT NULL,
			kind TEXT NOT NULL,
			instant_utc TIMESTAMPTZ NOT NULL,
			asset TEXT NOT NULL,
			qty NUMERIC,
			proceeds_eur NUMERIC,
			cost_basis_eur NUMERIC,
			gain_eur NUMERIC,
			holding TEXT,
			income_category TEXT,
			source_tx_id TEXT NOT NULL,
			synthetic_inputs BOOLEAN NOT NULL,
			lots_consumed_json JSONB
		)`,
		`CREATE TABLE IF NOT EXISTS audit_entries (
			id BIGSERIAL PRIMARY KEY,
			instant_utc TIMESTAMPTZ NOT NULL,
			category TEXT NOT NULL,
			subject_tx_id TEXT NOT NULL,
			reason TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.execWithRetry(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresSink) AppendTaxEvents(ctx context.Context, events []model.TaxEvent) error {
	for _, ev := range events {
		lotsJSON, err := json.Marshal(ev.LotsConsumed)
		if err != nil {
			return err
		}
		asset := ev.AssetDisposed.Symbol
		qty := ev.Qty
		if ev.Kind == model.IncomeEvent {
			asset = ev.AssetReceived.Symbol
		}
		_, err = s.execWithRetry(ctx, `
			INSERT INTO tax_events
				(tax_year, kind, instant_utc, asset, qty, proceeds_eur, cost_basis_eur,
				 gain_eur, holding, income_category, source_tx_id, synthetic_inputs, lots_consumed_json)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
			ev.TaxYear, ev.Kind.String(), ev.Instant, asset, qty.String(),
			ev.ProceedsEUR.String(), ev.CostBasisEUR.String(), ev.GainEUR.String(),
			ev.Holding.String(), ev.Category.String(), ev.SourceTxID, ev.SyntheticInputs, lotsJSON)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresSink) AppendAudit(ctx context.Context, entries []model.AuditEntry) error {
	for _, e := range entries {
		_, err := s.execWithRetry(ctx, `
			INSERT INTO audit_entries (instant_utc, category, subject_tx_id, reason)
			VALUES ($1,$2,$3,$4)`,
			e.Instant, e.Category.String(), e.SubjectTxID, e.Reason)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresSink) TaxEvents(ctx context.Context) ([]model.TaxEvent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT tax_year, kind, instant_utc, asset, qty, proceeds_eur, cost_basis_eur,
		       gain_eur, holding, income_category, source_tx_id, synthetic_inputs, lots_consumed_json
		FROM tax_events ORDER BY instant_utc ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.TaxEvent
	for rows.Next() {
		var kind, asset, qty, proceeds, basis, gain, holding, category string
		var lotsJSON []byte
		var ev model.TaxEvent
		if err := rows.Scan(&ev.TaxYear, &kind, &ev.Instant, &asset, &qty, &proceeds, &basis,
			&gain, &holding, &category, &ev.SourceTxID, &ev.SyntheticInputs, &lotsJSON); err != nil {
			return nil, err
		}

		kindVal, err := parseTaxEventKind(kind)
		if err != nil {
			return nil, err
		}
		ev.Kind = kindVal
		if kindVal == model.IncomeEvent {
			ev.AssetReceived = model.NewAsset(asset)
		} else {
			ev.AssetDisposed = model.NewAsset(asset)
		}
		if ev.Qty, err = decimalOrZero(qty); err != nil {
			return nil, err
		}
		if ev.ProceedsEUR, err = decimalOrZero(proceeds); err != nil {
			return nil, err
		}
		if ev.CostBasisEUR, err = decimalOrZero(basis); err != nil {
			return nil, err
		}
		if ev.GainEUR, err = decimalOrZero(gain); err != nil {
			return nil, err
		}
		ev.Holding = parseHoldingPeriod(holding)
		ev.Category = parseIncomeCategory(category)
		if len(lotsJSON) > 0 {
			if err := json.Unmarshal(lotsJSON, &ev.LotsConsumed); err != nil {
				return nil, err
			}
		}

		out = append(out, ev)
	}
	return out, rows.Err()
}

func decimalOrZero(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func parseTaxEventKind(s string) (model.TaxEventKind, error) {
	switch s {
	case model.CapitalDisposal.String():
		return model.CapitalDisposal, nil
	case model.IncomeEvent.String():
		return model.IncomeEvent, nil
	default:
		return 0, fmt.Errorf("unrecognized tax event kind %q", s)
	}
}

func parseHoldingPeriod(s string) model.HoldingPeriod {
	if s == model.Long.String() {
		return model.Long
	}
	return model.Short
}

func parseIncomeCategory(s string) model.IncomeCategory {
	if s == model.MovableCapital.String() {
		return model.MovableCapital
	}
	return model.OtherIncome
}

func parseAuditKind(s string) model.AuditKind {
	for _, k := range []model.AuditKind{
		model.SyntheticInserted, model.PriceFallback, model.RoundingSplit,
		model.RowSkipped, model.DisposalNeedsPrice, model.ConsolidationDropped,
	} {
		if k.String() == s {
			return k
		}
	}
	return model.SyntheticInserted
}

func (s *PostgresSink) AuditEntries(ctx context.Context) ([]model.AuditEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT instant_utc, category, subject_tx_id, reason
		FROM audit_entries ORDER BY instant_utc ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		var category string
		if err := rows.Scan(&e.Instant, &category, &e.SubjectTxID, &e.Reason); err != nil {
			return nil, err
		}
		e.Category = parseAuditKind(category)
		out = append(out, e)
	}
	return out, rows.Err()
}

// execWithRetry adapts internal/data/retry.go's ExecWithRetry: every error
// is retried with exponential backoff (500ms doubling, capped at 30s), up
// to 5 attempts for ordinary errors and 10 for connection errors.
func (s *PostgresSink) execWithRetry(ctx context.Context, query string, args ...interface{}) (pgconn.CommandTag, error) {
	const maxAttempts = 5
	const maxConnectionAttempts = 10
	backoff := 500 * time.Millisecond

	var tag pgconn.CommandTag
	var err error

	for attempt := 1; attempt <= maxConnectionAttempts; attempt++ {
		tag, err = s.db.Exec(ctx, query, args...)
		if err == nil {
			return tag, nil
		}
		if ctx.Err() != nil {
			return tag, ctx.Err()
		}

		limit := maxAttempts
		if isConnectionError(err) {
			limit = maxConnectionAttempts
		}
		if attempt >= limit {
			break
		}
		time.Sleep(backoff)
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
	return tag, err
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if pgErr, ok := err.(*pgconn.PgError); ok {
		code := pgErr.Code
		return strings.HasPrefix(code, "08") || code == "57P01" || code == "57P02" || code == "57P03"
	}
	errStr := strings.ToLower(err.Error())
	for _, keyword := range []string{
		"connection refused", "connection reset", "connection closed",
		"unexpected eof", "broken pipe", "no such host",
		"network is unreachable", "timeout", "connection lost",
		"server closed the connection",
	} {
		if strings.Contains(errStr, keyword) {
			return true
		}
	}
	return false
}
