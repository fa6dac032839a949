// Package report renders the Sink's TaxEvent and AuditEntry records as the
// two CSV outputs described in §6: one row per tax event, one row per audit
// entry. Column order is fixed and is the on-disk contract other tools
// consume, so it is never reordered by flags.
package report

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"

	"qntropy/internal/model"
)

var taxEventColumns = []string{
	"tax_year", "kind", "instant_utc", "asset", "qty", "proceeds_eur",
	"cost_basis_eur", "gain_eur", "holding", "income_category",
	"source_tx_id", "synthetic_inputs", "lots_consumed_json",
}

var auditColumns = []string{
	"instant_utc", "category", "subject_tx_id", "reason",
}

// WriteTaxEvents renders events as CSV to w, oldest instant first. Callers
// are expected to have already sorted events (the Sink returns them in
// append order, which the pipeline guarantees is chronological).
func WriteTaxEvents(w io.Writer, events []model.TaxEvent) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(taxEventColumns); err != nil {
		return err
	}
	for _, ev := range events {
		row, err := taxEventRow(ev)
		if err != nil {
			return err
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func taxEventRow(ev model.TaxEvent) ([]string, error) {
	asset := ev.AssetDisposed.Symbol
	qty := ev.Qty
	if ev.Kind == model.IncomeEvent {
		asset = ev.AssetReceived.Symbol
		qty = ev.Qty
	}

	lotsJSON, err := json.Marshal(ev.LotsConsumed)
	if err != nil {
		return nil, err
	}

	return []string{
		strconv.Itoa(ev.TaxYear),
		ev.Kind.String(),
		ev.Instant.UTC().Format("2006-01-02T15:04:05Z07:00"),
		asset,
		qty.String(),
		ev.ProceedsEUR.String(),
		ev.CostBasisEUR.String(),
		ev.GainEUR.String(),
		ev.Holding.String(),
		ev.Category.String(),
		ev.SourceTxID,
		boolStr(ev.SyntheticInputs),
		string(lotsJSON),
	}, nil
}

// WriteAudit renders audit entries as CSV to w.
func WriteAudit(w io.Writer, entries []model.AuditEntry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(auditColumns); err != nil {
		return err
	}
	for _, e := range entries {
		row := []string{
			e.Instant.UTC().Format("2006-01-02T15:04:05Z07:00"),
			e.Category.String(),
			e.SubjectTxID,
			e.Reason,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
