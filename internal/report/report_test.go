package report

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"qntropy/internal/model"
)

func TestWriteTaxEvents(t *testing.T) {
	ev := model.TaxEvent{
		Kind:            model.CapitalDisposal,
		TaxYear:         2023,
		AssetDisposed:   model.NewAsset("BTC"),
		Qty:             decimal.RequireFromString("1"),
		ProceedsEUR:     decimal.RequireFromString("24988"),
		CostBasisEUR:    decimal.RequireFromString("20010"),
		GainEUR:         decimal.RequireFromString("4978"),
		Holding:         model.Short,
		SourceTxID:      "sell",
		Instant:         time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC),
		SyntheticInputs: false,
	}

	var buf bytes.Buffer
	require.NoError(t, WriteTaxEvents(&buf, []model.TaxEvent{ev}))

	out := buf.String()
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 2)
	require.Equal(t, strings.Join(taxEventColumns, ","), lines[0])
	require.Contains(t, lines[1], "2023,CapitalDisposal")
	require.Contains(t, lines[1], "4978")
}

func TestWriteAudit(t *testing.T) {
	e := model.AuditEntry{
		Instant:     time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC),
		Category:    model.SyntheticInserted,
		SubjectTxID: "w1",
		Reason:      "balance_repair for tx w1, deficit 0.5",
	}
	var buf bytes.Buffer
	require.NoError(t, WriteAudit(&buf, []model.AuditEntry{e}))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	require.Equal(t, strings.Join(auditColumns, ","), lines[0])
	require.Contains(t, lines[1], "SyntheticInserted")
}
