package sink

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"qntropy/internal/model"
)

// These exercise the read-back parsing PostgresSink.TaxEvents/AuditEntries
// apply to each scanned column, without a live database: the values are
// exactly what AppendTaxEvents/AppendAudit write via ev.Kind.String(),
// ev.Holding.String(), etc., so round-tripping them here is what a real
// SELECT would hand back.
func TestParseTaxEventKind(t *testing.T) {
	kind, err := parseTaxEventKind(model.CapitalDisposal.String())
	require.NoError(t, err)
	require.Equal(t, model.CapitalDisposal, kind)

	kind, err = parseTaxEventKind(model.IncomeEvent.String())
	require.NoError(t, err)
	require.Equal(t, model.IncomeEvent, kind)

	_, err = parseTaxEventKind("bogus")
	require.Error(t, err)
}

func TestParseHoldingPeriod(t *testing.T) {
	require.Equal(t, model.Long, parseHoldingPeriod(model.Long.String()))
	require.Equal(t, model.Short, parseHoldingPeriod(model.Short.String()))
}

func TestParseIncomeCategory(t *testing.T) {
	require.Equal(t, model.MovableCapital, parseIncomeCategory(model.MovableCapital.String()))
	require.Equal(t, model.OtherIncome, parseIncomeCategory(model.OtherIncome.String()))
}

func TestParseAuditKind(t *testing.T) {
	for _, k := range []model.AuditKind{
		model.SyntheticInserted, model.PriceFallback, model.RoundingSplit,
		model.RowSkipped, model.DisposalNeedsPrice, model.ConsolidationDropped,
	} {
		require.Equal(t, k, parseAuditKind(k.String()))
	}
}

func TestDecimalOrZero(t *testing.T) {
	v, err := decimalOrZero("")
	require.NoError(t, err)
	require.True(t, v.Equal(decimal.Zero))

	v, err = decimalOrZero("25000.5")
	require.NoError(t, err)
	require.True(t, v.Equal(decimal.RequireFromString("25000.5")))

	_, err = decimalOrZero("not-a-number")
	require.Error(t, err)
}

// TestTaxEventRoundTripShape checks that the kind, holding and category
// strings AppendTaxEvents writes for a CapitalDisposal event and an Income
// event parse back to the same values in TaxEvents; the asset and amount
// columns are not checked here.
func TestTaxEventRoundTripShape(t *testing.T) {
	disposal := model.TaxEvent{
		Kind:          model.CapitalDisposal,
		AssetDisposed: model.NewAsset("BTC"),
		Qty:           decimal.RequireFromString("1"),
		ProceedsEUR:   decimal.RequireFromString("25000"),
		CostBasisEUR:  decimal.RequireFromString("20000"),
		GainEUR:       decimal.RequireFromString("5000"),
		Holding:       model.Long,
	}
	kind, err := parseTaxEventKind(disposal.Kind.String())
	require.NoError(t, err)
	require.Equal(t, model.CapitalDisposal, kind)
	require.Equal(t, model.Long, parseHoldingPeriod(disposal.Holding.String()))

	income := model.TaxEvent{
		Kind:          model.IncomeEvent,
		AssetReceived: model.NewAsset("ADA"),
		FMVEur:        decimal.RequireFromString("4"),
		Category:      model.MovableCapital,
	}
	kind, err = parseTaxEventKind(income.Kind.String())
	require.NoError(t, err)
	require.Equal(t, model.IncomeEvent, kind)
	require.Equal(t, model.MovableCapital, parseIncomeCategory(income.Category.String()))
}
