package reconcile

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"qntropy/internal/model"
)

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func TestReconcile(t *testing.T) {
	t.Run("no gaps, no synthetic Txs", func(t *testing.T) {
		day := time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)
		txs := []model.Tx{
			{
				ID:      "tx1",
				Instant: day,
				Kind:    model.Deposit,
				InLeg:   model.NewLeg(model.NewAsset("BTC"), mustDecimal(t, "1")),
				Ordinal: 0,
			},
			{
				ID:      "tx2",
				Instant: day.AddDate(0, 0, 1),
				Kind:    model.Withdrawal,
				OutLeg:  model.NewLeg(model.NewAsset("BTC"), mustDecimal(t, "0.4")),
				Ordinal: 1,
			},
		}

		res, err := Reconcile(txs, nil, model.Tolerance)
		require.NoError(t, err)
		require.Len(t, res.Txs, 2)
		require.Empty(t, res.Audit)
	})

	t.Run("missing history inserts a synthetic balancing deposit", func(t *testing.T) {
		instant := time.Date(2022, 5, 10, 0, 0, 0, 0, time.UTC)
		txs := []model.Tx{
			{
				ID:      "w1",
				Instant: instant,
				Kind:    model.Withdrawal,
				OutLeg:  model.NewLeg(model.NewAsset("BTC"), mustDecimal(t, "0.5")),
				Ordinal: 0,
			},
		}

		res, err := Reconcile(txs, nil, model.Tolerance)
		require.NoError(t, err)
		require.Len(t, res.Txs, 2)

		synth := res.Txs[0]
		require.Equal(t, model.SyntheticBalancingDeposit, synth.Kind)
		require.True(t, synth.Synthetic)
		require.NotEmpty(t, synth.OriginNote)
		require.True(t, synth.InLeg.Amount.Equal(mustDecimal(t, "0.5")))
		require.Equal(t, instant.Add(-time.Microsecond), synth.Instant)

		require.Len(t, res.Audit, 1)
		require.Equal(t, model.SyntheticInserted, res.Audit[0].Category)
		require.Equal(t, "w1", res.Audit[0].SubjectTxID)
	})

	t.Run("final-balance consolidation emits a synthetic withdrawal", func(t *testing.T) {
		instant := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
		txs := []model.Tx{
			{
				ID:      "d1",
				Instant: instant,
				Kind:    model.Deposit,
				InLeg:   model.NewLeg(model.NewAsset("BTC"), mustDecimal(t, "0.3")),
				Ordinal: 0,
			},
		}

		asOf := time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC)
		snap := &Snapshot{
			AsOf:     asOf,
			Balances: map[string]decimal.Decimal{"BTC": mustDecimal(t, "0.25")},
			Source:   "user-snapshot",
		}

		res, err := Reconcile(txs, snap, model.Tolerance)
		require.NoError(t, err)
		require.Len(t, res.Txs, 2)

		consolidation := res.Txs[1]
		require.Equal(t, model.SyntheticConsolidation, consolidation.Kind)
		require.True(t, consolidation.OutLeg.Present)
		require.True(t, consolidation.OutLeg.Amount.Equal(mustDecimal(t, "0.05")))
		require.Equal(t, asOf, consolidation.Instant)
	})

	t.Run("snapshot before last Tx instant is rejected", func(t *testing.T) {
		instant := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
		txs := []model.Tx{
			{ID: "d1", Instant: instant, Kind: model.Deposit, InLeg: model.NewLeg(model.NewAsset("BTC"), mustDecimal(t, "1"))},
		}
		snap := &Snapshot{AsOf: instant.AddDate(0, 0, -1), Balances: map[string]decimal.Decimal{}}

		_, err := Reconcile(txs, snap, model.Tolerance)
		require.Error(t, err)
	})

	t.Run("diff within tolerance is dropped without a synthetic Tx", func(t *testing.T) {
		instant := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
		txs := []model.Tx{
			{ID: "d1", Instant: instant, Kind: model.Deposit, InLeg: model.NewLeg(model.NewAsset("BTC"), mustDecimal(t, "1"))},
		}
		tiny := decimal.New(1, -10)
		snap := &Snapshot{
			AsOf:     instant.AddDate(0, 0, 1),
			Balances: map[string]decimal.Decimal{"BTC": mustDecimal(t, "1").Add(tiny)},
		}

		res, err := Reconcile(txs, snap, model.Tolerance)
		require.NoError(t, err)
		require.Len(t, res.Txs, 1)
	})
}
