package fifo

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"qntropy/internal/model"
	"qntropy/internal/priceoracle"
	"qntropy/internal/qerr"
)

// fixedPriceSource is a PriceSource stub keyed by "ASSET|YYYY-MM-DD",
// used so FIFO engine tests never depend on the real Oracle's fallback
// or bridging logic.
type fixedPriceSource struct {
	prices map[string]decimal.Decimal
}

func newFixedPriceSource() *fixedPriceSource {
	return &fixedPriceSource{prices: make(map[string]decimal.Decimal)}
}

func (f *fixedPriceSource) set(asset string, day time.Time, price decimal.Decimal) {
	f.prices[asset+"|"+day.Format("2006-01-02")] = price
}

func (f *fixedPriceSource) PriceEUR(_ context.Context, asset string, instant time.Time) (priceoracle.Quote, []model.AuditEntry, error) {
	if asset == "EUR" {
		return priceoracle.Quote{Price: decimal.New(1, 0), Source: "intrinsic"}, nil, nil
	}
	price, ok := f.prices[asset+"|"+instant.Format("2006-01-02")]
	if !ok {
		return priceoracle.Quote{}, nil, &qerr.MissingPrice{
			Asset:  asset,
			Day:    instant.Format("2006-01-02"),
			Reason: "no fixture price registered",
		}
	}
	return priceoracle.Quote{Price: price, Source: "fixture"}, nil, nil
}

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func TestFIFOEngine(t *testing.T) {
	t.Run("S1 pure buy-sell with EUR fees", func(t *testing.T) {
		prices := newFixedPriceSource()
		eng := New(prices, time.UTC)

		buyDay := time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)
		sellDay := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)

		txs := []model.Tx{
			{
				ID:      "buy",
				Instant: buyDay,
				Kind:    model.Trade,
				InLeg:   model.NewLeg(model.NewAsset("BTC"), dec(t, "1")),
				OutLeg:  model.NewLeg(model.NewAsset("EUR"), dec(t, "20000")),
				FeeLeg:  model.NewLeg(model.NewAsset("EUR"), dec(t, "10")),
			},
			{
				ID:      "sell",
				Instant: sellDay,
				Kind:    model.Trade,
				InLeg:   model.NewLeg(model.NewAsset("EUR"), dec(t, "25000")),
				OutLeg:  model.NewLeg(model.NewAsset("BTC"), dec(t, "1")),
				FeeLeg:  model.NewLeg(model.NewAsset("EUR"), dec(t, "12")),
			},
		}

		events, _, err := eng.Process(context.Background(), txs)
		require.NoError(t, err)
		require.Len(t, events, 1)

		ev := events[0]
		require.Equal(t, model.CapitalDisposal, ev.Kind)
		require.True(t, ev.CostBasisEUR.Equal(dec(t, "20010")), "basis=%s", ev.CostBasisEUR)
		require.True(t, ev.ProceedsEUR.Equal(dec(t, "24988")), "proceeds=%s", ev.ProceedsEUR)
		require.True(t, ev.GainEUR.Equal(dec(t, "4978")), "gain=%s", ev.GainEUR)
		require.Equal(t, model.Short, ev.Holding)
	})

	t.Run("S3 missing history disposes a zero-basis synthetic lot", func(t *testing.T) {
		prices := newFixedPriceSource()
		eng := New(prices, time.UTC)
		day := time.Date(2022, 5, 10, 0, 0, 0, 0, time.UTC)
		prices.set("BTC", day, dec(t, "30000"))

		txs := []model.Tx{
			{
				ID:         "synthetic-deposit",
				Instant:    day.Add(-time.Microsecond),
				Kind:       model.SyntheticBalancingDeposit,
				InLeg:      model.NewLeg(model.NewAsset("BTC"), dec(t, "0.5")),
				Synthetic:  true,
				OriginNote: "balance_repair for tx w1, deficit 0.5",
			},
			{
				ID:      "w1",
				Instant: day,
				Kind:    model.Withdrawal,
				OutLeg:  model.NewLeg(model.NewAsset("BTC"), dec(t, "0.5")),
			},
		}

		events, _, err := eng.Process(context.Background(), txs)
		require.NoError(t, err)
		require.Len(t, events, 1)

		ev := events[0]
		require.True(t, ev.CostBasisEUR.IsZero())
		require.True(t, ev.ProceedsEUR.Equal(dec(t, "15000")))
		require.True(t, ev.GainEUR.Equal(dec(t, "15000")))
		require.True(t, ev.SyntheticInputs)
	})

	t.Run("S4 staking income then disposal", func(t *testing.T) {
		prices := newFixedPriceSource()
		eng := New(prices, time.UTC)
		stakeDay := time.Date(2023, 2, 1, 0, 0, 0, 0, time.UTC)
		sellDay := time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC)
		prices.set("ADA", stakeDay, dec(t, "0.40"))
		prices.set("ADA", sellDay, dec(t, "0.60"))

		txs := []model.Tx{
			{ID: "stake", Instant: stakeDay, Kind: model.StakingReward, InLeg: model.NewLeg(model.NewAsset("ADA"), dec(t, "10"))},
			{ID: "sell", Instant: sellDay, Kind: model.Withdrawal, OutLeg: model.NewLeg(model.NewAsset("ADA"), dec(t, "10"))},
		}

		events, _, err := eng.Process(context.Background(), txs)
		require.NoError(t, err)
		require.Len(t, events, 2)

		income := events[0]
		require.Equal(t, model.IncomeEvent, income.Kind)
		require.True(t, income.FMVEur.Equal(dec(t, "4.00")))
		require.Equal(t, model.MovableCapital, income.Category)

		disposal := events[1]
		require.Equal(t, model.CapitalDisposal, disposal.Kind)
		require.True(t, disposal.CostBasisEUR.Equal(dec(t, "4.00")))
		require.True(t, disposal.ProceedsEUR.Equal(dec(t, "6.00")))
		require.True(t, disposal.GainEUR.Equal(dec(t, "2.00")))
	})

	t.Run("S5 partial FIFO consumption across two lots", func(t *testing.T) {
		prices := newFixedPriceSource()
		eng := New(prices, time.UTC)
		day1 := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
		day2 := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
		sellDay := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
		prices.set("BTC", sellDay, dec(t, "40000"))

		txs := []model.Tx{
			{ID: "lot1", Instant: day1, Kind: model.Deposit, InLeg: model.NewLeg(model.NewAsset("BTC"), dec(t, "1"))},
			{ID: "lot2", Instant: day2, Kind: model.Deposit, InLeg: model.NewLeg(model.NewAsset("BTC"), dec(t, "1"))},
			{ID: "sell", Instant: sellDay, Kind: model.Withdrawal, OutLeg: model.NewLeg(model.NewAsset("BTC"), dec(t, "1.5"))},
		}
		prices.set("BTC", day1, dec(t, "10000"))
		prices.set("BTC", day2, dec(t, "30000"))

		events, _, err := eng.Process(context.Background(), txs)
		require.NoError(t, err)
		require.Len(t, events, 1)

		ev := events[0]
		require.True(t, ev.CostBasisEUR.Equal(dec(t, "25000")), "basis=%s", ev.CostBasisEUR)
		require.True(t, ev.ProceedsEUR.Equal(dec(t, "60000")), "proceeds=%s", ev.ProceedsEUR)
		require.True(t, ev.GainEUR.Equal(dec(t, "35000")), "gain=%s", ev.GainEUR)
		require.Equal(t, model.Long, ev.Holding)
		require.Len(t, ev.LotsConsumed, 2)
	})
}
