package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"qntropy/internal/model"
)

func TestNormalize_TradeRow(t *testing.T) {
	rows := []Row{
		{Type: "Trade", BuyAmount: "1", BuyCurrency: "BTC", SellAmount: "20000", SellCurrency: "EUR", Fee: "10", FeeCurrency: "EUR", Exchange: "kraken", Date: "2023-01-02T10:00:00Z"},
	}
	res, err := Normalize(rows, "src1", Options{Location: time.UTC})
	require.NoError(t, err)
	require.Len(t, res.Txs, 1)
	require.Empty(t, res.Audit)

	tx := res.Txs[0]
	require.Equal(t, model.Trade, tx.Kind)
	require.True(t, tx.InLeg.Present)
	require.Equal(t, "BTC", tx.InLeg.Asset.Symbol)
	require.True(t, tx.OutLeg.Present)
	require.Equal(t, "EUR", tx.OutLeg.Asset.Symbol)
	require.True(t, tx.FeeLeg.Present)
	require.Equal(t, "src1-0", tx.ID)
}

func TestNormalize_UnknownKindIsFatalByDefault(t *testing.T) {
	rows := []Row{
		{Type: "mystery", Date: "2023-01-02T10:00:00Z"},
	}
	_, err := Normalize(rows, "src1", Options{Location: time.UTC})
	require.Error(t, err)
}

func TestNormalize_UnknownKindSkippedWhenOptedIn(t *testing.T) {
	rows := []Row{
		{Type: "mystery", Date: "2023-01-02T10:00:00Z"},
		{Type: "Deposit", BuyAmount: "1", BuyCurrency: "BTC", Date: "2023-01-03T10:00:00Z"},
	}
	res, err := Normalize(rows, "src1", Options{Location: time.UTC, SkipUnknown: true})
	require.NoError(t, err)
	require.Len(t, res.Txs, 1)
	require.Len(t, res.Audit, 1)
	require.Equal(t, model.RowSkipped, res.Audit[0].Category)
}

func TestNormalize_InvalidAmountIsSkippedWithAudit(t *testing.T) {
	rows := []Row{
		{Type: "Deposit", BuyAmount: "-5", BuyCurrency: "BTC", Date: "2023-01-02T10:00:00Z"},
	}
	res, err := Normalize(rows, "src1", Options{Location: time.UTC})
	require.NoError(t, err)
	require.Empty(t, res.Txs)
	require.Len(t, res.Audit, 1)
}

func TestNormalize_SortsByInstantThenPriority(t *testing.T) {
	rows := []Row{
		{Type: "Withdrawal", SellAmount: "1", SellCurrency: "BTC", Date: "2023-01-02T10:00:00Z"},
		{Type: "Deposit", BuyAmount: "1", BuyCurrency: "BTC", Date: "2023-01-02T10:00:00Z"},
	}
	res, err := Normalize(rows, "src1", Options{Location: time.UTC})
	require.NoError(t, err)
	require.Len(t, res.Txs, 2)
	// Same instant: Deposit (priority 0) must sort before Withdrawal
	// (priority 3) even though it appeared second in the source file.
	require.Equal(t, model.Deposit, res.Txs[0].Kind)
	require.Equal(t, model.Withdrawal, res.Txs[1].Kind)
}

func TestNormalize_KindTableIsCaseAndWhitespaceInsensitive(t *testing.T) {
	rows := []Row{
		{Type: "  Staking Reward ", BuyAmount: "10", BuyCurrency: "ADA", Date: "2023-01-02T10:00:00Z"},
	}
	res, err := Normalize(rows, "src1", Options{Location: time.UTC})
	require.NoError(t, err)
	require.Len(t, res.Txs, 1)
	require.Equal(t, model.StakingReward, res.Txs[0].Kind)
}
