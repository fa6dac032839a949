package priceoracle

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"qntropy/internal/model"
	"qntropy/internal/qerr"
)

func TestOraclePriceEUR_EURIsIntrinsic(t *testing.T) {
	o := New(NewDiskCache(t.TempDir()), nil)
	q, audit, err := o.PriceEUR(context.Background(), "EUR", time.Now())
	require.NoError(t, err)
	require.Empty(t, audit)
	require.True(t, q.Price.Equal(decimal.New(1, 0)))
}

func TestOraclePriceEUR_DirectQuote(t *testing.T) {
	fp := NewFixtureProvider(nil)
	day := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	fp.Set("BTC", "EUR", day, decimal.RequireFromString("25000"))

	o := New(NewDiskCache(t.TempDir()), []Provider{fp})
	q, audit, err := o.PriceEUR(context.Background(), "BTC", day)
	require.NoError(t, err)
	require.Empty(t, audit)
	require.True(t, q.Price.Equal(decimal.RequireFromString("25000")))
}

func TestOraclePriceEUR_BridgesThroughUSD(t *testing.T) {
	fp := NewFixtureProvider(nil)
	day := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	fp.Set("XYZ", "USD", day, decimal.RequireFromString("10"))
	fp.Set("USD", "EUR", day, decimal.RequireFromString("0.9"))

	o := New(NewDiskCache(t.TempDir()), []Provider{fp})
	q, _, err := o.PriceEUR(context.Background(), "XYZ", day)
	require.NoError(t, err)
	require.True(t, q.Price.Equal(decimal.RequireFromString("9.0")), "price=%s", q.Price)
}

func TestOraclePriceEUR_FallsBackToEarlierDay(t *testing.T) {
	fp := NewFixtureProvider(nil)
	day := time.Date(2023, 6, 10, 0, 0, 0, 0, time.UTC)
	staleDay := day.AddDate(0, 0, -3)
	fp.Set("BTC", "EUR", staleDay, decimal.RequireFromString("24000"))

	o := New(NewDiskCache(t.TempDir()), []Provider{fp})
	q, audit, err := o.PriceEUR(context.Background(), "BTC", day)
	require.NoError(t, err)
	require.True(t, q.Price.Equal(decimal.RequireFromString("24000")))
	require.Len(t, audit, 1)
	require.Equal(t, model.PriceFallback, audit[0].Category)
}

func TestOraclePriceEUR_MissingBeyondWindow(t *testing.T) {
	fp := NewFixtureProvider(nil)
	o := New(NewDiskCache(t.TempDir()), []Provider{fp})

	_, _, err := o.PriceEUR(context.Background(), "BTC", time.Date(2023, 6, 10, 0, 0, 0, 0, time.UTC))
	require.Error(t, err)
	var missing *qerr.MissingPrice
	require.ErrorAs(t, err, &missing)
	require.Equal(t, "BTC", missing.Asset)
}

func TestOraclePriceEUR_CachesAcrossCalls(t *testing.T) {
	dir := t.TempDir()
	fp := NewFixtureProvider(nil)
	day := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	fp.Set("BTC", "EUR", day, decimal.RequireFromString("25000"))

	o := New(NewDiskCache(dir), []Provider{fp})
	_, _, err := o.PriceEUR(context.Background(), "BTC", day)
	require.NoError(t, err)

	// A fresh Oracle with no providers must still resolve the price from
	// the on-disk cache the first Oracle committed to.
	o2 := New(NewDiskCache(dir), nil)
	q, _, err := o2.PriceEUR(context.Background(), "BTC", day)
	require.NoError(t, err)
	require.True(t, q.Price.Equal(decimal.RequireFromString("25000")))
}
