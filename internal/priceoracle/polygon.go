package priceoracle

import (
	"context"
	"fmt"
	"time"

	polygon "github.com/polygon-io/client-go/rest"
	"github.com/polygon-io/client-go/rest/models"
	"github.com/shopspring/decimal"
)

// PolygonProvider quotes crypto and forex day-closes from Polygon.io,
// repurposing the teacher's own price-data dependency
// (internal/data/conn.go's polygon.Client, utils/quote.go's GetAggsData)
// from equities aggregates to the crypto/forex aggregates this oracle
// needs. It asks for the single day's closing aggregate and declines
// (rather than erroring) when Polygon has no bar for that ticker/day,
// exactly as §4.2 requires: "a provider returns either a direct EUR quote
// or declines".
type PolygonProvider struct {
	client *polygon.Client
}

func NewPolygonProvider(apiKey string) *PolygonProvider {
	return &PolygonProvider{client: polygon.New(apiKey)}
}

func (p *PolygonProvider) Name() string { return "polygon" }

func (p *PolygonProvider) TryQuote(ctx context.Context, asset, quoteCurrency string, day time.Time) (Quote, bool, error) {
	ticker := polygonTicker(asset, quoteCurrency)
	if ticker == "" {
		return Quote{}, false, nil
	}

	dayStart := models.Millis(time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC))
	dayEnd := models.Millis(time.Date(day.Year(), day.Month(), day.Day(), 23, 59, 59, 0, time.UTC))

	params := models.ListAggsParams{
		Ticker:     ticker,
		Multiplier: 1,
		Timespan:   models.Timespan("day"),
		From:       dayStart,
		To:         dayEnd,
	}.WithOrder(models.Desc).WithLimit(1).WithAdjusted(true)

	iter := p.client.ListAggs(ctx, params)
	if !iter.Next() {
		if err := iter.Err(); err != nil {
			return Quote{}, false, fmt.Errorf("polygon ListAggs(%s): %w", ticker, err)
		}
		// No bar for that day — a normal decline, not an error.
		return Quote{}, false, nil
	}

	agg := iter.Item()
	price := decimal.NewFromFloat(agg.Close)
	if !price.IsPositive() {
		return Quote{}, false, nil
	}
	return Quote{Price: price, Source: "polygon:" + ticker}, true, nil
}

// polygonTicker maps (asset, quoteCurrency) onto Polygon's crypto/forex
// ticker syntax. EUR is never requested as asset (the oracle handles it
// intrinsically) so this only needs to cover crypto-vs-fiat and
// fiat-vs-fiat pairs.
func polygonTicker(asset, quoteCurrency string) string {
	if asset == quoteCurrency {
		return ""
	}
	if isFiat(asset) {
		return "C:" + asset + quoteCurrency
	}
	return "X:" + asset + quoteCurrency
}

func isFiat(sym string) bool {
	switch sym {
	case "EUR", "USD", "GBP", "CHF", "JPY":
		return true
	default:
		return false
	}
}
