package priceoracle

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// FixtureProvider is a deterministic, in-memory provider used by tests and
// by pinned-cache reproducible runs (§4.2 "Determinism": test suites pin
// the cache/provider-response fixture). It is also the default
// QNTROPY_PRICE_PROVIDER so a fresh checkout runs without any network
// credentials.
type FixtureProvider struct {
	// Quotes is keyed by "ASSET|CURRENCY|YYYY-MM-DD".
	Quotes map[string]decimal.Decimal
}

func NewFixtureProvider(quotes map[string]decimal.Decimal) *FixtureProvider {
	if quotes == nil {
		quotes = map[string]decimal.Decimal{}
	}
	return &FixtureProvider{Quotes: quotes}
}

func (f *FixtureProvider) Name() string { return "fixture" }

func (f *FixtureProvider) TryQuote(_ context.Context, asset, quoteCurrency string, day time.Time) (Quote, bool, error) {
	key := fixtureKey(asset, quoteCurrency, day)
	price, ok := f.Quotes[key]
	if !ok {
		return Quote{}, false, nil
	}
	return Quote{Price: price, Source: "fixture"}, true, nil
}

// Set registers a fixed price for asset, quoted in quoteCurrency, on day.
func (f *FixtureProvider) Set(asset, quoteCurrency string, day time.Time, price decimal.Decimal) {
	f.Quotes[fixtureKey(asset, quoteCurrency, day)] = price
}

func fixtureKey(asset, quoteCurrency string, day time.Time) string {
	return asset + "|" + quoteCurrency + "|" + day.Format("2006-01-02")
}
