// Package priceoracle implements component B (§4.2): a deterministic EUR
// valuation for any (asset, instant) pair, backed by a content-addressed
// on-disk cache and an ordered list of upstream providers.
package priceoracle

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Quote is what a Provider returns on success.
type Quote struct {
	Price  decimal.Decimal
	Source string
}

// Provider is the oracle's only polymorphic call site (§9 "Dynamic
// dispatch"): a small ordered list of capability objects, each able to try
// quoting one (asset, quoteCurrency, day) pair and decline if it can't. No
// open-world extensibility is required — a slice of Provider is enough,
// exactly as §9 describes.
//
// quoteCurrency is almost always "EUR", but the oracle also calls providers
// with quoteCurrency set to the configured bridge currency (default "USD")
// when computing a cross-rate (§4.2): price_eur(A,t) = price_X(A,t) ×
// price_eur(X,t). A provider that only ever quotes in EUR can simply
// decline for any other quoteCurrency.
type Provider interface {
	// Name identifies the provider for the returned Quote.Source and for
	// audit/log messages.
	Name() string
	// TryQuote returns a Quote and ok=true on success, ok=false on a
	// normal decline (unsupported asset/currency pair, no data for that
	// day), or a non-nil error for an operational failure (network,
	// auth). Both ok=false and err != nil are treated as "this provider
	// declines" by the oracle (§5: timeouts count as declines too).
	TryQuote(ctx context.Context, asset, quoteCurrency string, day time.Time) (Quote, bool, error)
}
