package priceoracle

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"

	"qntropy/internal/model"
	"qntropy/internal/qerr"
)

const fallbackWindowDays = 7

// Oracle is component B (§4.2): a deterministic EUR valuation for any
// (asset, instant) pair, with on-disk caching, an ordered provider list,
// cross-rate bridging, and a bounded nearest-earlier-day fallback.
type Oracle struct {
	Providers       []Provider
	Cache           *DiskCache
	Hot             *RedisHotCache
	Bridges         []string // tried in order; first to yield both legs wins
	ProviderTimeout time.Duration
}

// New builds an Oracle with the spec's defaults: bridge currency USD,
// 10s-per-provider timeout (§5).
func New(cache *DiskCache, providers []Provider) *Oracle {
	return &Oracle{
		Providers:       providers,
		Cache:           cache,
		Bridges:         []string{"USD"},
		ProviderTimeout: 10 * time.Second,
	}
}

// PriceEUR resolves the EUR price of asset at instant, per §4.2. It never
// fails silently: it returns a concrete Quote plus the AuditEntries
// recording any fallback taken, or a *qerr.MissingPrice.
func (o *Oracle) PriceEUR(ctx context.Context, asset string, instant time.Time) (Quote, []model.AuditEntry, error) {
	if asset == "EUR" {
		return Quote{Price: decimal.New(1, 0), Source: "intrinsic"}, nil, nil
	}

	day0 := truncateToDay(instant)
	var audit []model.AuditEntry

	for offset := 0; offset <= fallbackWindowDays; offset++ {
		day := day0.AddDate(0, 0, -offset)
		q, ok, err := o.priceEURForDay(ctx, asset, day)
		if err != nil {
			return Quote{}, audit, err
		}
		if ok {
			if offset > 0 {
				audit = append(audit, model.AuditEntry{
					Instant:     instant,
					Category:    model.PriceFallback,
					SubjectTxID: asset,
					Reason:      fmt.Sprintf("price_fallback_days=%d", offset),
				})
			}
			return q, audit, nil
		}
	}

	return Quote{}, audit, &qerr.MissingPrice{
		Asset:  asset,
		Day:    day0.Format("2006-01-02"),
		Reason: fmt.Sprintf("no provider quote within %d-day fallback window", fallbackWindowDays),
	}
}

// priceEURForDay resolves asset's EUR price on exactly one calendar day:
// cache, then direct providers, then cross-rate bridge. A direct-provider
// or bridge success is written back to the cache before returning.
func (o *Oracle) priceEURForDay(ctx context.Context, asset string, day time.Time) (Quote, bool, error) {
	if o.Hot != nil {
		if price, source, ok := o.Hot.Get(ctx, asset, day); ok {
			return Quote{Price: price, Source: source}, true, nil
		}
	}
	if o.Cache != nil {
		entry, ok, err := o.Cache.Get(asset, day)
		if err != nil {
			// A CacheIOError is retried once; a second failure counts as a
			// cache miss, so the providers are still consulted (§7).
			entry, ok, err = o.Cache.Get(asset, day)
		}
		if err == nil && ok {
			if o.Hot != nil {
				o.Hot.Set(ctx, asset, day, entry.Price, entry.Source)
			}
			return Quote{Price: entry.Price, Source: entry.Source}, true, nil
		}
	}

	if q, ok, err := o.tryProviders(ctx, asset, "EUR", day); err != nil {
		return Quote{}, false, err
	} else if ok {
		o.commit(ctx, asset, day, q)
		return q, true, nil
	}

	for _, bridge := range o.Bridges {
		legA, ok, err := o.tryProviders(ctx, asset, bridge, day)
		if err != nil {
			return Quote{}, false, err
		}
		if !ok {
			continue
		}
		legB, ok, err := o.priceEURForDay(ctx, bridge, day)
		if err != nil {
			return Quote{}, false, err
		}
		if !ok {
			continue
		}
		combined := Quote{
			Price:  legA.Price.Mul(legB.Price),
			Source: fmt.Sprintf("bridge:%s via %s+%s", bridge, legA.Source, legB.Source),
		}
		o.commit(ctx, asset, day, combined)
		return combined, true, nil
	}

	return Quote{}, false, nil
}

func (o *Oracle) commit(ctx context.Context, asset string, day time.Time, q Quote) {
	if o.Cache != nil {
		// Cache errors are not fatal to a successful quote: the price
		// was still correctly resolved this run. A persistent cache
		// failure will simply cause the same provider round-trip next
		// time, which is the CacheIOError "retried once, then treated
		// as a decline" policy operating one layer up.
		_ = o.Cache.Put(asset, day, q.Price, q.Source)
	}
	if o.Hot != nil {
		o.Hot.Set(ctx, asset, day, q.Price, q.Source)
	}
}

// tryProviders asks each configured provider in order, under the §5
// per-provider timeout, retrying an erroring attempt once via backoff.
// The first success wins. A provider that declines, times out, or still
// errors after its retry counts as a decline, so the returned error is
// always nil.
func (o *Oracle) tryProviders(ctx context.Context, asset, quoteCurrency string, day time.Time) (Quote, bool, error) {
	for _, p := range o.Providers {
		q, ok, err := o.tryOneProvider(ctx, p, asset, quoteCurrency, day)
		if err != nil {
			// A provider's operational error still just means "this
			// provider declines" per §5 — fall through to the next one.
			continue
		}
		if ok {
			return q, true, nil
		}
	}
	return Quote{}, false, nil
}

func (o *Oracle) tryOneProvider(ctx context.Context, p Provider, asset, quoteCurrency string, day time.Time) (Quote, bool, error) {
	timeout := o.ProviderTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var result Quote
	var found bool

	op := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		q, ok, err := p.TryQuote(attemptCtx, asset, quoteCurrency, day)
		if err != nil {
			return err
		}
		result, found = q, ok
		return nil
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 1)
	if err := backoff.Retry(op, bo); err != nil {
		return Quote{}, false, err
	}
	return result, found, nil
}

func truncateToDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
