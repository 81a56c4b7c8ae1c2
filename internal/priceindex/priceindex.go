// Package priceindex wraps the external TRX/USD price feed the Payout
// Pipeline's cost-accounting step consults (spec §4.6 step 5). It never
// blocks a payout on a feed error: a cached value, and failing that a
// documented fallback constant, is always available.
package priceindex

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/escrowd/escrowd/internal/money"
)

// CacheTTL is how long a fetched price is reused before a refetch is
// attempted (§4.6 step 5: "cached Price Feed").
const CacheTTL = 5 * time.Minute

// Source fetches the current TRX/USD price from an upstream feed.
type Source interface {
	TRXUSDPrice(ctx context.Context) (decimal.Decimal, error)
}

// Index is a TTL-cached read-through wrapper over a Source.
type Index struct {
	source Source

	mu      sync.Mutex
	cached  decimal.Decimal
	fetched time.Time
	haveAny bool
}

// New wraps source with a cache.
func New(source Source) *Index {
	return &Index{source: source}
}

// Price returns the current TRX/USD price and whether the value is stale
// (served from cache past its TTL, or the documented fallback because no
// fetch has ever succeeded). It never returns an error: §4.6 step 5
// mandates cost accounting proceed with a best-effort price rather than
// stalling the pipeline.
func (idx *Index) Price(ctx context.Context) (price decimal.Decimal, stale bool) {
	idx.mu.Lock()
	fresh := idx.haveAny && time.Since(idx.fetched) < CacheTTL
	cached := idx.cached
	idx.mu.Unlock()

	if fresh {
		return cached, false
	}

	p, err := idx.source.TRXUSDPrice(ctx)
	if err != nil {
		idx.mu.Lock()
		defer idx.mu.Unlock()
		if idx.haveAny {
			// Serve the last known value rather than the hardcoded
			// fallback; it is more accurate than a constant even when
			// stale.
			return idx.cached, true
		}
		return money.FallbackTRXUSDPrice, true
	}

	idx.mu.Lock()
	idx.cached = p
	idx.fetched = time.Now()
	idx.haveAny = true
	idx.mu.Unlock()
	return p, false
}
