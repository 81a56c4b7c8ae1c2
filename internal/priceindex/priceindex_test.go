package priceindex

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/escrowd/escrowd/internal/money"
)

// fakeSource is a Source whose TRXUSDPrice is scripted call by call, for
// exercising Index's cache/fallback behavior without a network round trip.
type fakeSource struct {
	calls  int
	prices []decimal.Decimal
	errs   []error
}

func (f *fakeSource) TRXUSDPrice(ctx context.Context) (decimal.Decimal, error) {
	i := f.calls
	f.calls++
	var p decimal.Decimal
	var err error
	if i < len(f.prices) {
		p = f.prices[i]
	}
	if i < len(f.errs) {
		err = f.errs[i]
	}
	return p, err
}

func TestPriceFetchesOnceThenServesFromCache(t *testing.T) {
	src := &fakeSource{prices: []decimal.Decimal{decimal.NewFromFloat(0.30)}}
	idx := New(src)

	p, stale := idx.Price(context.Background())
	require.False(t, stale)
	require.True(t, p.Equal(decimal.NewFromFloat(0.30)))

	p2, stale2 := idx.Price(context.Background())
	require.False(t, stale2)
	require.True(t, p2.Equal(decimal.NewFromFloat(0.30)))
	require.Equal(t, 1, src.calls, "a second call within the TTL must not refetch")
}

func TestPriceFallsBackToConstantWhenNeverFetched(t *testing.T) {
	src := &fakeSource{errs: []error{errors.New("feed unreachable")}}
	idx := New(src)

	p, stale := idx.Price(context.Background())
	require.True(t, stale)
	require.True(t, p.Equal(money.FallbackTRXUSDPrice))
}

func TestPriceServesLastKnownValueOnFetchErrorAfterSuccess(t *testing.T) {
	src := &fakeSource{
		prices: []decimal.Decimal{decimal.NewFromFloat(0.31), decimal.Zero},
		errs:   []error{nil, errors.New("feed timeout")},
	}
	idx := New(src)

	p, stale := idx.Price(context.Background())
	require.False(t, stale)
	require.True(t, p.Equal(decimal.NewFromFloat(0.31)))

	// Force a refetch by resetting the cache clock directly.
	idx.fetched = idx.fetched.Add(-2 * CacheTTL)

	p2, stale2 := idx.Price(context.Background())
	require.True(t, stale2)
	require.True(t, p2.Equal(decimal.NewFromFloat(0.31)), "must serve the last known price, not the hardcoded fallback")
}
