package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-quant/atlas-backtester/internal/strategy"
)

func TestIndicatorCacheRoundTrip(t *testing.T) {
	c := NewIndicatorCache()
	key := IndicatorKey{Ticker: "SPY", Kind: strategy.IndicatorSMA, Window: 200}

	_, ok := c.Get(key)
	assert.False(t, ok)

	c.Put(key, []float64{1, 2, 3})

	values, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, []float64{1, 2, 3}, values)
}

func TestIndicatorCacheKeyedByWindow(t *testing.T) {
	c := NewIndicatorCache()

	c.Put(IndicatorKey{Ticker: "SPY", Kind: strategy.IndicatorSMA, Window: 20}, []float64{1})

	_, ok := c.Get(IndicatorKey{Ticker: "SPY", Kind: strategy.IndicatorSMA, Window: 200})
	assert.False(t, ok)
}

func TestIndicatorCacheReset(t *testing.T) {
	c := NewIndicatorCache()
	key := IndicatorKey{Ticker: "QQQ", Kind: strategy.IndicatorRSI, Window: 10}

	c.Put(key, []float64{50})
	c.Reset()

	_, ok := c.Get(key)
	assert.False(t, ok)
}

func TestPriceCacheServesTail(t *testing.T) {
	c := NewPriceCache()
	c.Put("SPY", []float64{1, 2, 3, 4, 5})

	tail, ok := c.Get("SPY", 3)
	require.True(t, ok)
	assert.Equal(t, []float64{3, 4, 5}, tail)

	_, ok = c.Get("SPY", 6)
	assert.False(t, ok)
}

func TestPriceCacheKeepsLongestSeries(t *testing.T) {
	c := NewPriceCache()
	c.Put("SPY", []float64{1, 2, 3, 4, 5})
	c.Put("SPY", []float64{9, 9})

	tail, ok := c.Get("SPY", 5)
	require.True(t, ok)
	assert.Equal(t, []float64{1, 2, 3, 4, 5}, tail)
}
