// Package cache holds the two memoization layers of the engine: the
// process-lifetime indicator/price caches shared across sibling subtree
// evaluations, and the on-disk subtree result cache that lets an unchanged
// subtree re-run with a later end date by computing only the new tail.
package cache

import (
	"sync"

	"github.com/atlas-quant/atlas-backtester/internal/strategy"
)

// IndicatorKey addresses one computed indicator series.
type IndicatorKey struct {
	Ticker string
	Kind   strategy.IndicatorKind
	Window int
}

// IndicatorCache memoizes indicator series across subtree evaluations within
// one process. Values are aligned to a known end date; callers slice the
// tail they need. Safe for concurrent readers, writes take the exclusive
// lock.
type IndicatorCache struct {
	mu     sync.RWMutex
	series map[IndicatorKey][]float64
}

func NewIndicatorCache() *IndicatorCache {
	return &IndicatorCache{
		series: make(map[IndicatorKey][]float64),
	}
}

func (c *IndicatorCache) Get(key IndicatorKey) ([]float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	values, ok := c.series[key]

	return values, ok
}

func (c *IndicatorCache) Put(key IndicatorKey, values []float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.series[key] = values
}

// Reset implements a full invalidation, used between backtests whose end
// dates differ.
func (c *IndicatorCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.series = make(map[IndicatorKey][]float64)
}

// PriceCache stores the longest fetched price series per ticker. A request
// for a shorter lookback is served from the stored series' tail, mirroring
// how subtrees request extra warm-up days over the same underlying data.
type PriceCache struct {
	mu     sync.RWMutex
	prices map[string][]float64
}

func NewPriceCache() *PriceCache {
	return &PriceCache{
		prices: make(map[string][]float64),
	}
}

// Get returns the last minLen prices for the ticker, or false when the
// stored series is missing or too short.
func (c *PriceCache) Get(ticker string, minLen int) ([]float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	series, ok := c.prices[ticker]
	if !ok || len(series) < minLen {
		return nil, false
	}

	return series[len(series)-minLen:], true
}

// Put stores the series if it is longer than what is already cached.
func (c *PriceCache) Put(ticker string, series []float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.prices[ticker]; ok && len(existing) >= len(series) {
		return
	}

	c.prices[ticker] = series
}

func (c *PriceCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.prices = make(map[string][]float64)
}
