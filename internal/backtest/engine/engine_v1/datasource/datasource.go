// Package datasource provides the engine's view onto historical price and
// market-cap data. Implementations are synchronous; the evaluator calls them
// from a single goroutine per backtest.
package datasource

import (
	"context"

	"github.com/moznion/go-optional"
)

// DataProvider is the narrow interface the engine needs from a price store.
// Series are ordered oldest to newest. An endDate of None means the latest
// date the provider knows about.
type DataProvider interface {
	// GetPriceSeries returns the last lookbackDays closing prices for the
	// ticker at or before endDate.
	GetPriceSeries(ctx context.Context, ticker string, lookbackDays int, endDate optional.Option[string]) ([]float64, error)

	// GetMarketCapSeries returns the last period market capitalizations
	// for the ticker at or before endDate.
	GetMarketCapSeries(ctx context.Context, ticker string, period int, endDate optional.Option[string]) ([]float64, error)

	// GetTradingDates returns the last period trading-day identifiers at
	// or before endDate, oldest first.
	GetTradingDates(ctx context.Context, period int, endDate optional.Option[string]) ([]string, error)

	Close() error
}
