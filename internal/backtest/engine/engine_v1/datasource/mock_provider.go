package datasource

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/moznion/go-optional"
	"github.com/atlas-quant/atlas-backtester/pkg/errors"
)

// MockProvider serves hand-set or generated series from memory. It backs
// engine tests and offline experimentation where no parquet data exists.
type MockProvider struct {
	mu         sync.RWMutex
	prices     map[string][]float64
	marketCaps map[string][]float64
	dates      []string
}

func NewMockProvider() *MockProvider {
	return &MockProvider{
		prices:     make(map[string][]float64),
		marketCaps: make(map[string][]float64),
	}
}

// SetPriceSeries installs a full price history for a ticker, oldest first.
// The series must be aligned to the trading dates set on the provider.
func (m *MockProvider) SetPriceSeries(ticker string, series []float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.prices[ticker] = series
}

func (m *MockProvider) SetMarketCapSeries(ticker string, series []float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.marketCaps[ticker] = series
}

func (m *MockProvider) SetTradingDates(dates []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.dates = dates
}

// GetPriceSeries implements DataProvider.
func (m *MockProvider) GetPriceSeries(ctx context.Context, ticker string, lookbackDays int, endDate optional.Option[string]) ([]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.tail(ticker, m.prices[ticker], lookbackDays, endDate)
}

// GetMarketCapSeries implements DataProvider.
func (m *MockProvider) GetMarketCapSeries(ctx context.Context, ticker string, period int, endDate optional.Option[string]) ([]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.tail(ticker, m.marketCaps[ticker], period, endDate)
}

// GetTradingDates implements DataProvider.
func (m *MockProvider) GetTradingDates(ctx context.Context, period int, endDate optional.Option[string]) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	dates := m.dates
	if endDate.IsSome() {
		cut := len(dates)
		for i, date := range dates {
			if date > endDate.Unwrap() {
				cut = i
				break
			}
		}

		dates = dates[:cut]
	}

	if len(dates) < period {
		return nil, errors.NewInsufficientDataErrorf(period, len(dates), "",
			"only %d of %d requested trading dates available", len(dates), period)
	}

	return dates[len(dates)-period:], nil
}

// Close implements DataProvider.
func (m *MockProvider) Close() error {
	return nil
}

func (m *MockProvider) tail(ticker string, series []float64, lookback int, endDate optional.Option[string]) ([]float64, error) {
	if series == nil {
		return nil, errors.Newf(errors.ErrCodeDataUnavailable, "no data for ticker %s", ticker)
	}

	if lookback <= 0 {
		return nil, errors.Newf(errors.ErrCodeInvalidParameter, "lookback must be positive, got %d", lookback)
	}

	// Truncate the series to the requested end date when the provider has
	// a calendar to align against.
	if endDate.IsSome() && len(m.dates) == len(series) {
		cut := len(series)
		for i, date := range m.dates {
			if date > endDate.Unwrap() {
				cut = i
				break
			}
		}

		series = series[:cut]
	}

	if len(series) < lookback {
		return nil, errors.NewInsufficientDataErrorf(lookback, len(series), ticker,
			"%s has only %d of %d requested days", ticker, len(series), lookback)
	}

	return series[len(series)-lookback:], nil
}

// GenerateTradingDates produces n consecutive weekday identifiers starting
// at 2019-01-02, skipping weekends. Deterministic across runs.
func GenerateTradingDates(n int) []string {
	dates := make([]string, 0, n)
	day := time.Date(2019, 1, 2, 0, 0, 0, 0, time.UTC)

	for len(dates) < n {
		if wd := day.Weekday(); wd != time.Saturday && wd != time.Sunday {
			dates = append(dates, fmt.Sprintf("%04d-%02d-%02d", day.Year(), day.Month(), day.Day()))
		}

		day = day.AddDate(0, 0, 1)
	}

	return dates
}

// GenerateTrendingSeries produces n prices drifting linearly from base.
func GenerateTrendingSeries(base, dailyDrift float64, n int) []float64 {
	series := make([]float64, n)
	for i := range series {
		series[i] = base + dailyDrift*float64(i)
	}

	return series
}

// GenerateCyclicalSeries produces n prices oscillating around base with the
// given amplitude and period in days.
func GenerateCyclicalSeries(base, amplitude float64, periodDays, n int) []float64 {
	series := make([]float64, n)
	for i := range series {
		series[i] = base + amplitude*math.Sin(2*math.Pi*float64(i)/float64(periodDays))
	}

	return series
}
