package types

import (
	"math"
	"time"
)

// WeightEpsilon is the tolerance used when comparing accumulated portfolio
// weights against an expected allocation.
const WeightEpsilon = 1e-6

// StockPosition is a single ticker's target allocation for one trading day.
type StockPosition struct {
	Ticker string  `json:"ticker" yaml:"ticker" validate:"required"`
	Weight float64 `json:"weight" yaml:"weight" validate:"gte=0"`
}

// DayData is the resulting portfolio slice for one trading day. Multiple
// subtrees may contribute positions to the same day; weights accumulate
// rather than overwrite.
type DayData struct {
	Positions []StockPosition `json:"positions" yaml:"positions"`
}

// AddPosition appends a position to the day. It never merges duplicate
// tickers; the same ticker selected by two branches appears twice with its
// weights summing to the combined allocation.
func (d *DayData) AddPosition(ticker string, weight float64) {
	d.Positions = append(d.Positions, StockPosition{Ticker: ticker, Weight: weight})
}

// TotalWeight returns the sum of all position weights for the day.
func (d *DayData) TotalWeight() float64 {
	total := 0.0
	for _, p := range d.Positions {
		total += p.Weight
	}

	return total
}

// IsEmpty reports whether the day has no positions.
func (d *DayData) IsEmpty() bool {
	return len(d.Positions) == 0
}

// WeightByTicker folds duplicate entries into a ticker->weight map.
func (d *DayData) WeightByTicker() map[string]float64 {
	weights := make(map[string]float64, len(d.Positions))
	for _, p := range d.Positions {
		weights[p.Ticker] += p.Weight
	}

	return weights
}

// ApproxEqualWeight reports whether two weights agree within WeightEpsilon.
func ApproxEqualWeight(a, b float64) bool {
	return math.Abs(a-b) < WeightEpsilon
}

// BacktestResult is the sole output the engine hands back to callers. When
// Success is false only ErrorMessage (and RunID) are meaningful.
type BacktestResult struct {
	RunID            string               `json:"run_id"`
	PortfolioHistory []DayData            `json:"portfolio_history"`
	Dates            []string             `json:"dates"`
	FlowCount        map[string]int       `json:"flow_count"`
	FlowStocks       map[string][]DayData `json:"-"`
	Success          bool                 `json:"success"`
	ErrorMessage     string               `json:"error_message,omitempty"`
	ExecutionTime    time.Duration        `json:"execution_time"`
}
