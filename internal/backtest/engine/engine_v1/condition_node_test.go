package engine

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"github.com/atlas-quant/atlas-backtester/internal/backtest/engine/engine_v1/datasource"
	"github.com/atlas-quant/atlas-backtester/internal/strategy"
	"github.com/atlas-quant/atlas-backtester/internal/types"
)

func TestCompareValues(t *testing.T) {
	nan := math.NaN()

	tests := []struct {
		name string
		op   strategy.Comparator
		a, b float64
		want bool
	}{
		{"greater", strategy.CompareGreaterThan, 2, 1, true},
		{"greater false", strategy.CompareGreaterThan, 1, 2, false},
		{"less", strategy.CompareLessThan, 1, 2, true},
		{"greater equal on equal", strategy.CompareGreaterEqual, 2, 2, true},
		{"less equal", strategy.CompareLessEqual, 2, 3, true},
		{"equal within epsilon", strategy.CompareEqual, 1.0, 1.0 + 1e-8, true},
		{"equal outside epsilon", strategy.CompareEqual, 1.0, 1.001, false},
		{"not equal within epsilon", strategy.CompareNotEqual, 1.0, 1.0 + 1e-8, false},
		{"not equal outside epsilon", strategy.CompareNotEqual, 1.0, 1.001, true},
		{"nan left", strategy.CompareGreaterThan, nan, 1, false},
		{"nan right", strategy.CompareLessThan, 1, nan, false},
		{"nan equal", strategy.CompareEqual, nan, nan, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, compareValues(tt.op, tt.a, tt.b))
		})
	}
}

type ConditionNodeTestSuite struct {
	suite.Suite

	provider *datasource.MockProvider
	engine   *BacktestEngineV1
}

func TestConditionNodeSuite(t *testing.T) {
	suite.Run(t, new(ConditionNodeTestSuite))
}

func (s *ConditionNodeTestSuite) SetupTest() {
	s.provider = datasource.NewMockProvider()
	s.engine = NewBacktestEngineV1().(*BacktestEngineV1)
	s.Require().NoError(s.engine.SetDataProvider(s.provider))
}

// Every active day must land in exactly one branch with the full weight.
func (s *ConditionNodeTestSuite) TestMaskPartition() {
	const days = 40

	s.provider.SetTradingDates(datasource.GenerateTradingDates(days))
	s.provider.SetPriceSeries("SPY", datasource.GenerateCyclicalSeries(100, 10, 8, days))
	s.provider.SetPriceSeries("QQQ", datasource.GenerateTrendingSeries(200, 1, days))
	s.provider.SetPriceSeries("PSQ", datasource.GenerateTrendingSeries(40, -0.1, days))

	cond := conditionNode(
		priceOperand("SPY"), strategy.CompareGreaterThan, smaOperand("SPY", 5),
		[]*strategy.Node{stockNode("QQQ")},
		[]*strategy.Node{stockNode("PSQ")},
	)

	result := s.engine.ExecuteBacktest(s.T().Context(), RunParams{
		Strategy: testStrategy(rootNode(cond)),
		Period:   20,
	})

	s.Require().True(result.Success, result.ErrorMessage)
	s.Require().Len(result.PortfolioHistory, 20)

	sawTrue, sawFalse := false, false

	for day, data := range result.PortfolioHistory {
		weights := data.WeightByTicker()
		s.Require().Len(weights, 1, "day %d must belong to exactly one branch", day)

		if w, ok := weights["QQQ"]; ok {
			sawTrue = true

			s.InDelta(1.0, w, types.WeightEpsilon)
		} else {
			sawFalse = true

			s.InDelta(1.0, weights["PSQ"], types.WeightEpsilon)
		}
	}

	// A cyclical series around its own average exercises both sides.
	s.True(sawTrue, "condition never held")
	s.True(sawFalse, "condition never failed")
}

// Nested conditions subdivide the parent's days without overlap.
func (s *ConditionNodeTestSuite) TestNestedConditions() {
	const days = 60

	s.provider.SetTradingDates(datasource.GenerateTradingDates(days))
	s.provider.SetPriceSeries("SPY", datasource.GenerateCyclicalSeries(100, 10, 10, days))
	s.provider.SetPriceSeries("TLT", datasource.GenerateCyclicalSeries(80, 8, 14, days))

	for _, ticker := range []string{"QQQ", "PSQ", "SHY"} {
		s.provider.SetPriceSeries(ticker, datasource.GenerateTrendingSeries(100, 0.2, days))
	}

	inner := conditionNode(
		priceOperand("TLT"), strategy.CompareLessThan, smaOperand("TLT", 4),
		[]*strategy.Node{stockNode("PSQ")},
		[]*strategy.Node{stockNode("SHY")},
	)

	outer := conditionNode(
		priceOperand("SPY"), strategy.CompareGreaterThan, smaOperand("SPY", 4),
		[]*strategy.Node{stockNode("QQQ")},
		[]*strategy.Node{inner},
	)

	result := s.engine.ExecuteBacktest(s.T().Context(), RunParams{
		Strategy: testStrategy(rootNode(outer)),
		Period:   25,
	})

	s.Require().True(result.Success, result.ErrorMessage)

	for day, data := range result.PortfolioHistory {
		weights := data.WeightByTicker()
		s.Require().Len(weights, 1, "day %d", day)
		s.InDelta(1.0, data.TotalWeight(), types.WeightEpsilon)
	}
}

// A condition that routes into an empty branch holds nothing on those days.
func (s *ConditionNodeTestSuite) TestEmptyBranchLeavesDaysUnallocated() {
	const days = 30

	s.provider.SetTradingDates(datasource.GenerateTradingDates(days))
	s.provider.SetPriceSeries("SPY", datasource.GenerateCyclicalSeries(100, 10, 8, days))
	s.provider.SetPriceSeries("QQQ", datasource.GenerateTrendingSeries(200, 1, days))

	cond := conditionNode(
		priceOperand("SPY"), strategy.CompareGreaterThan, smaOperand("SPY", 5),
		[]*strategy.Node{stockNode("QQQ")},
		nil,
	)

	result := s.engine.ExecuteBacktest(s.T().Context(), RunParams{
		Strategy: testStrategy(rootNode(cond)),
		Period:   15,
	})

	s.Require().True(result.Success, result.ErrorMessage)

	for _, data := range result.PortfolioHistory {
		weights := data.WeightByTicker()
		if len(weights) == 0 {
			continue
		}

		s.InDelta(1.0, weights["QQQ"], types.WeightEpsilon)
	}
}
