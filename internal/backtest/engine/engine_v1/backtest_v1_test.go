package engine

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/atlas-quant/atlas-backtester/internal/backtest/engine/engine_v1/cache"
	"github.com/atlas-quant/atlas-backtester/internal/backtest/engine/engine_v1/datasource"
	"github.com/atlas-quant/atlas-backtester/internal/logger"
	"github.com/atlas-quant/atlas-backtester/internal/strategy"
	"github.com/atlas-quant/atlas-backtester/internal/types"
)

// Node construction helpers shared by the engine tests. Hashes are filled
// the same way parsing does, so flow tracking and caching behave as they
// would for a real document.

func rootNode(children ...*strategy.Node) *strategy.Node {
	return &strategy.Node{Kind: strategy.KindRoot, Name: "root", Sequence: children}
}

func folderNode(name string, children ...*strategy.Node) *strategy.Node {
	return &strategy.Node{Kind: strategy.KindFolder, Name: name, Sequence: children}
}

func stockNode(symbol string) *strategy.Node {
	return &strategy.Node{
		Kind:  strategy.KindStock,
		Name:  symbol,
		Stock: &strategy.StockProperties{Symbol: symbol},
	}
}

func priceOperand(source string) strategy.Operand {
	return strategy.Operand{Indicator: strategy.IndicatorCurrentPrice, Source: source}
}

func smaOperand(source string, period int) strategy.Operand {
	return strategy.Operand{Indicator: strategy.IndicatorSMA, Source: source, Period: period}
}

func conditionNode(x strategy.Operand, cmp strategy.Comparator, y strategy.Operand, trueNodes, falseNodes []*strategy.Node) *strategy.Node {
	return &strategy.Node{
		Kind:       strategy.KindCondition,
		Name:       "if",
		Condition:  &strategy.ConditionProperties{Comparator: cmp, X: x, Y: y},
		Branches:   map[string][]*strategy.Node{"true": trueNodes, "false": falseNodes},
		BranchKeys: []string{"false", "true"},
	}
}

func sortNode(selectFn strategy.SelectFunction, count int, by strategy.IndicatorKind, window int, branches map[string][]*strategy.Node) *strategy.Node {
	keys := make([]string, 0, len(branches))
	for key := range branches {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	return &strategy.Node{
		Kind: strategy.KindSort,
		Name: "rank",
		Sort: &strategy.SortProperties{
			Select: selectFn,
			Count:  count,
			SortBy: by,
			Window: window,
		},
		Branches:   branches,
		BranchKeys: keys,
	}
}

func allocationNode(fn strategy.AllocationFunction, period int, manual map[string]float64, branches map[string][]*strategy.Node) *strategy.Node {
	keys := make([]string, 0, len(branches))
	for key := range branches {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	return &strategy.Node{
		Kind: strategy.KindAllocation,
		Name: "allocate",
		Allocation: &strategy.AllocationProperties{
			Function: fn,
			Period:   period,
			Manual:   manual,
		},
		Branches:   branches,
		BranchKeys: keys,
	}
}

func testStrategy(root *strategy.Node) *strategy.Strategy {
	strategy.EnsureHashes(root)

	return &strategy.Strategy{
		Root:    root,
		Tickers: root.Tickers(),
		Hash:    root.Hash,
	}
}

type BacktestEngineV1TestSuite struct {
	suite.Suite

	provider *datasource.MockProvider
	engine   *BacktestEngineV1
}

func TestBacktestEngineV1Suite(t *testing.T) {
	suite.Run(t, new(BacktestEngineV1TestSuite))
}

func (s *BacktestEngineV1TestSuite) SetupTest() {
	s.provider = datasource.NewMockProvider()

	s.engine = NewBacktestEngineV1().(*BacktestEngineV1)
	s.Require().NoError(s.engine.SetDataProvider(s.provider))
}

func (s *BacktestEngineV1TestSuite) run(root *strategy.Node, period int) types.BacktestResult {
	return s.engine.ExecuteBacktest(context.Background(), RunParams{
		Strategy: testStrategy(root),
		Period:   period,
	})
}

// requireConserved asserts every day in the window allocates exactly the
// full portfolio.
func (s *BacktestEngineV1TestSuite) requireConserved(result types.BacktestResult, fromDay int) {
	s.Require().True(result.Success, result.ErrorMessage)

	for day := fromDay; day < len(result.PortfolioHistory); day++ {
		s.InDelta(1.0, result.PortfolioHistory[day].TotalWeight(), types.WeightEpsilon,
			"day %d (%s)", day, result.Dates[day])
	}
}

func (s *BacktestEngineV1TestSuite) TestEqualWeightAcrossSiblings() {
	s.provider.SetTradingDates(datasource.GenerateTradingDates(30))
	for _, ticker := range []string{"SPY", "QQQ", "SHY"} {
		s.provider.SetPriceSeries(ticker, datasource.GenerateTrendingSeries(100, 0.5, 30))
	}

	result := s.run(rootNode(stockNode("SPY"), stockNode("QQQ"), stockNode("SHY")), 10)

	s.Require().True(result.Success, result.ErrorMessage)
	s.Require().Len(result.PortfolioHistory, 10)
	s.Require().Len(result.Dates, 10)

	for _, day := range result.PortfolioHistory {
		weights := day.WeightByTicker()
		s.Require().Len(weights, 3)

		for ticker, weight := range weights {
			s.InDelta(1.0/3.0, weight, types.WeightEpsilon, ticker)
		}
	}

	s.requireConserved(result, 0)
}

func (s *BacktestEngineV1TestSuite) TestNestedFolderWeights() {
	s.provider.SetTradingDates(datasource.GenerateTradingDates(20))
	for _, ticker := range []string{"SPY", "QQQ", "SHY"} {
		s.provider.SetPriceSeries(ticker, datasource.GenerateTrendingSeries(100, 0.5, 20))
	}

	// SPY gets 1/2, the folder's two members 1/4 each.
	result := s.run(rootNode(stockNode("SPY"), folderNode("bonds", stockNode("QQQ"), stockNode("SHY"))), 8)

	s.Require().True(result.Success, result.ErrorMessage)

	for _, day := range result.PortfolioHistory {
		weights := day.WeightByTicker()
		s.InDelta(0.5, weights["SPY"], types.WeightEpsilon)
		s.InDelta(0.25, weights["QQQ"], types.WeightEpsilon)
		s.InDelta(0.25, weights["SHY"], types.WeightEpsilon)
	}
}

func (s *BacktestEngineV1TestSuite) TestCommentNodesCarryNoWeight() {
	s.provider.SetTradingDates(datasource.GenerateTradingDates(10))
	s.provider.SetPriceSeries("SPY", datasource.GenerateTrendingSeries(100, 1, 10))

	comment := &strategy.Node{Kind: strategy.KindComment, Name: "note to self"}
	result := s.run(rootNode(comment, stockNode("SPY")), 5)

	s.Require().True(result.Success, result.ErrorMessage)

	for _, day := range result.PortfolioHistory {
		s.InDelta(1.0, day.WeightByTicker()["SPY"], types.WeightEpsilon)
	}
}

func (s *BacktestEngineV1TestSuite) TestShortOperandHistoryShrinksSpan() {
	s.provider.SetTradingDates(datasource.GenerateTradingDates(30))
	s.provider.SetPriceSeries("CASH", datasource.GenerateTrendingSeries(100, 0, 30))
	s.provider.SetPriceSeries("QQQ", datasource.GenerateTrendingSeries(100, 1, 30))
	s.provider.SetPriceSeries("PSQ", datasource.GenerateTrendingSeries(100, -1, 30))
	// NEWIPO only has 8 days of history; the condition it drives can
	// cover at most 6 once the 3-day average consumes its warm-up.
	s.provider.SetPriceSeries("NEWIPO", datasource.GenerateTrendingSeries(50, 1, 8))

	cond := conditionNode(
		priceOperand("NEWIPO"), strategy.CompareGreaterThan, smaOperand("NEWIPO", 3),
		[]*strategy.Node{stockNode("QQQ")},
		[]*strategy.Node{stockNode("PSQ")},
	)

	result := s.run(rootNode(stockNode("CASH"), cond), 10)

	s.Require().True(result.Success, result.ErrorMessage)
	s.Require().Len(result.PortfolioHistory, 10)

	// Days before the condition's history begins hold only the sibling.
	for day := 0; day < 4; day++ {
		weights := result.PortfolioHistory[day].WeightByTicker()
		s.Require().Len(weights, 1, "day %d", day)
		s.InDelta(0.5, weights["CASH"], types.WeightEpsilon)
	}

	for day := 4; day < 10; day++ {
		s.InDelta(1.0, result.PortfolioHistory[day].TotalWeight(), types.WeightEpsilon, "day %d", day)
	}
}

func (s *BacktestEngineV1TestSuite) TestFailedRunReturnsNoPortfolio() {
	s.provider.SetTradingDates(datasource.GenerateTradingDates(10))

	result := s.run(rootNode(stockNode("MISSING")), 5)

	s.False(result.Success)
	s.NotEmpty(result.ErrorMessage)
	s.Empty(result.PortfolioHistory)
}

// A ticker that only drives a comparison still needs provider data.
func (s *BacktestEngineV1TestSuite) TestMissingSignalTickerFailsRun() {
	s.provider.SetTradingDates(datasource.GenerateTradingDates(10))
	s.provider.SetPriceSeries("QQQ", datasource.GenerateTrendingSeries(200, 1, 10))
	s.provider.SetPriceSeries("PSQ", datasource.GenerateTrendingSeries(40, -0.1, 10))

	cond := conditionNode(
		priceOperand("GHOST"), strategy.CompareGreaterThan, smaOperand("GHOST", 3),
		[]*strategy.Node{stockNode("QQQ")},
		[]*strategy.Node{stockNode("PSQ")},
	)

	result := s.run(rootNode(cond), 5)

	s.False(result.Success)
	s.Contains(result.ErrorMessage, "GHOST")
	s.Empty(result.PortfolioHistory)
}

// A hand-built node without its typed payload must fail the run, not panic.
func (s *BacktestEngineV1TestSuite) TestMalformedNodeFailsClosed() {
	s.provider.SetTradingDates(datasource.GenerateTradingDates(10))
	s.provider.SetPriceSeries("SPY", datasource.GenerateTrendingSeries(100, 1, 10))

	broken := &strategy.Node{
		Kind:       strategy.KindCondition,
		Name:       "broken",
		Branches:   map[string][]*strategy.Node{"true": {stockNode("SPY")}, "false": {stockNode("SPY")}},
		BranchKeys: []string{"false", "true"},
	}

	result := s.run(rootNode(broken), 5)

	s.False(result.Success)
	s.NotEmpty(result.ErrorMessage)
	s.Empty(result.PortfolioHistory)
}

func (s *BacktestEngineV1TestSuite) TestInvalidRunParams() {
	result := s.engine.ExecuteBacktest(context.Background(), RunParams{Strategy: nil, Period: 10})
	s.False(result.Success)

	result = s.engine.ExecuteBacktest(context.Background(), RunParams{
		Strategy: testStrategy(rootNode(stockNode("SPY"))),
		Period:   0,
	})
	s.False(result.Success)
}

func (s *BacktestEngineV1TestSuite) TestCancelledContext() {
	s.provider.SetTradingDates(datasource.GenerateTradingDates(10))
	s.provider.SetPriceSeries("SPY", datasource.GenerateTrendingSeries(100, 1, 10))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := s.engine.ExecuteBacktest(ctx, RunParams{
		Strategy: testStrategy(rootNode(stockNode("SPY"))),
		Period:   5,
	})

	s.False(result.Success)
}

func (s *BacktestEngineV1TestSuite) TestFlowTracking() {
	s.provider.SetTradingDates(datasource.GenerateTradingDates(10))
	s.provider.SetPriceSeries("SPY", datasource.GenerateTrendingSeries(100, 1, 10))

	root := rootNode(stockNode("SPY"))
	result := s.run(root, 5)

	s.Require().True(result.Success, result.ErrorMessage)
	s.Equal(1, result.FlowCount[root.Hash])
	s.Equal(1, result.FlowCount[root.Sequence[0].Hash])

	snapshot := result.FlowStocks[root.Hash]
	s.Require().Len(snapshot, 5)
	s.InDelta(1.0, snapshot[4].WeightByTicker()["SPY"], types.WeightEpsilon)
}

func (s *BacktestEngineV1TestSuite) TestNodeProgressCallback() {
	s.provider.SetTradingDates(datasource.GenerateTradingDates(10))
	s.provider.SetPriceSeries("SPY", datasource.GenerateTrendingSeries(100, 1, 10))
	s.provider.SetPriceSeries("SHY", datasource.GenerateTrendingSeries(50, 0.1, 10))

	var processed, total int

	result := s.engine.ExecuteBacktest(context.Background(), RunParams{
		Strategy: testStrategy(rootNode(stockNode("SPY"), stockNode("SHY"))),
		Period:   5,
		OnNodeProcessed: func(p, t int) {
			processed, total = p, t
		},
	})

	s.Require().True(result.Success, result.ErrorMessage)
	s.Equal(3, total)
	s.Equal(3, processed)
}

func (s *BacktestEngineV1TestSuite) TestSubtreeCacheFastPath() {
	s.provider.SetTradingDates(datasource.GenerateTradingDates(10))
	s.provider.SetPriceSeries("SPY", datasource.GenerateTrendingSeries(100, 1, 10))

	subtree, err := cache.NewSubtreeCache(s.T().TempDir(), logger.NewTestLogger())
	s.Require().NoError(err)

	s.engine.subtree = subtree

	root := rootNode(stockNode("SPY"))

	first := s.run(root, 5)
	s.Require().True(first.Success, first.ErrorMessage)
	s.NotEmpty(first.FlowCount)

	second := s.run(root, 5)
	s.Require().True(second.Success, second.ErrorMessage)

	// The cached path skips evaluation entirely, so no flow is recorded.
	s.Empty(second.FlowCount)
	s.Require().Len(second.PortfolioHistory, 5)

	for day := range first.PortfolioHistory {
		s.Equal(first.PortfolioHistory[day].WeightByTicker(), second.PortfolioHistory[day].WeightByTicker())
	}
}

// A stored timeline with a positionless day has fewer date records than the
// requested window; serving it positionally would shift every older day onto
// the wrong date. Such a timeline must fall back to a fresh evaluation.
func (s *BacktestEngineV1TestSuite) TestSubtreeCacheSkipsGappedTimeline() {
	const days = 11

	dates := datasource.GenerateTradingDates(days)
	s.provider.SetTradingDates(dates)
	s.provider.SetPriceSeries("SPY", datasource.GenerateTrendingSeries(100, 1, days))

	subtree, err := cache.NewSubtreeCache(s.T().TempDir(), logger.NewTestLogger())
	s.Require().NoError(err)

	s.engine.subtree = subtree

	strat := testStrategy(rootNode(stockNode("SPY")))

	// Day 5 holds nothing, so the cache file records 10 dates over an
	// 11-day range.
	stored := make([]types.DayData, days)
	for i := range stored {
		if i == 5 {
			continue
		}

		stored[i].AddPosition("SPY", 0.01*float64(i+1))
	}

	s.Require().NoError(subtree.Write(strat.Hash, dates, dates[len(dates)-1], days, stored, false))

	result := s.engine.ExecuteBacktest(context.Background(), RunParams{Strategy: strat, Period: 10})

	s.Require().True(result.Success, result.ErrorMessage)

	// A fresh evaluation records flow; the cached fast path records none.
	s.NotEmpty(result.FlowCount)

	for day, data := range result.PortfolioHistory {
		s.InDelta(1.0, data.WeightByTicker()["SPY"], types.WeightEpsilon,
			"day %d (%s)", day, result.Dates[day])
	}
}

// Five years of a regime-switching strategy: long QQQ while SPY trades above
// its 200-day average, otherwise the stronger of PSQ and SHY by 10-day RSI.
func (s *BacktestEngineV1TestSuite) TestRegimeSwitchEndToEnd() {
	const (
		historyDays = 1800
		periodDays  = 1260
	)

	s.provider.SetTradingDates(datasource.GenerateTradingDates(historyDays))

	// SPY rises for 1200 days and then declines.
	spy := make([]float64, historyDays)
	for i := range spy {
		if i < 1200 {
			spy[i] = 100 + 0.5*float64(i)
		} else {
			spy[i] = 700 - 0.5*float64(i-1200)
		}
	}

	s.provider.SetPriceSeries("SPY", spy)
	s.provider.SetPriceSeries("QQQ", datasource.GenerateTrendingSeries(200, 0.3, historyDays))
	s.provider.SetPriceSeries("PSQ", datasource.GenerateTrendingSeries(50, 0.02, historyDays))
	s.provider.SetPriceSeries("SHY", datasource.GenerateTrendingSeries(50, -0.01, historyDays))

	defensive := sortNode(strategy.SelectTop, 1, strategy.IndicatorRSI, 10, map[string][]*strategy.Node{
		"inverse": {stockNode("PSQ")},
		"bonds":   {stockNode("SHY")},
	})

	cond := conditionNode(
		priceOperand("SPY"), strategy.CompareGreaterThan, smaOperand("SPY", 200),
		[]*strategy.Node{stockNode("QQQ")},
		[]*strategy.Node{defensive},
	)

	result := s.run(rootNode(cond), periodDays)

	s.Require().True(result.Success, result.ErrorMessage)
	s.Require().Len(result.PortfolioHistory, periodDays)
	s.requireConserved(result, 0)

	qqqDays := 0

	for day, data := range result.PortfolioHistory {
		weights := data.WeightByTicker()
		s.Require().Len(weights, 1, "day %d", day)

		for ticker, weight := range weights {
			s.Contains([]string{"QQQ", "PSQ", "SHY"}, ticker)
			s.InDelta(1.0, weight, types.WeightEpsilon)

			if ticker == "QQQ" {
				qqqDays++
			}
		}
	}

	// The rising regime dominates the window.
	s.Greater(qqqDays, periodDays/2)
	s.Less(qqqDays, periodDays)
}
