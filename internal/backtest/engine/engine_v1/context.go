package engine

import (
	"github.com/moznion/go-optional"

	"github.com/atlas-quant/atlas-backtester/internal/backtest/engine/engine_v1/cache"
	"github.com/atlas-quant/atlas-backtester/internal/backtest/engine/engine_v1/datasource"
	"github.com/atlas-quant/atlas-backtester/internal/logger"
	"github.com/atlas-quant/atlas-backtester/internal/strategy"
	"github.com/atlas-quant/atlas-backtester/internal/types"
)

// evaluationContext carries the shared state of one strategy run through the
// tree walk. The portfolio slice is the only field that differs between the
// main walk and scratch evaluations of sort and allocation branches; caches,
// flow maps and the data provider are shared so sibling subtrees reuse each
// other's work.
type evaluationContext struct {
	// portfolio is indexed right-aligned: a subtree evaluated over
	// totalDays writes into the last totalDays slots.
	portfolio []types.DayData
	dates     []string

	// endDate caps data queries. None means latest available.
	endDate optional.Option[string]
	live    bool

	flowCount  map[string]int
	flowStocks map[string][]types.DayData

	indicators *cache.IndicatorCache
	prices     *cache.PriceCache
	provider   datasource.DataProvider
	config     *BacktestEngineV1Config
	logger     *logger.Logger

	onNode func()
}

// withScratch returns a context writing into a throwaway portfolio while
// sharing every other field. Sort and allocation nodes evaluate branches
// hypothetically before merging a weighted subset into the real portfolio.
func (ec *evaluationContext) withScratch(scratch []types.DayData) *evaluationContext {
	clone := *ec
	clone.portfolio = scratch

	return &clone
}

// countFlow records that the node was visited.
func (ec *evaluationContext) countFlow(node *strategy.Node) {
	if node.Hash != "" && ec.flowCount != nil {
		ec.flowCount[node.Hash]++
	}
}

// snapshotFlow stores a deep copy of the portfolio tail the node contributed
// to. Snapshots are cumulative: they include positions stamped by earlier
// siblings over the same days.
func (ec *evaluationContext) snapshotFlow(node *strategy.Node, span int) {
	if node.Hash == "" || ec.flowStocks == nil {
		return
	}

	if span > len(ec.portfolio) {
		span = len(ec.portfolio)
	}

	snapshot := make([]types.DayData, span)
	for i, day := range ec.portfolio[len(ec.portfolio)-span:] {
		positions := make([]types.StockPosition, len(day.Positions))
		copy(positions, day.Positions)
		snapshot[i] = types.DayData{Positions: positions}
	}

	ec.flowStocks[node.Hash] = snapshot
}

func (ec *evaluationContext) nodeProcessed() {
	if ec.onNode != nil {
		ec.onNode()
	}
}
