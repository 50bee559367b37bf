package engine

import (
	"context"
	"math"
	"sort"

	"github.com/atlas-quant/atlas-backtester/internal/strategy"
	"github.com/atlas-quant/atlas-backtester/internal/types"
	"github.com/atlas-quant/atlas-backtester/pkg/errors"
)

// processSort ranks its branches every day by an indicator over each
// branch's hypothetical portfolio value and keeps the top (or bottom) K.
// Branches are evaluated into scratch portfolios over a fully active mask:
// a branch's performance is a property of the branch, not of the days the
// sort happens to control. The real portfolio only receives the selected
// branches on active days, each scaled by weight/K.
func processSort(ctx context.Context, ec *evaluationContext, node *strategy.Node, mask []bool, totalDays int, weight float64) (int, error) {
	props := node.Sort

	branchCount := len(node.BranchKeys)
	if branchCount == 0 {
		return 0, errors.Newf(errors.ErrCodeSortNode, "sort %q has no branches", node.Name)
	}

	if props.Count > branchCount {
		return 0, errors.Newf(errors.ErrCodeSortNode,
			"sort %q selects %d of only %d branches", node.Name, props.Count, branchCount)
	}

	if sortNeedsWindow(props.SortBy) && props.Window <= 0 {
		return 0, errors.Newf(errors.ErrCodeMissingPeriod, "sort %q metric %q requires a window", node.Name, props.SortBy)
	}

	// Warm-up expansion: the metric needs history before the first real
	// day, so branches are evaluated over extra leading days that never
	// reach the portfolio.
	expandedDays := totalDays + sortWarmupDays(props, ec.config)
	expandedMask := make([]bool, expandedDays)
	for i := range expandedMask {
		expandedMask[i] = true
	}

	scratches := make([][]types.DayData, branchCount)
	commonSpan := expandedDays

	for i, key := range node.BranchKeys {
		scratch := make([]types.DayData, expandedDays)

		span, err := processBranch(ctx, ec.withScratch(scratch), node.Branches[key], expandedMask, expandedDays, 1.0)
		if err != nil {
			return 0, err
		}

		scratches[i] = scratch

		if span < commonSpan {
			commonSpan = span
		}
	}

	metrics := make([][]float64, branchCount)

	for i, scratch := range scratches {
		values, err := portfolioValueSeries(ctx, ec, scratch)
		if err != nil {
			return 0, err
		}

		metrics[i], err = computeIndicator(props.SortBy, values, props.Window)
		if err != nil {
			return 0, errors.Wrapf(errors.ErrCodeSortNode, err, "cannot rank branches of sort %q", node.Name)
		}
	}

	type rankedBranch struct {
		metric float64
		branch int
	}

	activeMask := expandMask(mask, expandedDays)

	for day := 0; day < commonSpan; day++ {
		maskIdx := expandedDays - commonSpan + day
		if !activeMask[maskIdx] {
			continue
		}

		ec.countFlow(node)

		ranking := make([]rankedBranch, branchCount)
		for b := range metrics {
			metric := 0.0

			if idx := len(metrics[b]) - commonSpan + day; idx >= 0 {
				if v := metrics[b][idx]; !math.IsNaN(v) && !math.IsInf(v, 0) {
					metric = v
				}
			}

			ranking[b] = rankedBranch{metric: metric, branch: b}
		}

		// Stable: ties resolve to branch key order.
		sort.SliceStable(ranking, func(i, j int) bool {
			if props.Select == strategy.SelectBottom {
				return ranking[i].metric < ranking[j].metric
			}

			return ranking[i].metric > ranking[j].metric
		})

		portfolioIdx := len(ec.portfolio) - commonSpan + day
		if portfolioIdx < 0 {
			// Warm-up day preceding the requested range.
			continue
		}

		for _, selected := range ranking[:props.Count] {
			scratch := scratches[selected.branch]

			scratchIdx := len(scratch) - commonSpan + day
			for _, pos := range scratch[scratchIdx].Positions {
				ec.portfolio[portfolioIdx].AddPosition(pos.Ticker, pos.Weight/float64(props.Count)*weight)
			}
		}
	}

	span := minInt(commonSpan, totalDays)

	ec.snapshotFlow(node, span)

	return span, nil
}

// sortWarmupDays is the extra history a sort metric needs before its first
// ranked day: the window itself, one day for return differencing, and a
// settling year for the recursively smoothed indicators.
func sortWarmupDays(props *strategy.SortProperties, config *BacktestEngineV1Config) int {
	warmup := props.Window

	switch props.SortBy {
	case strategy.IndicatorStdDevReturn, strategy.IndicatorAvgReturn, strategy.IndicatorPortfolioReturn:
		warmup++
	case strategy.IndicatorRSI, strategy.IndicatorEMA:
		warmup += config.ExtendedWarmupDays
	}

	return warmup
}

func sortNeedsWindow(kind strategy.IndicatorKind) bool {
	switch kind {
	case strategy.IndicatorCurrentPrice, strategy.IndicatorPortfolioReturn:
		return false
	default:
		return true
	}
}
