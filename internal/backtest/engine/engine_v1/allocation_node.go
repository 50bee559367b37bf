package engine

import (
	"context"
	"math"

	"github.com/shopspring/decimal"

	"github.com/atlas-quant/atlas-backtester/internal/indicator"
	"github.com/atlas-quant/atlas-backtester/internal/strategy"
	"github.com/atlas-quant/atlas-backtester/internal/types"
	"github.com/atlas-quant/atlas-backtester/pkg/errors"
)

// manualSumTolerance is how far manual percentages may drift from 100.
const manualSumTolerance = 1e-2

// processAllocation evaluates every branch into a scratch portfolio and
// merges all of them back scaled by a per-branch weight from the configured
// scheme. Unlike sort, every branch survives; only its share changes.
func processAllocation(ctx context.Context, ec *evaluationContext, node *strategy.Node, mask []bool, totalDays int, weight float64) (int, error) {
	props := node.Allocation

	ec.countFlow(node)

	branchCount := len(node.BranchKeys)
	if branchCount == 0 {
		return 0, errors.Newf(errors.ErrCodeAllocationNode, "allocation %q has no branches", node.Name)
	}

	if props.Function == strategy.AllocationInverseVolatility && props.Period <= 0 {
		return 0, errors.Newf(errors.ErrCodeMissingPeriod, "inverse-volatility allocation %q requires a period", node.Name)
	}

	// Volatility needs period returns plus one day of slack; extend the
	// hypothetical window when the real one is too short.
	expandedDays := totalDays
	if props.Function == strategy.AllocationInverseVolatility && expandedDays < props.Period+2 {
		expandedDays = props.Period + 2
	}

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

	branchWeights, err := allocationWeights(ctx, ec, node, scratches, weight)
	if err != nil {
		return 0, err
	}

	activeMask := expandMask(mask, expandedDays)

	for day := 0; day < commonSpan; day++ {
		maskIdx := expandedDays - commonSpan + day
		if !activeMask[maskIdx] {
			continue
		}

		portfolioIdx := len(ec.portfolio) - commonSpan + day
		if portfolioIdx < 0 {
			continue
		}

		for b, scratch := range scratches {
			scratchIdx := len(scratch) - commonSpan + day
			for _, pos := range scratch[scratchIdx].Positions {
				ec.portfolio[portfolioIdx].AddPosition(pos.Ticker, roundWeight(pos.Weight*branchWeights[b]))
			}
		}
	}

	span := minInt(commonSpan, totalDays)

	ec.snapshotFlow(node, span)

	return span, nil
}

// allocationWeights computes one weight per branch, in BranchKeys order,
// summing to the node's incoming weight.
func allocationWeights(ctx context.Context, ec *evaluationContext, node *strategy.Node, scratches [][]types.DayData, weight float64) ([]float64, error) {
	props := node.Allocation
	keys := node.BranchKeys
	weights := make([]float64, len(keys))

	switch props.Function {
	case strategy.AllocationEqual:
		for i := range weights {
			weights[i] = weight / float64(len(keys))
		}

	case strategy.AllocationManual:
		total := 0.0
		for _, percent := range props.Manual {
			total += percent
		}

		if math.Abs(total-100) > manualSumTolerance {
			return nil, errors.Newf(errors.ErrCodeManualWeightSum,
				"manual allocation %q percentages sum to %.4f, expected 100", node.Name, total)
		}

		for i, key := range keys {
			weights[i] = props.Manual[key] / 100 * weight
		}

	case strategy.AllocationInverseVolatility:
		vols := make([]float64, len(keys))

		for i, scratch := range scratches {
			values, err := portfolioValueSeries(ctx, ec, scratch)
			if err != nil {
				return nil, err
			}

			vol, err := latestVolatility(values, props.Period)
			if err != nil {
				return nil, errors.Wrapf(errors.ErrCodeAllocationNode, err,
					"cannot measure volatility of branch %q in allocation %q", keys[i], node.Name)
			}

			vols[i] = vol
		}

		base, err := indicator.InverseVolatilityWeights(vols)
		if err != nil {
			return nil, errors.Wrapf(errors.ErrCodeAllocationNode, err, "cannot weight allocation %q", node.Name)
		}

		for i := range weights {
			weights[i] = base[i] * weight
		}

	case strategy.AllocationMarketCap:
		caps := make([]float64, len(keys))

		for i, scratch := range scratches {
			branchCap, err := branchMarketCap(ctx, ec, scratch)
			if err != nil {
				return nil, err
			}

			caps[i] = branchCap
		}

		base, err := indicator.MarketCapWeights(caps)
		if err != nil {
			return nil, errors.Wrapf(errors.ErrCodeAllocationNode, err, "cannot weight allocation %q", node.Name)
		}

		for i := range weights {
			weights[i] = base[i] * weight
		}

	default:
		return nil, errors.Newf(errors.ErrCodeUnknownAllocation, "unhandled allocation function %q", props.Function)
	}

	return weights, nil
}

// latestVolatility is the most recent rolling standard deviation of the
// value series' daily returns.
func latestVolatility(values []float64, period int) (float64, error) {
	series, err := indicator.ReturnsStdDev(values, period)
	if err != nil {
		return 0, err
	}

	for i := len(series) - 1; i >= 0; i-- {
		if !math.IsNaN(series[i]) {
			return series[i], nil
		}
	}

	return 0, errors.New(errors.ErrCodeIndicatorCalculation, "volatility series has no usable values")
}

// branchMarketCap sums the latest market capitalization of every ticker the
// branch actually holds in its hypothetical portfolio. Tickers appearing only
// as comparison signals carry no weight and contribute no cap.
func branchMarketCap(ctx context.Context, ec *evaluationContext, scratch []types.DayData) (float64, error) {
	seen := make(map[string]bool)
	total := 0.0

	for _, day := range scratch {
		for _, pos := range day.Positions {
			if seen[pos.Ticker] {
				continue
			}

			seen[pos.Ticker] = true

			series, err := ec.provider.GetMarketCapSeries(ctx, pos.Ticker, 1, ec.endDate)
			if err != nil {
				return 0, err
			}

			total += series[len(series)-1]
		}
	}

	return total, nil
}

// roundWeight fixes merged weights to six decimal places so results are
// stable across platforms and cache round-trips.
func roundWeight(w float64) float64 {
	return decimal.NewFromFloat(w).Round(6).InexactFloat64()
}
