package engine

import (
	"context"
	stderrors "errors"
	"math"

	"go.uber.org/zap"

	"github.com/atlas-quant/atlas-backtester/internal/backtest/engine/engine_v1/cache"
	"github.com/atlas-quant/atlas-backtester/internal/indicator"
	"github.com/atlas-quant/atlas-backtester/internal/strategy"
	"github.com/atlas-quant/atlas-backtester/internal/types"
	"github.com/atlas-quant/atlas-backtester/pkg/errors"
)

// operandLookback is the number of price days fetched to produce totalDays
// of indicator values. Windowed indicators consume their period as warm-up;
// return-based ones lose one more day to differencing.
func operandLookback(op strategy.Operand, totalDays int) int {
	switch op.Indicator {
	case strategy.IndicatorCurrentPrice:
		return totalDays
	case strategy.IndicatorStdDevReturn, strategy.IndicatorAvgReturn:
		return totalDays + op.Period + 1
	default:
		return totalDays + op.Period
	}
}

// resolveOperand produces up to totalDays of indicator values for a
// condition operand, oldest first and aligned to the evaluation end date.
// A shorter slice means the underlying history ran out; the caller shrinks
// its effective span accordingly.
func resolveOperand(ctx context.Context, ec *evaluationContext, op strategy.Operand, totalDays int) ([]float64, error) {
	if op.Indicator == strategy.IndicatorPortfolioReturn {
		return nil, errors.Newf(errors.ErrCodeConditionEval, "%q cannot be used as a condition operand", op.Indicator)
	}

	if op.Indicator != strategy.IndicatorCurrentPrice && op.Period <= 0 {
		return nil, errors.Newf(errors.ErrCodeMissingPeriod, "indicator %q over %s requires a period", op.Indicator, op.Source)
	}

	key := cache.IndicatorKey{Ticker: op.Source, Kind: op.Indicator, Window: op.Period}
	if series, ok := ec.indicators.Get(key); ok && len(series) >= totalDays {
		return series[len(series)-totalDays:], nil
	}

	prices, err := fetchPrices(ctx, ec, op.Source, operandLookback(op, totalDays))
	if err != nil {
		return nil, err
	}

	series, err := computeIndicator(op.Indicator, prices, op.Period)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrCodeIndicatorCalculation, err, "cannot compute %q over %s", op.Indicator, op.Source)
	}

	series = trimLeadingNaN(series)
	if len(series) == 0 {
		return nil, errors.NewInsufficientDataErrorf(totalDays, 0, op.Source,
			"%q over %s produced no usable values", op.Indicator, op.Source)
	}

	ec.indicators.Put(key, series)

	if len(series) > totalDays {
		series = series[len(series)-totalDays:]
	}

	return series, nil
}

// computeIndicator evaluates one indicator over a price series. Results are
// aligned to the input: index i describes the same day as prices[i], with
// NaN where the window has not filled yet.
func computeIndicator(kind strategy.IndicatorKind, prices []float64, period int) ([]float64, error) {
	switch kind {
	case strategy.IndicatorCurrentPrice:
		out := make([]float64, len(prices))
		copy(out, prices)

		return out, nil
	case strategy.IndicatorSMA:
		return indicator.SMA(prices, period)
	case strategy.IndicatorEMA:
		return indicator.EMA(prices, period)
	case strategy.IndicatorRSI:
		return indicator.RSI(prices, period)
	case strategy.IndicatorStdDevReturn:
		return indicator.ReturnsStdDev(prices, period)
	case strategy.IndicatorAvgReturn:
		returns, err := indicator.Returns(prices)
		if err != nil {
			return nil, err
		}

		return indicator.SMA(returns, period)
	case strategy.IndicatorPortfolioReturn:
		return indicator.Returns(prices)
	default:
		return nil, errors.Newf(errors.ErrCodeUnknownSortFunction, "unhandled indicator %q", kind)
	}
}

// fetchPrices returns the last lookback closing prices for a ticker, served
// from the price cache when a long enough series was already fetched. When
// the provider holds less history than requested the available prefix is
// fetched instead, letting spans shrink rather than failing the run.
func fetchPrices(ctx context.Context, ec *evaluationContext, ticker string, lookback int) ([]float64, error) {
	if series, ok := ec.prices.Get(ticker, lookback); ok {
		return series, nil
	}

	series, err := ec.provider.GetPriceSeries(ctx, ticker, lookback, ec.endDate)
	if err != nil {
		var short *errors.InsufficientDataError
		if !stderrors.As(err, &short) || short.Actual < 2 {
			return nil, err
		}

		ec.logger.Debug("price history shorter than requested",
			zap.String("ticker", ticker),
			zap.Int("requested", lookback),
			zap.Int("available", short.Actual),
		)

		series, err = ec.provider.GetPriceSeries(ctx, ticker, short.Actual, ec.endDate)
		if err != nil {
			return nil, err
		}
	}

	ec.prices.Put(ticker, series)

	return series, nil
}

// portfolioValueSeries prices a scratch portfolio day by day, yielding the
// series sort and allocation metrics are computed from. Positions whose
// price history does not reach back to a given day contribute nothing on it.
func portfolioValueSeries(ctx context.Context, ec *evaluationContext, scratch []types.DayData) ([]float64, error) {
	priceSeries := make(map[string][]float64)

	for _, day := range scratch {
		for _, pos := range day.Positions {
			if _, ok := priceSeries[pos.Ticker]; ok {
				continue
			}

			series, err := fetchPrices(ctx, ec, pos.Ticker, len(scratch))
			if err != nil {
				return nil, err
			}

			priceSeries[pos.Ticker] = series
		}
	}

	values := make([]float64, len(scratch))

	for day := range scratch {
		total := 0.0

		for _, pos := range scratch[day].Positions {
			series := priceSeries[pos.Ticker]

			idx := len(series) - len(scratch) + day
			if idx < 0 {
				continue
			}

			total += pos.Weight * series[idx]
		}

		values[day] = total
	}

	return values, nil
}

func trimLeadingNaN(series []float64) []float64 {
	for i, v := range series {
		if !math.IsNaN(v) {
			return series[i:]
		}
	}

	return nil
}
