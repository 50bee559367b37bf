package indicator

import (
	"github.com/atlas-quant/atlas-backtester/pkg/errors"
)

// rsiEpsilon guards the average-loss denominator. When the average loss is
// effectively zero RSI saturates at 100.
const rsiEpsilon = 1e-10

// RSI computes the Relative Strength Index using Wilder's smoothing. The
// seed average gain/loss is the simple mean over the first period deltas;
// subsequent averages follow avg = (avg*(period-1) + new) / period. Entries
// before index period are NaN.
func RSI(prices []float64, period int) ([]float64, error) {
	if period <= 0 {
		return nil, errors.Newf(errors.ErrCodeInvalidParameter, "RSI period must be positive, got %d", period)
	}

	if len(prices) < period+1 {
		return nil, errors.NewInsufficientDataErrorf(period+1, len(prices), "",
			"RSI requires at least %d data points, have %d", period+1, len(prices))
	}

	result := nanSlice(len(prices))
	gains, losses := gainsAndLosses(prices)

	avgGain := 0.0
	avgLoss := 0.0

	for i := 0; i < period; i++ {
		avgGain += gains[i]
		avgLoss += losses[i]
	}

	avgGain /= float64(period)
	avgLoss /= float64(period)
	result[period] = rsiFromAverages(avgGain, avgLoss)

	for i := period + 1; i < len(prices); i++ {
		avgGain = wilderSmooth(avgGain, gains[i-1], period)
		avgLoss = wilderSmooth(avgLoss, losses[i-1], period)
		result[i] = rsiFromAverages(avgGain, avgLoss)
	}

	return result, nil
}

// gainsAndLosses splits day-over-day price changes into positive gains and
// positive-valued losses, each one element shorter than prices.
func gainsAndLosses(prices []float64) ([]float64, []float64) {
	gains := make([]float64, len(prices)-1)
	losses := make([]float64, len(prices)-1)

	for i := 1; i < len(prices); i++ {
		change := prices[i] - prices[i-1]
		if change > 0 {
			gains[i-1] = change
		} else {
			losses[i-1] = -change
		}
	}

	return gains, losses
}

func wilderSmooth(previous, current float64, period int) float64 {
	return (previous*float64(period-1) + current) / float64(period)
}

func rsiFromAverages(avgGain, avgLoss float64) float64 {
	if avgLoss < rsiEpsilon {
		return 100.0
	}

	rs := avgGain / avgLoss

	return 100.0 - 100.0/(1.0+rs)
}
