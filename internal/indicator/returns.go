package indicator

import (
	"math"

	"github.com/atlas-quant/atlas-backtester/pkg/errors"
)

// priceEpsilon guards percent-change denominators against near-zero prices.
const priceEpsilon = 1e-10

// Returns computes pointwise percent changes, 100*(p[i]-p[i-1])/p[i-1]. The
// result is one element shorter than prices. A near-zero previous price
// yields 0 instead of a division blow-up.
func Returns(prices []float64) ([]float64, error) {
	if len(prices) < 2 {
		return nil, errors.NewInsufficientDataErrorf(2, len(prices), "",
			"return calculation requires at least 2 data points, have %d", len(prices))
	}

	result := make([]float64, len(prices)-1)

	for i := 1; i < len(prices); i++ {
		if prices[i-1] > priceEpsilon {
			result[i-1] = 100.0 * (prices[i] - prices[i-1]) / prices[i-1]
		}
	}

	return result, nil
}

// ReturnsStdDev computes the rolling sample standard deviation (n-1
// denominator) of daily percent returns. The result is aligned to the
// returns series, so it is one element shorter than prices, with NaN for the
// first period-1 entries.
func ReturnsStdDev(prices []float64, period int) ([]float64, error) {
	if period <= 1 {
		return nil, errors.Newf(errors.ErrCodeInvalidParameter, "returns std-dev period must be greater than 1, got %d", period)
	}

	if len(prices) < period+2 {
		return nil, errors.NewInsufficientDataErrorf(period+2, len(prices), "",
			"returns std-dev requires at least %d data points, have %d", period+2, len(prices))
	}

	returns, err := Returns(prices)
	if err != nil {
		return nil, err
	}

	result := nanSlice(len(returns))

	for i := period - 1; i < len(returns); i++ {
		_, variance := windowStats(returns[i-period+1 : i+1])
		// Convert population variance to sample variance.
		sampleVariance := variance * float64(period) / float64(period-1)
		result[i] = math.Sqrt(sampleVariance)
	}

	return result, nil
}

// CumulativeReturns computes the running sum of a return series.
func CumulativeReturns(returns []float64) []float64 {
	result := make([]float64, len(returns))

	cumulative := 0.0
	for i, r := range returns {
		cumulative += r
		result[i] = cumulative
	}

	return result
}
