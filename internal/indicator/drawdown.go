package indicator

import (
	"github.com/atlas-quant/atlas-backtester/pkg/errors"
)

// MaxDrawdown returns the largest peak-to-trough decline of a value series,
// in percent of the peak. An empty series has zero drawdown.
func MaxDrawdown(values []float64) float64 {
	if len(values) == 0 {
		return 0.0
	}

	peak := values[0]
	maxDrawdown := 0.0

	for _, v := range values {
		if v > peak {
			peak = v
		}

		// No drawdown is measurable until the series has a positive peak.
		if peak < priceEpsilon {
			continue
		}

		drawdown := (peak - v) / peak * 100.0
		if drawdown > maxDrawdown {
			maxDrawdown = drawdown
		}
	}

	return maxDrawdown
}

// RollingMaxDrawdown computes MaxDrawdown over a sliding window of the given
// period. Entries before index period-1 are NaN.
func RollingMaxDrawdown(values []float64, period int) ([]float64, error) {
	if period <= 0 {
		return nil, errors.Newf(errors.ErrCodeInvalidParameter, "rolling drawdown period must be positive, got %d", period)
	}

	if len(values) < period {
		return nil, errors.NewInsufficientDataErrorf(period, len(values), "",
			"rolling drawdown requires at least %d data points, have %d", period, len(values))
	}

	result := nanSlice(len(values))

	for i := period - 1; i < len(values); i++ {
		result[i] = MaxDrawdown(values[i-period+1 : i+1])
	}

	return result, nil
}
