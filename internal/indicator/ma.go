// Package indicator implements the technical indicator math used by
// condition evaluation, sort ranking and allocation weighting. All functions
// are pure: they operate on ordered float series, one element per trading
// day, oldest first. Positions where a value cannot be computed yet (the
// warm-up prefix) are filled with NaN so outputs stay index-aligned with
// their inputs.
package indicator

import (
	"math"

	"github.com/atlas-quant/atlas-backtester/pkg/errors"
)

// SMA computes the simple moving average over the given period. The first
// period-1 entries of the result are NaN.
func SMA(data []float64, period int) ([]float64, error) {
	if period <= 0 {
		return nil, errors.Newf(errors.ErrCodeInvalidParameter, "SMA period must be positive, got %d", period)
	}

	if len(data) < period {
		return nil, errors.NewInsufficientDataErrorf(period, len(data), "",
			"SMA requires at least %d data points, have %d", period, len(data))
	}

	result := nanSlice(len(data))

	sum := 0.0
	for i, v := range data {
		sum += v
		if i >= period {
			sum -= data[i-period]
		}

		if i >= period-1 {
			result[i] = sum / float64(period)
		}
	}

	return result, nil
}

// EMA computes the exponential moving average with smoothing factor
// k = 2/(period+1). The series is seeded with SMA(period) at index period-1,
// then follows the recurrence ema[i] = data[i]*k + ema[i-1]*(1-k).
func EMA(data []float64, period int) ([]float64, error) {
	if period <= 0 {
		return nil, errors.Newf(errors.ErrCodeInvalidParameter, "EMA period must be positive, got %d", period)
	}

	if len(data) < period {
		return nil, errors.NewInsufficientDataErrorf(period, len(data), "",
			"EMA requires at least %d data points, have %d", period, len(data))
	}

	result := nanSlice(len(data))
	multiplier := 2.0 / (float64(period) + 1.0)

	seed := 0.0
	for i := 0; i < period; i++ {
		seed += data[i]
	}

	result[period-1] = seed / float64(period)

	for i := period; i < len(data); i++ {
		result[i] = data[i]*multiplier + result[i-1]*(1.0-multiplier)
	}

	return result, nil
}

// StdDev computes the rolling population standard deviation over the given
// period. The first period-1 entries of the result are NaN.
func StdDev(data []float64, period int) ([]float64, error) {
	if period <= 0 {
		return nil, errors.Newf(errors.ErrCodeInvalidParameter, "StdDev period must be positive, got %d", period)
	}

	if len(data) < period {
		return nil, errors.NewInsufficientDataErrorf(period, len(data), "",
			"StdDev requires at least %d data points, have %d", period, len(data))
	}

	result := nanSlice(len(data))

	for i := period - 1; i < len(data); i++ {
		_, variance := windowStats(data[i-period+1 : i+1])
		result[i] = math.Sqrt(variance)
	}

	return result, nil
}

// windowStats returns the mean and population variance of a window.
func windowStats(window []float64) (float64, float64) {
	sum := 0.0
	for _, v := range window {
		sum += v
	}

	mean := sum / float64(len(window))

	varianceSum := 0.0
	for _, v := range window {
		diff := v - mean
		varianceSum += diff * diff
	}

	return mean, varianceSum / float64(len(window))
}

func nanSlice(n int) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = math.NaN()
	}

	return s
}
