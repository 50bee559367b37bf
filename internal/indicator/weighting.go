package indicator

import (
	"github.com/atlas-quant/atlas-backtester/pkg/errors"
)

// weightEpsilon is the smallest total a weighting scheme can normalize by.
const weightEpsilon = 1e-10

// MarketCapWeights normalizes market capitalizations into portfolio weights
// summing to 1.
func MarketCapWeights(caps []float64) ([]float64, error) {
	total := 0.0
	for _, c := range caps {
		total += c
	}

	if total <= weightEpsilon {
		return nil, errors.New(errors.ErrCodeIndicatorCalculation, "total market cap must be positive")
	}

	weights := make([]float64, len(caps))
	for i, c := range caps {
		weights[i] = c / total
	}

	return weights, nil
}

// InverseVolatilityWeights assigns each entry a weight proportional to the
// inverse of its volatility, normalized to sum to 1. Entries with
// effectively zero volatility get zero weight rather than dominating the
// allocation.
func InverseVolatilityWeights(vols []float64) ([]float64, error) {
	weights := make([]float64, len(vols))
	total := 0.0

	for i, vol := range vols {
		if vol > weightEpsilon {
			weights[i] = 1.0 / vol
			total += weights[i]
		}
	}

	if total <= weightEpsilon {
		return nil, errors.New(errors.ErrCodeIndicatorCalculation, "total inverse volatility must be positive")
	}

	for i := range weights {
		weights[i] /= total
	}

	return weights, nil
}
