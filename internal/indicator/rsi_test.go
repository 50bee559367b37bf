package indicator

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-quant/atlas-backtester/pkg/errors"
)

func TestRSIUptrendSaturatesAt100(t *testing.T) {
	prices := []float64{100, 101, 102, 103, 104, 105, 106}

	result, err := RSI(prices, 3)
	require.NoError(t, err)

	for i := 3; i < len(result); i++ {
		assert.InDelta(t, 100.0, result[i], 1e-9)
	}
}

func TestRSIDowntrendIsZero(t *testing.T) {
	prices := []float64{106, 105, 104, 103, 102, 101, 100}

	result, err := RSI(prices, 3)
	require.NoError(t, err)

	for i := 3; i < len(result); i++ {
		assert.InDelta(t, 0.0, result[i], 1e-9)
	}
}

func TestRSIBounded(t *testing.T) {
	prices := []float64{
		44.34, 44.09, 44.15, 43.61, 44.33, 44.83, 45.10, 45.42,
		45.84, 46.08, 45.89, 46.03, 45.61, 46.28, 46.28, 46.00,
		46.03, 46.41, 46.22, 45.64, 46.21, 46.25, 45.71, 46.45,
	}

	for _, period := range []int{1, 5, 14} {
		result, err := RSI(prices, period)
		require.NoError(t, err)

		for i, v := range result {
			if math.IsNaN(v) {
				assert.Less(t, i, period, "NaN outside the warm-up prefix")
				continue
			}

			assert.GreaterOrEqual(t, v, 0.0)
			assert.LessOrEqual(t, v, 100.0)
		}
	}
}

func TestRSIWarmupPrefixIsNaN(t *testing.T) {
	prices := []float64{100, 102, 101, 103, 105, 104}

	result, err := RSI(prices, 4)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		assert.True(t, math.IsNaN(result[i]))
	}

	assert.False(t, math.IsNaN(result[4]))
}

func TestRSIInsufficientData(t *testing.T) {
	_, err := RSI([]float64{100, 101, 102}, 3)
	require.Error(t, err)
	assert.True(t, errors.IsInsufficientDataError(err))
}

func TestRSIInvalidPeriod(t *testing.T) {
	_, err := RSI([]float64{100, 101}, -1)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidParameter))
}
