package engine

import (
	"encoding/json"
	"os"

	"github.com/parquet-go/parquet-go"

	"github.com/atlas-quant/atlas-backtester/internal/types"
	"github.com/atlas-quant/atlas-backtester/pkg/errors"
)

// resultRow is the flattened parquet schema of a portfolio history: one row
// per date and position.
type resultRow struct {
	RunID  string  `parquet:"run_id"`
	Date   string  `parquet:"date"`
	Ticker string  `parquet:"ticker"`
	Weight float64 `parquet:"weight"`
}

// WriteResultsParquet flattens a successful result into a parquet file.
func WriteResultsParquet(path string, result types.BacktestResult) error {
	if len(result.Dates) != len(result.PortfolioHistory) {
		return errors.Newf(errors.ErrCodeInvalidRunParams,
			"result has %d dates but %d portfolio days", len(result.Dates), len(result.PortfolioHistory))
	}

	rows := make([]resultRow, 0, len(result.Dates))

	for i, date := range result.Dates {
		for _, pos := range result.PortfolioHistory[i].Positions {
			rows = append(rows, resultRow{
				RunID:  result.RunID,
				Date:   date,
				Ticker: pos.Ticker,
				Weight: pos.Weight,
			})
		}
	}

	if err := parquet.WriteFile(path, rows); err != nil {
		return errors.Wrapf(errors.ErrCodeCacheWrite, err, "cannot write results parquet %s", path)
	}

	return nil
}

func writeResultJSON(path string, result types.BacktestResult) error {
	encoded, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return errors.Wrap(errors.ErrCodeCacheWrite, "cannot encode result", err)
	}

	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		return errors.Wrapf(errors.ErrCodeCacheWrite, err, "cannot write result %s", path)
	}

	return nil
}
