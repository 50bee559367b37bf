package engine

import (
	"github.com/atlas-quant/atlas-backtester/internal/strategy"
	"github.com/atlas-quant/atlas-backtester/internal/types"
	"github.com/atlas-quant/atlas-backtester/pkg/errors"
)

// processStock stamps the incoming weight for the node's symbol on every
// active day. Stocks are the only leaves that write positions; everything
// above them just decides masks and weights.
func processStock(ec *evaluationContext, node *strategy.Node, mask []bool, totalDays int, weight float64) (int, error) {
	symbol := node.Stock.Symbol

	if weight <= 0 || weight > 1+types.WeightEpsilon {
		return 0, errors.Newf(errors.ErrCodeStockNode, "stock %q received weight %.6f outside (0, 1]", symbol, weight)
	}

	if totalDays <= 0 {
		return 0, errors.Newf(errors.ErrCodeStockNode, "stock %q evaluated over %d days", symbol, totalDays)
	}

	if len(ec.portfolio) < totalDays {
		return 0, errors.Newf(errors.ErrCodeStockNode,
			"stock %q needs %d days but the portfolio window has %d", symbol, totalDays, len(ec.portfolio))
	}

	ec.countFlow(node)

	offset := len(ec.portfolio) - totalDays
	for day, active := range mask {
		if active {
			ec.portfolio[offset+day].AddPosition(symbol, weight)
		}
	}

	ec.snapshotFlow(node, totalDays)

	return totalDays, nil
}
